package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ekaya-inc/settlement-engine/pkg/database"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// InboxSource lists webhook drops that have not been reconciled yet.
type InboxSource interface {
	ListPending(ctx context.Context, supplierCode string, settlementDate time.Time) ([]*models.InboxFile, error)
}

// InboxFetcher serves files pushed to the engine instead of pulling them.
type InboxFetcher struct {
	db     database.Scoper
	source InboxSource
}

var _ Fetcher = (*InboxFetcher)(nil)

// NewInboxFetcher creates an inbox fetcher.
func NewInboxFetcher(db database.Scoper, source InboxSource) *InboxFetcher {
	return &InboxFetcher{db: db, source: source}
}

func (f *InboxFetcher) Fetch(ctx context.Context, cfg *models.SupplierConfig, settlementDate time.Time) ([]FetchedFile, error) {
	ctx, cleanup, err := f.db.WithScope(ctx)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	drops, err := f.source.ListPending(ctx, cfg.SupplierCode, settlementDate)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox files: %w", err)
	}

	files := make([]FetchedFile, 0, len(drops))
	for _, d := range drops {
		id := d.ID
		files = append(files, FetchedFile{
			Name:           d.FileName,
			Content:        d.Content,
			SettlementDate: d.SettlementDate,
			Identifier:     d.FileIdentifier,
			InboxID:        &id,
		})
	}
	return files, nil
}
