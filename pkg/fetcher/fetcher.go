// Package fetcher retrieves raw settlement files from suppliers over SFTP,
// a pull API, or the webhook inbox.
package fetcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/settlement-engine/pkg/apperrors"
	"github.com/ekaya-inc/settlement-engine/pkg/models"
)

// FetchedFile is one raw settlement file and its idempotency identifier.
type FetchedFile struct {
	Name           string
	Content        []byte
	SettlementDate time.Time
	Identifier     string
	// InboxID is set for files taken from the webhook inbox.
	InboxID *uuid.UUID
}

// Fetcher retrieves the files a supplier published for one settlement date.
// An empty result with a nil error means nothing has been published yet.
type Fetcher interface {
	Fetch(ctx context.Context, cfg *models.SupplierConfig, settlementDate time.Time) ([]FetchedFile, error)
}

// Router dispatches to the fetcher registered for the supplier's ingestion method.
type Router struct {
	fetchers map[models.IngestionMethod]Fetcher
}

var _ Fetcher = (*Router)(nil)

// NewRouter creates a Router. A nil fetcher leaves that method unsupported.
func NewRouter(sftp, api, inbox Fetcher) *Router {
	r := &Router{fetchers: make(map[models.IngestionMethod]Fetcher)}
	if sftp != nil {
		r.fetchers[models.IngestionSFTP] = sftp
	}
	if api != nil {
		r.fetchers[models.IngestionAPI] = api
	}
	if inbox != nil {
		r.fetchers[models.IngestionWebhook] = inbox
	}
	return r
}

func (r *Router) Fetch(ctx context.Context, cfg *models.SupplierConfig, settlementDate time.Time) ([]FetchedFile, error) {
	f, ok := r.fetchers[cfg.Ingestion.Method]
	if !ok {
		return nil, fmt.Errorf("%w: supplier %s: no fetcher for ingestion method %q",
			apperrors.ErrInvalidConfig, cfg.SupplierCode, cfg.Ingestion.Method)
	}
	return f.Fetch(ctx, cfg, settlementDate)
}

// credentials reads the supplier secret from the environment variable named
// in the ingestion config.
func credentials(cfg *models.SupplierConfig) (string, error) {
	name := cfg.Ingestion.CredentialsEnv
	if name == "" {
		return "", nil
	}
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: supplier %s: credentials variable %s is not set",
			apperrors.ErrInvalidConfig, cfg.SupplierCode, name)
	}
	return v, nil
}
