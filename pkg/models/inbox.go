package models

import (
	"time"

	"github.com/google/uuid"
)

// InboxFile is a settlement file pushed to the engine over the API or a webhook.
type InboxFile struct {
	ID             uuid.UUID  `json:"id"`
	SupplierCode   string     `json:"supplier_code"`
	FileName       string     `json:"file_name"`
	FileIdentifier string     `json:"file_identifier"`
	SettlementDate time.Time  `json:"settlement_date"`
	Content        []byte     `json:"-"`
	ReceivedAt     time.Time  `json:"received_at"`
	ConsumedAt     *time.Time `json:"consumed_at,omitempty"`
}
