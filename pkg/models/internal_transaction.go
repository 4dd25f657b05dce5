package models

import (
	"strconv"
	"time"
)

// Internal field names every ledger row exposes besides its references.
const (
	InternalFieldID        = "id"
	InternalFieldAmount    = "amount"
	InternalFieldTimestamp = "timestamp"
	InternalFieldStatus    = "status"
)

// InternalTransaction is the read-only ledger view the engine matches against.
type InternalTransaction struct {
	ID          string            `json:"id"`
	AmountCents int64             `json:"amount_cents"`
	Timestamp   time.Time         `json:"timestamp"`
	Status      string            `json:"status"`
	References  map[string]string `json:"references,omitempty"`
}

// Field returns the string form of an internal field or reference.
func (t *InternalTransaction) Field(name string) string {
	switch name {
	case InternalFieldID:
		return t.ID
	case InternalFieldAmount:
		return strconv.FormatInt(t.AmountCents, 10)
	case InternalFieldStatus:
		return t.Status
	case InternalFieldTimestamp:
		return t.Timestamp.UTC().Format(time.RFC3339)
	default:
		return t.References[name]
	}
}
