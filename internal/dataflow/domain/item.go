package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ImportItem is one parsed record of a batch.
type ImportItem struct {
	Id           uuid.UUID
	BatchId      uuid.UUID
	Sequence     int
	Payload      json.RawMessage
	Status       ItemStatus
	ErrorMessage string
	Redacted     bool
	CreatedAt    time.Time
}

func NewImportItem(batchId uuid.UUID, sequence int, payload json.RawMessage, now time.Time) (*ImportItem, error) {
	if batchId == uuid.Nil {
		return nil, invalid("batchId", batchId.String(), "batch id cannot be empty")
	}
	if sequence < 0 {
		return nil, invalid("sequence", sequence, "sequence cannot be negative")
	}
	if len(payload) == 0 {
		return nil, invalid("payload", "", "payload cannot be empty")
	}
	return &ImportItem{
		Id:        uuid.New(),
		BatchId:   batchId,
		Sequence:  sequence,
		Payload:   payload,
		Status:    ItemPending,
		CreatedAt: now.UTC(),
	}, nil
}

func (i *ImportItem) MarkImported() {
	i.Status = ItemImported
	i.ErrorMessage = ""
}

func (i *ImportItem) MarkError(message string) {
	i.Status = ItemError
	i.ErrorMessage = message
}

type redactionMarker struct {
	Masked bool   `json:"masked"`
	Sha256 string `json:"sha256,omitempty"`
}

// Redact irreversibly replaces the payload by a marker. With includeHash the marker carries the
// lowercase hex SHA-256 of the original payload bytes. Redacting twice is a no-op.
func (i *ImportItem) Redact(includeHash bool) {
	if i.Redacted || len(i.Payload) == 0 {
		return
	}
	i.Payload = RedactPayload(i.Payload, includeHash)
	i.Redacted = true
}

// RedactPayload returns the marker that replaces payload.
func RedactPayload(payload []byte, includeHash bool) json.RawMessage {
	marker := redactionMarker{Masked: true}
	if includeHash {
		sum := sha256.Sum256(payload)
		marker.Sha256 = hex.EncodeToString(sum[:])
	}
	out, _ := json.Marshal(marker)
	return out
}

func (i *ImportItem) Clone() *ImportItem {
	c := *i
	c.Payload = append(json.RawMessage(nil), i.Payload...)
	return &c
}
