// Package events announces batch lifecycle changes on a message bus.
//
// Two messages are published. BatchCreated is informational and is emitted for every accepted upload.
// BatchReady tells workers that a batch can be picked up right away, so that an idle worker does not
// have to wait for its next poll. Both are JSON encoded and keyed by batch id.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

type BatchCreated struct {
	BatchId          uuid.UUID `json:"batchId"`
	ClientId         uuid.UUID `json:"clientId"`
	ClientIdentifier string    `json:"clientIdentifier"`
	FileName         string    `json:"fileName"`
	FileSizeBytes    int64     `json:"fileSizeBytes"`
	PolicyDecision   string    `json:"policyDecision"`
	CreatedAt        time.Time `json:"createdAt"`
}

type BatchReady struct {
	BatchId  uuid.UUID `json:"batchId"`
	ClientId uuid.UUID `json:"clientId"`
	FileName string    `json:"fileName"`
	ReadyAt  time.Time `json:"readyAt"`
}

func NewBatchCreated(batch *domain.ImportBatch, clientIdentifier string) BatchCreated {
	return BatchCreated{
		BatchId:          batch.Id,
		ClientId:         batch.ClientId,
		ClientIdentifier: clientIdentifier,
		FileName:         batch.FileName,
		FileSizeBytes:    batch.FileSizeBytes,
		PolicyDecision:   batch.PolicyDecision,
		CreatedAt:        batch.CreatedAt,
	}
}

func NewBatchReady(batch *domain.ImportBatch, now time.Time) BatchReady {
	return BatchReady{
		BatchId:  batch.Id,
		ClientId: batch.ClientId,
		FileName: batch.FileName,
		ReadyAt:  now.UTC(),
	}
}

// DecodeBatchReady unmarshals a BatchReady payload. A message without a batch id is rejected.
func DecodeBatchReady(payload []byte) (BatchReady, error) {
	var msg BatchReady
	if err := json.Unmarshal(payload, &msg); err != nil {
		return BatchReady{}, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "payload",
			Value:   string(payload),
			Message: err.Error(),
		})
	}
	if msg.BatchId == uuid.Nil {
		return BatchReady{}, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "batchId",
			Value:   "",
			Message: "BatchReady message has no batch id",
		})
	}
	return msg, nil
}
