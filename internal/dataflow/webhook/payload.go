package webhook

import (
	"time"

	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

const (
	EventBatchCompleted           = "BatchCompleted"
	EventBatchCompletedWithErrors = "BatchCompletedWithErrors"
	EventBatchFailed              = "BatchFailed"
	EventBatchFinalized           = "BatchFinalized"
)

// EventFor names the notification sent for a batch in the given status.
func EventFor(status domain.BatchStatus) string {
	switch status {
	case domain.BatchCompleted:
		return EventBatchCompleted
	case domain.BatchCompletedWithErrors:
		return EventBatchCompletedWithErrors
	case domain.BatchFailed:
		return EventBatchFailed
	default:
		return EventBatchFinalized
	}
}

type Payload struct {
	Event        string         `json:"event"`
	ClientId     string         `json:"clientId"`
	BatchId      string         `json:"batchId"`
	Status       string         `json:"status"`
	Metrics      PayloadMetrics `json:"metrics"`
	ErrorSummary string         `json:"errorSummary"`
	Timestamp    time.Time      `json:"timestamp"`
}

type PayloadMetrics struct {
	TotalRecords     int        `json:"totalRecords"`
	ProcessedRecords int        `json:"processedRecords"`
	ErrorCount       int        `json:"errorCount"`
	StartedAt        *time.Time `json:"startedAt"`
	CompletedAt      *time.Time `json:"completedAt"`
	DurationSeconds  *float64   `json:"durationSeconds"`
}

func NewPayload(batch *domain.ImportBatch, now time.Time) Payload {
	var duration *float64
	if d, ok := batch.Duration(); ok {
		seconds := d.Seconds()
		duration = &seconds
	}
	return Payload{
		Event:    EventFor(batch.Status),
		ClientId: batch.ClientId.String(),
		BatchId:  batch.Id.String(),
		Status:   string(batch.Status),
		Metrics: PayloadMetrics{
			TotalRecords:     batch.TotalRecords,
			ProcessedRecords: batch.ProcessedRecords,
			ErrorCount:       batch.ErrorCount(),
			StartedAt:        batch.StartedAt,
			CompletedAt:      batch.CompletedAt,
			DurationSeconds:  duration,
		},
		ErrorSummary: batch.ErrorSummary,
		Timestamp:    now.UTC(),
	}
}
