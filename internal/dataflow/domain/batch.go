package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
)

// ImportBatch is one uploaded file and its processing run.
type ImportBatch struct {
	Id               uuid.UUID
	ClientId         uuid.UUID
	Status           BatchStatus
	FileType         FileType
	FileName         string
	FileSizeBytes    int64
	Checksum         string
	StoragePath      string
	PolicyDecision   string
	Origin           string
	RequestedBy      string
	MetadataJson     string
	CreatedAt        time.Time
	ScheduledFor     *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	TotalRecords     int
	ProcessedRecords int
	ErrorSummary     string
}

// NewBatchParams carries everything known about an upload when its batch is created.
type NewBatchParams struct {
	Id            uuid.UUID
	ClientId      uuid.UUID
	FileType      FileType
	FileName      string
	FileSizeBytes int64
	Checksum      string
	StoragePath   string
	Origin        string
	RequestedBy   string
	MetadataJson  string
}

// NewImportBatch validates params and returns a Pending batch with an Immediate decision.
func NewImportBatch(params NewBatchParams, now time.Time) (*ImportBatch, error) {
	if params.ClientId == uuid.Nil {
		return nil, invalid("clientId", params.ClientId.String(), "client id cannot be empty")
	}
	if strings.TrimSpace(params.FileName) == "" {
		return nil, invalid("fileName", params.FileName, "file name cannot be empty")
	}
	if params.FileSizeBytes <= 0 {
		return nil, invalid("fileSizeBytes", params.FileSizeBytes, "file size must be greater than zero")
	}
	if strings.TrimSpace(params.Checksum) == "" {
		return nil, invalid("checksum", params.Checksum, "checksum cannot be empty")
	}
	if strings.TrimSpace(params.StoragePath) == "" {
		return nil, invalid("storagePath", params.StoragePath, "storage path cannot be empty")
	}
	if params.FileType != FileTypeJson && params.FileType != FileTypeTabular {
		return nil, invalid("fileType", string(params.FileType), "unsupported file type")
	}
	id := params.Id
	if id == uuid.Nil {
		id = uuid.New()
	}
	return &ImportBatch{
		Id:             id,
		ClientId:       params.ClientId,
		Status:         BatchPending,
		FileType:       params.FileType,
		FileName:       params.FileName,
		FileSizeBytes:  params.FileSizeBytes,
		Checksum:       params.Checksum,
		StoragePath:    params.StoragePath,
		PolicyDecision: DecisionImmediate,
		Origin:         params.Origin,
		RequestedBy:    params.RequestedBy,
		MetadataJson:   params.MetadataJson,
		CreatedAt:      now.UTC(),
	}, nil
}

// ApplyDecision records the scheduling verdict on a Pending batch.
func (b *ImportBatch) ApplyDecision(label string, scheduledFor *time.Time) error {
	if b.Status != BatchPending {
		return b.transitionError(BatchScheduled)
	}
	b.PolicyDecision = label
	if scheduledFor != nil {
		t := scheduledFor.UTC()
		b.ScheduledFor = &t
		b.Status = BatchScheduled
	}
	return nil
}

// IsDue returns true if the batch may start at now: Pending, or Scheduled with its time reached.
func (b *ImportBatch) IsDue(now time.Time) bool {
	switch b.Status {
	case BatchPending:
		return true
	case BatchScheduled:
		return b.ScheduledFor == nil || !b.ScheduledFor.After(now)
	default:
		return false
	}
}

// IsOrphaned returns true for a batch left in Processing by a run that started before staleBefore.
func (b *ImportBatch) IsOrphaned(staleBefore time.Time) bool {
	return b.Status == BatchProcessing && b.StartedAt != nil && b.StartedAt.Before(staleBefore)
}

// MarkProcessing starts a run. Orphaned Processing batches may be restarted.
func (b *ImportBatch) MarkProcessing(now time.Time) error {
	if b.Status.IsTerminal() {
		return b.transitionError(BatchProcessing)
	}
	t := now.UTC()
	b.Status = BatchProcessing
	b.StartedAt = &t
	b.CompletedAt = nil
	return nil
}

// Complete finishes a run. The batch is Completed unless some records failed and there is an error summary.
func (b *ImportBatch) Complete(totalRecords int, processedRecords int, errorSummary string, now time.Time) error {
	if b.Status != BatchProcessing {
		return b.transitionError(BatchCompleted)
	}
	if processedRecords > totalRecords || processedRecords < 0 {
		return invalid("processedRecords", processedRecords, "must be between 0 and totalRecords")
	}
	t := now.UTC()
	b.TotalRecords = totalRecords
	b.ProcessedRecords = processedRecords
	b.ErrorSummary = errorSummary
	b.CompletedAt = &t
	if strings.TrimSpace(errorSummary) == "" || processedRecords == totalRecords {
		b.Status = BatchCompleted
	} else {
		b.Status = BatchCompletedWithErrors
	}
	return nil
}

// Fail marks the batch Failed with message as its error summary.
func (b *ImportBatch) Fail(message string, now time.Time) error {
	if b.Status.IsTerminal() {
		return b.transitionError(BatchFailed)
	}
	t := now.UTC()
	b.Status = BatchFailed
	b.ErrorSummary = message
	b.CompletedAt = &t
	return nil
}

func (b *ImportBatch) ErrorCount() int {
	return b.TotalRecords - b.ProcessedRecords
}

// Duration returns the wall time of the last run, if it finished.
func (b *ImportBatch) Duration() (time.Duration, bool) {
	if b.StartedAt == nil || b.CompletedAt == nil {
		return 0, false
	}
	return b.CompletedAt.Sub(*b.StartedAt), true
}

func (b *ImportBatch) Clone() *ImportBatch {
	c := *b
	c.ScheduledFor = cloneTime(b.ScheduledFor)
	c.StartedAt = cloneTime(b.StartedAt)
	c.CompletedAt = cloneTime(b.CompletedAt)
	return &c
}

func (b *ImportBatch) transitionError(to BatchStatus) error {
	return errors.WithStack(&dataflowerrors.ErrInvalidArgument{
		Name:    "status",
		Value:   string(b.Status),
		Message: "batch " + b.Id.String() + " cannot move from " + string(b.Status) + " to " + string(to),
	})
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func invalid(name string, value interface{}, message string) error {
	return errors.WithStack(&dataflowerrors.ErrInvalidArgument{Name: name, Value: value, Message: message})
}
