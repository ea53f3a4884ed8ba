package domain

// BatchStatus is the lifecycle state of an ImportBatch.
//
//	Pending -> Processing | Scheduled
//	Scheduled -> Processing
//	Processing -> Completed | CompletedWithErrors | Failed
//
// Terminal states are never left; the batch can only be deleted by a purge.
type BatchStatus string

const (
	BatchPending             BatchStatus = "Pending"
	BatchProcessing          BatchStatus = "Processing"
	BatchScheduled           BatchStatus = "Scheduled"
	BatchCompleted           BatchStatus = "Completed"
	BatchCompletedWithErrors BatchStatus = "CompletedWithErrors"
	BatchFailed              BatchStatus = "Failed"
)

func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithErrors, BatchFailed:
		return true
	default:
		return false
	}
}

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchPending, BatchProcessing, BatchScheduled, BatchCompleted, BatchCompletedWithErrors, BatchFailed:
		return true
	default:
		return false
	}
}

// FileType selects the parser used for a batch.
type FileType string

const (
	FileTypeJson    FileType = "Json"
	FileTypeTabular FileType = "Tabular"
)

// ItemStatus is the delivery outcome of one ImportItem.
type ItemStatus string

const (
	// ItemPending is the state of a persisted item whose chunk has not been delivered yet.
	ItemPending  ItemStatus = "Pending"
	ItemImported ItemStatus = "Imported"
	ItemError    ItemStatus = "Error"
)

type ClientStatus string

const (
	ClientActive    ClientStatus = "Active"
	ClientSuspended ClientStatus = "Suspended"
)

// Policy decision labels stored on the batch.
const (
	DecisionImmediate = "Immediate"
	DecisionScheduled = "Scheduled"
)
