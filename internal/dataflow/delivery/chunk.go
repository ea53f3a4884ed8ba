package delivery

import (
	"github.com/G-Research/dataflow/internal/common/util"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

// Chunk is a contiguous run of a batch's items. Index is zero-based; Offset is the position of the
// first item in the batch.
type Chunk struct {
	Index  int
	Offset int
	Items  []*domain.ImportItem
}

// ChunkId is the one-based chunk number used on the wire and in error summaries.
func (c Chunk) ChunkId() int {
	return c.Index + 1
}

// Partition splits items into chunks of at most size items, keeping their order.
func Partition(items []*domain.ImportItem, size int) []Chunk {
	if size <= 0 {
		size = 1
	}
	groups := util.Batch(items, size)
	chunks := make([]Chunk, len(groups))
	for i, group := range groups {
		chunks[i] = Chunk{Index: i, Offset: i * size, Items: group}
	}
	return chunks
}
