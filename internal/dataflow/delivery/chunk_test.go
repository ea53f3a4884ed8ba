package delivery

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

func makeItems(t *testing.T, n int) []*domain.ImportItem {
	batchId := uuid.New()
	items := make([]*domain.ImportItem, n)
	for i := 0; i < n; i++ {
		item, err := domain.NewImportItem(batchId, i, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), time.Now())
		require.NoError(t, err)
		items[i] = item
	}
	return items
}

func TestPartition(t *testing.T) {
	items := makeItems(t, 250)
	chunks := Partition(items, 100)

	require.Len(t, chunks, 3)
	for i, want := range []struct{ offset, size int }{{0, 100}, {100, 100}, {200, 50}} {
		assert.Equal(t, i, chunks[i].Index)
		assert.Equal(t, i+1, chunks[i].ChunkId())
		assert.Equal(t, want.offset, chunks[i].Offset)
		assert.Len(t, chunks[i].Items, want.size)
		assert.Equal(t, want.offset, chunks[i].Items[0].Sequence)
	}
}

func TestPartition_Edges(t *testing.T) {
	assert.Empty(t, Partition(nil, 100))
	assert.Len(t, Partition(makeItems(t, 100), 100), 1)
	assert.Len(t, Partition(makeItems(t, 101), 100), 2)
	assert.Len(t, Partition(makeItems(t, 3), 0), 3)
}
