package processor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/dataflow/backoff"
	"github.com/G-Research/dataflow/internal/dataflow/delivery"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/policy"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
	"github.com/G-Research/dataflow/internal/dataflow/storage"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type staticPolicy policy.ResolvedPolicy

func (s staticPolicy) ResolveFor(context.Context, uuid.UUID) (policy.ResolvedPolicy, error) {
	return policy.ResolvedPolicy(s), nil
}

// scriptedDeliverer fails the chunks whose ids are in failChunks and succeeds otherwise.
type scriptedDeliverer struct {
	failChunks map[int]bool
	chunkIds   []int
	cancel     context.CancelFunc
}

func (d *scriptedDeliverer) DeliverChunk(ctx context.Context, _ uuid.UUID, chunk delivery.Chunk) error {
	d.chunkIds = append(d.chunkIds, chunk.ChunkId())
	if d.cancel != nil {
		d.cancel()
		return ctx.Err()
	}
	if d.failChunks[chunk.ChunkId()] {
		for _, item := range chunk.Items {
			item.MarkError("HTTP 500: boom")
		}
		return errors.New("HTTP 500: boom")
	}
	for _, item := range chunk.Items {
		item.MarkImported()
	}
	return nil
}

type fixture struct {
	repos *repository.Repositories
	store *storage.LocalStore
	clock *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	repos, err := repository.NewInMemoryRepositories()
	require.NoError(t, err)
	fakeClock := clock.NewFakeClock(baseTime)
	store, err := storage.NewLocalStore(t.TempDir(), fakeClock)
	require.NoError(t, err)
	return &fixture{repos: repos, store: store, clock: fakeClock}
}

func (f *fixture) processor(deliverer delivery.ChunkDeliverer, resolved policy.ResolvedPolicy) *Processor {
	return NewProcessor(f.repos.Items, f.store, deliverer, staticPolicy(resolved), 100, f.clock)
}

func (f *fixture) batch(t *testing.T, fileName string, content string) *domain.ImportBatch {
	stored, err := f.store.Save(context.Background(), "acme", fileName, strings.NewReader(content))
	require.NoError(t, err)
	fileType := domain.FileTypeJson
	if !strings.HasSuffix(fileName, ".json") {
		fileType = domain.FileTypeTabular
	}
	batch, err := domain.NewImportBatch(domain.NewBatchParams{
		ClientId:      uuid.New(),
		FileType:      fileType,
		FileName:      fileName,
		FileSizeBytes: stored.SizeBytes,
		Checksum:      stored.Checksum,
		StoragePath:   stored.Path,
	}, f.clock.Now())
	require.NoError(t, err)
	require.NoError(t, batch.MarkProcessing(f.clock.Now()))
	return batch
}

func jsonArray(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf(`{"n":%d}`, i)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func TestProcess_AllChunksDelivered(t *testing.T) {
	f := newFixture(t)
	batch := f.batch(t, "leads.json", jsonArray(250))
	deliverer := &scriptedDeliverer{}

	require.NoError(t, f.processor(deliverer, policy.ResolvedPolicy{}).Process(context.Background(), batch))

	assert.Equal(t, domain.BatchCompleted, batch.Status)
	assert.Equal(t, 250, batch.TotalRecords)
	assert.Equal(t, 250, batch.ProcessedRecords)
	assert.Empty(t, batch.ErrorSummary)
	assert.Equal(t, baseTime, *batch.CompletedAt)
	assert.Equal(t, []int{1, 2, 3}, deliverer.chunkIds)

	items, err := f.repos.Items.GetByBatch(context.Background(), batch.Id)
	require.NoError(t, err)
	require.Len(t, items, 250)
	for i, item := range items {
		assert.Equal(t, i, item.Sequence)
		assert.Equal(t, domain.ItemImported, item.Status)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(item.Payload))
	}
}

func TestProcess_FailedChunkCompletesWithErrors(t *testing.T) {
	f := newFixture(t)
	batch := f.batch(t, "leads.json", jsonArray(250))
	deliverer := &scriptedDeliverer{failChunks: map[int]bool{2: true, 3: true}}

	require.NoError(t, f.processor(deliverer, policy.ResolvedPolicy{}).Process(context.Background(), batch))

	assert.Equal(t, domain.BatchCompletedWithErrors, batch.Status)
	assert.Equal(t, 250, batch.TotalRecords)
	assert.Equal(t, 100, batch.ProcessedRecords)
	assert.Equal(t, 150, batch.ErrorCount())
	assert.Equal(t, "Chunk 2: HTTP 500: boom; Chunk 3: HTTP 500: boom", batch.ErrorSummary)

	items, err := f.repos.Items.GetByBatch(context.Background(), batch.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemImported, items[99].Status)
	assert.Equal(t, domain.ItemError, items[100].Status)
	assert.Equal(t, "HTTP 500: boom", items[249].ErrorMessage)
}

func TestProcess_Redaction(t *testing.T) {
	f := newFixture(t)
	batch := f.batch(t, "leads.json", jsonArray(150))
	deliverer := &scriptedDeliverer{failChunks: map[int]bool{2: true}}
	resolved := policy.ResolvedPolicy{RedactPayloadOnSuccess: true, RedactPayloadOnFailure: false, IncludePayloadHash: true}

	require.NoError(t, f.processor(deliverer, resolved).Process(context.Background(), batch))

	items, err := f.repos.Items.GetByBatch(context.Background(), batch.Id)
	require.NoError(t, err)
	delivered := items[0]
	assert.True(t, delivered.Redacted)
	assert.NotEqual(t, `{"n":0}`, string(delivered.Payload))
	assert.Equal(t, string(domain.RedactPayload([]byte(`{"n":0}`), true)), string(delivered.Payload))

	failed := items[120]
	assert.False(t, failed.Redacted)
	assert.JSONEq(t, `{"n":120}`, string(failed.Payload))
}

func TestProcess_MissingFileFails(t *testing.T) {
	f := newFixture(t)
	batch := f.batch(t, "leads.json", jsonArray(1))
	require.NoError(t, os.Remove(batch.StoragePath))

	err := f.processor(&scriptedDeliverer{}, policy.ResolvedPolicy{}).Process(context.Background(), batch)

	assert.True(t, dataflowerrors.IsNonRetryable(err))
	assert.Equal(t, domain.BatchFailed, batch.Status)
	assert.Contains(t, batch.ErrorSummary, "upload file not found")
}

func TestProcess_MalformedFileFails(t *testing.T) {
	f := newFixture(t)
	batch := f.batch(t, "leads.json", `"just a string"`)
	deliverer := &scriptedDeliverer{}

	err := f.processor(deliverer, policy.ResolvedPolicy{}).Process(context.Background(), batch)

	assert.True(t, dataflowerrors.IsNonRetryable(err))
	assert.Equal(t, domain.BatchFailed, batch.Status)
	assert.NotNil(t, batch.CompletedAt)
	assert.Empty(t, deliverer.chunkIds)
}

func TestProcess_EmptyFileCompletes(t *testing.T) {
	f := newFixture(t)
	batch := f.batch(t, "leads.csv", "name,email\n")

	require.NoError(t, f.processor(&scriptedDeliverer{}, policy.ResolvedPolicy{}).Process(context.Background(), batch))
	assert.Equal(t, domain.BatchCompleted, batch.Status)
	assert.Equal(t, 0, batch.TotalRecords)
}

func TestProcess_CancelledLeavesBatchProcessing(t *testing.T) {
	f := newFixture(t)
	batch := f.batch(t, "leads.json", jsonArray(10))
	ctx, cancel := context.WithCancel(context.Background())
	deliverer := &scriptedDeliverer{cancel: cancel}

	err := f.processor(deliverer, policy.ResolvedPolicy{}).Process(ctx, batch)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.BatchProcessing, batch.Status)
	assert.Nil(t, batch.CompletedAt)
}

func TestProcess_RestartReplacesItems(t *testing.T) {
	f := newFixture(t)
	batch := f.batch(t, "leads.json", jsonArray(5))
	ctx, cancel := context.WithCancel(context.Background())
	require.ErrorIs(t, f.processor(&scriptedDeliverer{cancel: cancel}, policy.ResolvedPolicy{}).Process(ctx, batch), context.Canceled)

	require.NoError(t, f.processor(&scriptedDeliverer{}, policy.ResolvedPolicy{}).Process(context.Background(), batch))

	items, err := f.repos.Items.GetByBatch(context.Background(), batch.Id)
	require.NoError(t, err)
	assert.Len(t, items, 5)
	assert.Equal(t, domain.BatchCompleted, batch.Status)
}

func TestProcess_WithHttpDelivery(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newFixture(t)
	batch := f.batch(t, "leads.json", jsonArray(3))
	client := delivery.NewClient(server.URL, time.Second, backoff.Fixed{Delays: []time.Duration{time.Millisecond}, MaxAttempts: 3})

	require.NoError(t, f.processor(client, policy.ResolvedPolicy{}).Process(context.Background(), batch))

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, domain.BatchCompleted, batch.Status)
	items, err := f.repos.Items.GetByBatch(context.Background(), batch.Id)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, domain.ItemImported, item.Status)
	}
}
