package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/dataflow/internal/dataflow/backoff"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
)

var fastRetries = backoff.Fixed{Delays: []time.Duration{time.Millisecond, 2 * time.Millisecond}, MaxAttempts: 3}

// statusSequence answers with the given statuses in order, repeating the last one.
func statusSequence(calls *int32, statuses ...int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(calls, 1))
		if n > len(statuses) {
			n = len(statuses)
		}
		w.WriteHeader(statuses[n-1])
		_, _ = w.Write([]byte("busy"))
	}
}

func assertStatuses(t *testing.T, items []*domain.ImportItem, status domain.ItemStatus) {
	for _, item := range items {
		assert.Equal(t, status, item.Status)
	}
}

func TestDeliverChunk_RequestContract(t *testing.T) {
	batchId := uuid.New()
	chunk := Partition(makeItems(t, 5), 2)[1]

	var received chunkRequest
	var headers http.Header
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		headers = r.Header.Clone()
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", time.Second, fastRetries)
	require.NoError(t, client.DeliverChunk(context.Background(), batchId, chunk))

	assert.Equal(t, "/leads/import", path)
	assert.Equal(t, batchId.String(), headers.Get(BatchIdHeader))
	assert.Equal(t, "2", headers.Get(ChunkIdHeader))
	assert.Len(t, headers.Get(TraceIdHeader), 26)
	assert.Equal(t, batchId, received.BatchId)
	assert.Equal(t, 2, received.ChunkId)
	assert.Equal(t, 2, received.Offset)
	require.Len(t, received.Items, 2)
	assert.JSONEq(t, `{"n":2}`, string(received.Items[0]))
	assert.JSONEq(t, `{"n":3}`, string(received.Items[1]))
	assertStatuses(t, chunk.Items, domain.ItemImported)
}

func TestDeliverChunk_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, 503, 503, 200))
	defer server.Close()
	chunk := Partition(makeItems(t, 3), 100)[0]

	err := NewClient(server.URL, time.Second, fastRetries).DeliverChunk(context.Background(), uuid.New(), chunk)

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assertStatuses(t, chunk.Items, domain.ItemImported)
}

func TestDeliverChunk_RetriesTooManyRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, 429, 200))
	defer server.Close()
	chunk := Partition(makeItems(t, 1), 100)[0]

	require.NoError(t, NewClient(server.URL, time.Second, fastRetries).DeliverChunk(context.Background(), uuid.New(), chunk))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDeliverChunk_ClientErrorIsTerminal(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, 400))
	defer server.Close()
	chunk := Partition(makeItems(t, 3), 100)[0]

	err := NewClient(server.URL, time.Second, fastRetries).DeliverChunk(context.Background(), uuid.New(), chunk)

	require.Error(t, err)
	assert.Equal(t, "HTTP 400: busy", err.Error())
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assertStatuses(t, chunk.Items, domain.ItemError)
	assert.Equal(t, "HTTP 400: busy", chunk.Items[0].ErrorMessage)
}

func TestDeliverChunk_ExhaustsAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, 500))
	defer server.Close()
	chunk := Partition(makeItems(t, 2), 100)[0]

	err := NewClient(server.URL, time.Second, fastRetries).DeliverChunk(context.Background(), uuid.New(), chunk)

	require.Error(t, err)
	assert.Equal(t, "HTTP 500: busy", err.Error())
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assertStatuses(t, chunk.Items, domain.ItemError)
}

func TestDeliverChunk_TransportErrorsAreRetried(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()
	chunk := Partition(makeItems(t, 2), 100)[0]

	err := NewClient(url, time.Second, fastRetries).DeliverChunk(context.Background(), uuid.New(), chunk)

	require.Error(t, err)
	assertStatuses(t, chunk.Items, domain.ItemError)
}

func TestDeliverChunk_CancelledLeavesItemsUntouched(t *testing.T) {
	var calls int32
	server := httptest.NewServer(statusSequence(&calls, 200))
	defer server.Close()
	chunk := Partition(makeItems(t, 2), 100)[0]
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewClient(server.URL, time.Second, fastRetries).DeliverChunk(ctx, uuid.New(), chunk)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	assertStatuses(t, chunk.Items, domain.ItemPending)
}

func TestHttpError_Retryable(t *testing.T) {
	for status, want := range map[int]bool{500: true, 502: true, 503: true, 429: true, 400: false, 404: false, 409: false, 301: false} {
		assert.Equal(t, want, (&HttpError{StatusCode: status}).Retryable(), "status %d", status)
	}
}
