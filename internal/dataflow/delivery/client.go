// Package delivery sends parsed items to the downstream import endpoint in bounded chunks.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/dataflow/internal/common/util"
	"github.com/G-Research/dataflow/internal/dataflow/backoff"
	"github.com/G-Research/dataflow/internal/dataflow/metrics"
)

const (
	ImportPath     = "/leads/import"
	TraceIdHeader  = "x-trace-id"
	BatchIdHeader  = "x-batch-id"
	ChunkIdHeader  = "x-chunk-id"
	maxErrorBody   = 4096
	defaultTimeout = 30 * time.Second
)

type ChunkDeliverer interface {
	// DeliverChunk sends chunk and marks its items Imported or Error according to the outcome.
	// The returned error describes a failed delivery. If ctx is cancelled the items are left as they
	// were and ctx.Err() is returned.
	DeliverChunk(ctx context.Context, batchId uuid.UUID, chunk Chunk) error
}

type chunkRequest struct {
	BatchId uuid.UUID         `json:"batchId"`
	ChunkId int               `json:"chunkId"`
	Offset  int               `json:"offset"`
	Items   []json.RawMessage `json:"items"`
}

// HttpError is a non-2xx response from the downstream endpoint.
type HttpError struct {
	StatusCode int
	Body       string
}

func (e *HttpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Retryable is true for server errors and 429; any other status will not change on retry.
func (e *HttpError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Client struct {
	url        string
	httpClient *http.Client
	strategy   backoff.Strategy
}

func NewClient(baseUrl string, timeout time.Duration, strategy backoff.Strategy) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:        strings.TrimRight(baseUrl, "/") + ImportPath,
		httpClient: &http.Client{Timeout: timeout},
		strategy:   strategy,
	}
}

func (c *Client) DeliverChunk(ctx context.Context, batchId uuid.UUID, chunk Chunk) error {
	logger := log.WithField("batchId", batchId).WithField("chunkId", chunk.ChunkId())
	body, err := json.Marshal(newChunkRequest(batchId, chunk))
	if err != nil {
		return errors.WithStack(err)
	}

	start := time.Now()
	attempt := 0
	err = retry.Do(
		func() error {
			attempt++
			metrics.DeliveryAttempt()
			err := c.post(ctx, batchId, chunk, body)
			var httpErr *HttpError
			if errors.As(err, &httpErr) && !httpErr.Retryable() {
				return retry.Unrecoverable(err)
			}
			return err
		},
		append(backoff.RetryOptions(ctx, c.strategy),
			retry.OnRetry(func(n uint, err error) {
				logger.WithField("attempt", n+1).WithError(err).Warn("chunk delivery failed")
			}),
		)...,
	)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	metrics.RecordChunk(err == nil, time.Since(start))

	if err != nil {
		message := err.Error()
		for _, item := range chunk.Items {
			item.MarkError(message)
		}
		logger.WithField("attempts", attempt).Warnf("giving up on chunk with %d items: %s", len(chunk.Items), message)
		return err
	}
	for _, item := range chunk.Items {
		item.MarkImported()
	}
	logger.WithField("attempts", attempt).Infof("delivered chunk with %d items at offset %d", len(chunk.Items), chunk.Offset)
	return nil
}

func (c *Client) post(ctx context.Context, batchId uuid.UUID, chunk Chunk, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(TraceIdHeader, util.NewULID())
	req.Header.Set(BatchIdHeader, batchId.String())
	req.Header.Set(ChunkIdHeader, strconv.Itoa(chunk.ChunkId()))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &HttpError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
}

func newChunkRequest(batchId uuid.UUID, chunk Chunk) chunkRequest {
	items := make([]json.RawMessage, len(chunk.Items))
	for i, item := range chunk.Items {
		items[i] = item.Payload
	}
	return chunkRequest{
		BatchId: batchId,
		ChunkId: chunk.ChunkId(),
		Offset:  chunk.Offset,
		Items:   items,
	}
}
