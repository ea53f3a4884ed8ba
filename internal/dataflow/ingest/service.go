// Package ingest accepts uploaded files and turns them into batches.
//
// Submit runs the admission gate in order: client lookup, rate limit, storage, checksum
// reservation, policy evaluation. Anything that fails after the file was stored removes the file
// again, and anything that fails after the checksum was reserved releases the reservation, so a
// rejected upload leaves no trace behind.
package ingest

import (
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/common/dataflowerrors"
	"github.com/G-Research/dataflow/internal/common/logging"
	"github.com/G-Research/dataflow/internal/dataflow/admission"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/events"
	"github.com/G-Research/dataflow/internal/dataflow/metrics"
	"github.com/G-Research/dataflow/internal/dataflow/parser"
	"github.com/G-Research/dataflow/internal/dataflow/policy"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
	"github.com/G-Research/dataflow/internal/dataflow/storage"
)

// Rejection reasons recorded in the admission metric.
const (
	reasonRateLimited           = "rate_limited"
	reasonDuplicate             = "duplicate"
	reasonReservationInProgress = "reservation_in_progress"
)

type SubmitRequest struct {
	ClientIdentifier string
	FileName         string
	Reader           io.Reader
	Origin           string
	RequestedBy      string
	Metadata         map[string]string
}

type SubmitResult struct {
	BatchId        uuid.UUID
	Status         domain.BatchStatus
	PolicyDecision string
	ScheduledFor   *time.Time
	// Why the batch was deferred; empty for immediate batches
	Reason        string
	RateLimit     admission.RateDecision
	FileSizeBytes int64
	Checksum      string
}

// BatchStatusView is what a status query returns about a batch.
type BatchStatusView struct {
	Id               uuid.UUID          `json:"id"`
	ClientId         uuid.UUID          `json:"clientId"`
	Status           domain.BatchStatus `json:"status"`
	FileType         domain.FileType    `json:"fileType"`
	FileName         string             `json:"fileName"`
	FileSizeBytes    int64              `json:"fileSizeBytes"`
	Checksum         string             `json:"checksum"`
	PolicyDecision   string             `json:"policyDecision"`
	CreatedAt        time.Time          `json:"createdAt"`
	ScheduledFor     *time.Time         `json:"scheduledFor,omitempty"`
	StartedAt        *time.Time         `json:"startedAt,omitempty"`
	CompletedAt      *time.Time         `json:"completedAt,omitempty"`
	TotalRecords     int                `json:"totalRecords"`
	ProcessedRecords int                `json:"processedRecords"`
	ErrorCount       int                `json:"errorCount"`
	ErrorSummary     string             `json:"errorSummary,omitempty"`
}

type PolicyEvaluator interface {
	Evaluate(ctx context.Context, batch *domain.ImportBatch) (policy.Decision, error)
}

type Service struct {
	clients   repository.ClientRepository
	batches   repository.BatchRepository
	store     storage.FileStore
	limiter   admission.RateLimiter
	limits    admission.Limits
	period    time.Duration
	checksums admission.ChecksumStore
	dedupTtl  time.Duration
	policies  PolicyEvaluator
	publisher events.Publisher
	clock     clock.Clock
}

func NewService(
	clients repository.ClientRepository,
	batches repository.BatchRepository,
	store storage.FileStore,
	limiter admission.RateLimiter,
	limits admission.Limits,
	period time.Duration,
	checksums admission.ChecksumStore,
	dedupTtl time.Duration,
	policies PolicyEvaluator,
	publisher events.Publisher,
	clock clock.Clock,
) *Service {
	return &Service{
		clients:   clients,
		batches:   batches,
		store:     store,
		limiter:   limiter,
		limits:    limits,
		period:    period,
		checksums: checksums,
		dedupTtl:  dedupTtl,
		policies:  policies,
		publisher: publisher,
		clock:     clock,
	}
}

func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	fileName := strings.TrimSpace(filepath.Base(req.FileName))
	fileType, err := parser.DetectFileType(fileName)
	if err != nil {
		return nil, err
	}

	client, err := s.clients.GetByIdentifier(ctx, domain.NormalizeIdentifier(req.ClientIdentifier))
	if err != nil {
		return nil, err
	}
	if !client.IsActive() {
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "clientIdentifier",
			Value:   client.Identifier,
			Message: "client is suspended",
		})
	}
	logger := log.WithFields(log.Fields{"client": client.Identifier, "fileName": fileName})

	rate, err := s.checkRate(ctx, client)
	if err != nil {
		return nil, err
	}

	stored, err := s.store.Save(ctx, client.Identifier, fileName, req.Reader)
	if err != nil {
		return nil, err
	}
	if stored.SizeBytes == 0 {
		s.deleteFile(logger, stored.Path)
		return nil, errors.WithStack(&dataflowerrors.ErrInvalidArgument{
			Name:    "file",
			Value:   fileName,
			Message: "file is empty",
		})
	}

	existing, err := s.checksums.ReserveOrGetExisting(ctx, stored.Checksum, s.dedupTtl)
	if err != nil {
		s.deleteFile(logger, stored.Path)
		var inProgress *dataflowerrors.ErrReservationInProgress
		if errors.As(err, &inProgress) {
			metrics.RecordAdmissionRejection(reasonReservationInProgress)
		}
		return nil, err
	}
	if existing != nil {
		s.deleteFile(logger, stored.Path)
		metrics.RecordAdmissionRejection(reasonDuplicate)
		return nil, errors.WithStack(&dataflowerrors.ErrDuplicate{
			Checksum:        stored.Checksum,
			ExistingBatchId: existing.String(),
		})
	}

	batch, decision, err := s.createBatch(ctx, client, fileName, fileType, stored, req)
	if err != nil {
		s.releaseReservation(logger, stored.Checksum)
		s.deleteFile(logger, stored.Path)
		return nil, err
	}
	logger = logger.WithField("batchId", batch.Id)

	// The batch exists at this point; failures below only weaken dedup or delay pickup.
	if err := s.checksums.Associate(ctx, stored.Checksum, batch.Id, s.dedupTtl); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to associate checksum with batch; releasing reservation")
		s.releaseReservation(logger, stored.Checksum)
	}
	if err := s.clients.Touch(ctx, client.Id, s.clock.Now()); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to update client last seen time")
	}
	s.publish(ctx, logger, client, batch)

	logger.WithField("decision", batch.PolicyDecision).Infof("batch accepted as %s", batch.Status)
	return &SubmitResult{
		BatchId:        batch.Id,
		Status:         batch.Status,
		PolicyDecision: batch.PolicyDecision,
		ScheduledFor:   batch.ScheduledFor,
		Reason:         decision.Reason,
		RateLimit:      rate,
		FileSizeBytes:  batch.FileSizeBytes,
		Checksum:       batch.Checksum,
	}, nil
}

func (s *Service) checkRate(ctx context.Context, client *domain.Client) (admission.RateDecision, error) {
	policies, err := s.clients.GetPolicies(ctx, client.Id)
	if err != nil {
		return admission.RateDecision{}, err
	}
	var clientPolicy *domain.ClientPolicy
	if len(policies) > 0 {
		clientPolicy = policies[0]
	}
	key := admission.ClientKey(client.Identifier)
	limit := s.limits.For(client.Identifier, clientPolicy)
	rate, err := s.limiter.AllowRate(ctx, key, limit, s.period)
	if err != nil {
		return admission.RateDecision{}, err
	}
	if !rate.Allowed {
		metrics.RecordAdmissionRejection(reasonRateLimited)
		return rate, errors.WithStack(&dataflowerrors.ErrRateLimited{
			Key:        key,
			Limit:      limit,
			RetryAfter: rate.RetryAfter,
		})
	}
	return rate, nil
}

func (s *Service) createBatch(
	ctx context.Context,
	client *domain.Client,
	fileName string,
	fileType domain.FileType,
	stored *storage.StoredFile,
	req SubmitRequest,
) (*domain.ImportBatch, policy.Decision, error) {
	metadata := ""
	if len(req.Metadata) > 0 {
		bytes, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, policy.Decision{}, errors.WithStack(err)
		}
		metadata = string(bytes)
	}
	batch, err := domain.NewImportBatch(domain.NewBatchParams{
		ClientId:      client.Id,
		FileType:      fileType,
		FileName:      fileName,
		FileSizeBytes: stored.SizeBytes,
		Checksum:      stored.Checksum,
		StoragePath:   stored.Path,
		Origin:        req.Origin,
		RequestedBy:   req.RequestedBy,
		MetadataJson:  metadata,
	}, s.clock.Now())
	if err != nil {
		return nil, policy.Decision{}, err
	}
	decision, err := s.policies.Evaluate(ctx, batch)
	if err != nil {
		return nil, policy.Decision{}, err
	}
	if err := batch.ApplyDecision(decision.Label, decision.ScheduledFor); err != nil {
		return nil, policy.Decision{}, err
	}
	if err := s.batches.Create(ctx, batch); err != nil {
		return nil, policy.Decision{}, err
	}
	return batch, decision, nil
}

// publish announces the batch. Publishing is best effort: the poller picks up batches whose
// BatchReady was lost.
func (s *Service) publish(ctx context.Context, logger *log.Entry, client *domain.Client, batch *domain.ImportBatch) {
	if err := s.publisher.PublishBatchCreated(ctx, events.NewBatchCreated(batch, client.Identifier)); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to publish BatchCreated")
	}
	if batch.Status != domain.BatchPending {
		return
	}
	if err := s.publisher.PublishBatchReady(ctx, events.NewBatchReady(batch, s.clock.Now())); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to publish BatchReady")
	}
}

// Cleanup runs on a fresh context so that it still happens when the request was cancelled.
func (s *Service) releaseReservation(logger *log.Entry, checksum string) {
	if err := s.checksums.Release(context.Background(), checksum); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to release checksum reservation")
	}
}

func (s *Service) deleteFile(logger *log.Entry, path string) {
	if err := s.store.Delete(path); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to delete rejected upload")
		return
	}
	if err := s.store.DeleteDirIfEmpty(path); err != nil {
		logging.WithStacktrace(logger, err).Warn("failed to delete directory of rejected upload")
	}
}

func (s *Service) Status(ctx context.Context, batchId uuid.UUID) (*BatchStatusView, error) {
	batch, err := s.batches.GetById(ctx, batchId)
	if err != nil {
		return nil, err
	}
	return NewBatchStatusView(batch), nil
}

func NewBatchStatusView(batch *domain.ImportBatch) *BatchStatusView {
	return &BatchStatusView{
		Id:               batch.Id,
		ClientId:         batch.ClientId,
		Status:           batch.Status,
		FileType:         batch.FileType,
		FileName:         batch.FileName,
		FileSizeBytes:    batch.FileSizeBytes,
		Checksum:         batch.Checksum,
		PolicyDecision:   batch.PolicyDecision,
		CreatedAt:        batch.CreatedAt,
		ScheduledFor:     batch.ScheduledFor,
		StartedAt:        batch.StartedAt,
		CompletedAt:      batch.CompletedAt,
		TotalRecords:     batch.TotalRecords,
		ProcessedRecords: batch.ProcessedRecords,
		ErrorCount:       batch.ErrorCount(),
		ErrorSummary:     batch.ErrorSummary,
	}
}
