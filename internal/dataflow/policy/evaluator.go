package policy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/dataflow/internal/dataflow/configuration"
	"github.com/G-Research/dataflow/internal/dataflow/domain"
	"github.com/G-Research/dataflow/internal/dataflow/repository"
)

const defaultCacheTtl = time.Minute

// Evaluator resolves client policies, caching them per client, and applies Decide.
type Evaluator struct {
	clients   repository.ClientRepository
	batches   repository.BatchRepository
	defaults  configuration.PolicyDefaults
	sensitive configuration.SensitiveDataConfig
	cache     *cache.Cache
	clock     clock.Clock
}

func NewEvaluator(
	clients repository.ClientRepository,
	batches repository.BatchRepository,
	defaults configuration.PolicyDefaults,
	sensitive configuration.SensitiveDataConfig,
	clock clock.Clock,
) *Evaluator {
	ttl := defaults.CacheTtl
	if ttl <= 0 {
		ttl = defaultCacheTtl
	}
	return &Evaluator{
		clients:   clients,
		batches:   batches,
		defaults:  defaults,
		sensitive: sensitive,
		cache:     cache.New(ttl, 2*ttl),
		clock:     clock,
	}
}

// Evaluate decides how the given batch is scheduled. It only reads state.
func (e *Evaluator) Evaluate(ctx context.Context, batch *domain.ImportBatch) (Decision, error) {
	resolved, err := e.ResolveFor(ctx, batch.ClientId)
	if err != nil {
		return Decision{}, err
	}
	now := e.clock.Now()
	batchesToday := 0
	if resolved.HasPolicy && resolved.MaxBatchPerDay != nil {
		batchesToday, err = e.batches.CountCreatedSince(ctx, batch.ClientId, StartOfDay(now))
		if err != nil {
			return Decision{}, err
		}
	}
	decision := Decide(resolved, batch.FileSizeBytes, batchesToday, now)
	logger := log.WithField("batchId", batch.Id).WithField("clientId", batch.ClientId)
	if decision.ShouldSchedule {
		logger.Infof("batch scheduled for %s: %s", decision.ScheduledFor.Format(time.RFC3339), decision.Reason)
	} else {
		logger.Debug("batch admitted for immediate processing")
	}
	return decision, nil
}

// ResolveFor returns the resolved policy of a client, based on its first policy.
func (e *Evaluator) ResolveFor(ctx context.Context, clientId uuid.UUID) (ResolvedPolicy, error) {
	key := clientId.String()
	if cached, ok := e.cache.Get(key); ok {
		return cached.(ResolvedPolicy), nil
	}
	policies, err := e.clients.GetPolicies(ctx, clientId)
	if err != nil {
		return ResolvedPolicy{}, errors.WithMessagef(err, "failed to load policies of client %s", clientId)
	}
	var first *domain.ClientPolicy
	if len(policies) > 0 {
		first = policies[0]
	}
	resolved := Resolve(first, e.defaults, e.sensitive)
	e.cache.SetDefault(key, resolved)
	return resolved, nil
}

// Invalidate drops the cached policy of a client, e.g. after its policies changed.
func (e *Evaluator) Invalidate(clientId uuid.UUID) {
	e.cache.Delete(clientId.String())
}
