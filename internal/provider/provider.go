// Package provider defines the uniform DNS backend contract
// and the per-provider record cache / batch-ensure protocol every backend
// shares. Concrete backends (cloudflare, route53, digitalocean, technitium)
// implement the small Backend interface; Instance wraps a Backend with the
// cache, rate limiting, and BatchEnsureRecords logic common to all of them.
package provider

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/elmerfds/trafegodns/internal/metrics"
	"github.com/elmerfds/trafegodns/internal/model"
)

// Backend is the minimal set of operations a concrete DNS provider SDK must
// expose. Instance builds the full BatchEnsureRecords protocol on top of it.
type Backend interface {
	// Init validates credentials against the provider and returns a
	// *model.Error with one of KindAuthFailed, KindNetworkFailed,
	// KindMisconfiguredZone on failure.
	Init(ctx context.Context, credentials map[string]string) error
	// GetZoneName returns the apex this backend is authoritative for.
	GetZoneName() string
	// ListRecords returns every record in the zone.
	ListRecords(ctx context.Context) ([]model.ProviderRecord, error)
	CreateRecord(ctx context.Context, d model.DesiredRecord) (model.ProviderRecord, error)
	UpdateRecord(ctx context.Context, externalID string, d model.DesiredRecord) (model.ProviderRecord, error)
	DeleteRecord(ctx context.Context, externalID string) error
}

// Type identifies a provider backend implementation.
type Type string

const (
	TypeCloudflare   Type = "cloudflare"
	TypeRoute53      Type = "route53"
	TypeDigitalOcean Type = "digitalocean"
	TypeTechnitium   Type = "technitium"
)

// defaultRefreshInterval is how stale the cache may get before
// BatchEnsureRecords re-lists the zone.
const defaultRefreshInterval = 5 * time.Minute

// maxBackoff caps the exponential-backoff-with-jitter policy on RateLimited
// signals.
const maxBackoff = 60 * time.Second

// BatchError pairs a failed desired record with its taxonomy kind.
type BatchError struct {
	Desired model.DesiredRecord
	Kind    model.ErrorKind
	Err     error
}

// BatchResult is the outcome of one BatchEnsureRecords call.
type BatchResult struct {
	Created   []model.ProviderRecord
	Updated   []model.ProviderRecord
	Unchanged []model.ProviderRecord
	Errors    []BatchError
}

// recordCache holds the last-listed snapshot of a zone.
type recordCache struct {
	records     []model.ProviderRecord
	lastUpdated time.Time
}

// Instance is one configured provider: identity,
// credentials-backed Backend, its record cache, and its rate limiter.
type Instance struct {
	ID        string
	Name      string
	Type      Type
	Zone      string
	IsDefault bool
	Enabled   bool

	backend         Backend
	refreshInterval time.Duration
	limiter         *rate.Limiter
	logger          *slog.Logger

	// mu serializes cache mutation relative to list refresh.
	mu      sync.Mutex
	cache   recordCache
	backoff time.Duration
	healthy bool
}

// Option configures an Instance.
type Option func(*Instance)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Instance) { i.logger = logger }
}

// WithRefreshInterval overrides the default cache refresh interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(i *Instance) { i.refreshInterval = d }
}

// New wraps a Backend as a routable, cached provider Instance.
func New(id, name string, typ Type, zone string, isDefault bool, backend Backend, opts ...Option) *Instance {
	inst := &Instance{
		ID:              id,
		Name:            name,
		Type:            typ,
		Zone:            zone,
		IsDefault:       isDefault,
		Enabled:         true,
		backend:         backend,
		refreshInterval: defaultRefreshInterval,
		limiter:         rate.NewLimiter(rate.Limit(5), 5),
		logger:          slog.Default(),
		healthy:         true,
	}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

// Init delegates to the backend and marks the instance unhealthy if the
// backend's Init returns any error.
func (i *Instance) Init(ctx context.Context, credentials map[string]string) error {
	err := i.backend.Init(ctx, credentials)
	i.mu.Lock()
	i.healthy = err == nil
	i.mu.Unlock()
	metrics.SetProviderHealthy(i.ID, err == nil)
	return err
}

// Healthy reports false after a failed Init (any error) or after a backend
// call that failed with AuthFailed, and true otherwise.
func (i *Instance) Healthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.healthy
}

// GetZoneName returns the zone apex this instance is authoritative for.
func (i *Instance) GetZoneName() string { return i.Zone }

// refreshIfStale re-lists the zone when the cache has aged past its
// refresh interval.
func (i *Instance) refreshIfStale(ctx context.Context) error {
	i.mu.Lock()
	stale := time.Since(i.cache.lastUpdated) > i.refreshInterval
	i.mu.Unlock()
	if !stale {
		return nil
	}
	return i.Refresh(ctx)
}

// Refresh unconditionally re-lists the zone and replaces the cache.
func (i *Instance) Refresh(ctx context.Context) error {
	start := time.Now()
	records, err := i.backend.ListRecords(ctx)
	i.recordAPIRequest("ListRecords", start, err)
	if err != nil {
		return err
	}
	i.mu.Lock()
	i.cache = recordCache{records: records, lastUpdated: time.Now()}
	i.mu.Unlock()
	return nil
}

// recordAPIRequest reports one outbound backend call's latency and
// success/error status under this instance's metrics label.
func (i *Instance) recordAPIRequest(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordProviderAPIRequest(i.ID, operation, status, time.Since(start).Seconds())
}

// CachedRecords returns a read-only snapshot of the provider's record cache.
func (i *Instance) CachedRecords() []model.ProviderRecord {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]model.ProviderRecord, len(i.cache.records))
	copy(out, i.cache.records)
	return out
}

// findMatch returns the cache entry matching d's type/name/discriminator.
func (i *Instance) findMatch(d model.DesiredRecord) (model.ProviderRecord, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, pr := range i.cache.records {
		if model.Matches(pr, d) {
			return pr, true
		}
	}
	return model.ProviderRecord{}, false
}

// replaceCacheEntry inserts or overwrites a cache entry by ExternalID,
// keeping the cache consistent with a create/update without a full
// re-list.
func (i *Instance) replaceCacheEntry(pr model.ProviderRecord) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, existing := range i.cache.records {
		if existing.ExternalID == pr.ExternalID {
			i.cache.records[idx] = pr
			i.cache.lastUpdated = time.Now()
			return
		}
	}
	i.cache.records = append(i.cache.records, pr)
	i.cache.lastUpdated = time.Now()
}

func (i *Instance) removeCacheEntry(externalID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, existing := range i.cache.records {
		if existing.ExternalID == externalID {
			i.cache.records = append(i.cache.records[:idx], i.cache.records[idx+1:]...)
			i.cache.lastUpdated = time.Now()
			return
		}
	}
}

// waitRateLimit blocks for the instance's rate limiter and any active
// backoff from a prior RateLimited response.
func (i *Instance) waitRateLimit(ctx context.Context) error {
	i.mu.Lock()
	backoff := i.backoff
	i.mu.Unlock()
	if backoff > 0 {
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return i.limiter.Wait(ctx)
}

// noteRateLimited grows the backoff exponentially with jitter, capped at
// maxBackoff.
func (i *Instance) noteRateLimited() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.backoff == 0 {
		i.backoff = time.Second
	} else {
		i.backoff *= 2
	}
	if i.backoff > maxBackoff {
		i.backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(i.backoff) / 2))
	i.backoff += jitter
}

func (i *Instance) clearBackoff() {
	i.mu.Lock()
	i.backoff = 0
	i.mu.Unlock()
}

// BatchEnsureRecords implements the create/update/unchanged protocol:
// match each desired record against the cache, create on miss, update on
// drift, leave unchanged on fingerprint match. Auth/rate-limit failures
// abort the remainder of the batch with KindSkippedDueToEarlierFailure.
func (i *Instance) BatchEnsureRecords(ctx context.Context, desired []model.DesiredRecord) BatchResult {
	var result BatchResult

	if err := i.refreshIfStale(ctx); err != nil {
		i.logger.Warn("provider cache refresh failed, proceeding with stale cache",
			slog.String("provider", i.Name), slog.String("error", err.Error()))
	}

	aborted := false
	for _, d := range desired {
		if aborted {
			result.Errors = append(result.Errors, BatchError{
				Desired: d, Kind: model.KindSkippedDueToEarlierFailure,
				Err: fmt.Errorf("skipped after earlier batch failure"),
			})
			continue
		}

		if err := d.Validate(i.Zone); err != nil {
			result.Errors = append(result.Errors, BatchError{Desired: d, Kind: err.Kind, Err: err})
			continue
		}

		match, found := i.findMatch(d)
		if !found {
			pr, kind, err := i.create(ctx, d)
			if err != nil {
				result.Errors = append(result.Errors, BatchError{Desired: d, Kind: kind, Err: err})
				if kind == model.KindAuthFailed || kind == model.KindRateLimited {
					aborted = true
				}
				continue
			}
			result.Created = append(result.Created, pr)
			continue
		}

		if match.Fingerprint == model.Fingerprint(d) {
			result.Unchanged = append(result.Unchanged, match)
			continue
		}

		pr, kind, err := i.update(ctx, match.ExternalID, d)
		if err != nil {
			result.Errors = append(result.Errors, BatchError{Desired: d, Kind: kind, Err: err})
			if kind == model.KindAuthFailed || kind == model.KindRateLimited {
				aborted = true
			}
			continue
		}
		result.Updated = append(result.Updated, pr)
	}

	return result
}

func (i *Instance) create(ctx context.Context, d model.DesiredRecord) (model.ProviderRecord, model.ErrorKind, error) {
	if err := i.waitRateLimit(ctx); err != nil {
		return model.ProviderRecord{}, model.KindCancelled, err
	}
	start := time.Now()
	pr, err := i.backend.CreateRecord(ctx, d)
	i.recordAPIRequest("CreateRecord", start, err)
	return i.finish(pr, err)
}

func (i *Instance) update(ctx context.Context, externalID string, d model.DesiredRecord) (model.ProviderRecord, model.ErrorKind, error) {
	if err := i.waitRateLimit(ctx); err != nil {
		return model.ProviderRecord{}, model.KindCancelled, err
	}
	start := time.Now()
	pr, err := i.backend.UpdateRecord(ctx, externalID, d)
	i.recordAPIRequest("UpdateRecord", start, err)
	return i.finish(pr, err)
}

func (i *Instance) finish(pr model.ProviderRecord, err error) (model.ProviderRecord, model.ErrorKind, error) {
	if err != nil {
		kind := model.KindOf(err)
		if kind == "" {
			kind = model.KindNetworkFailed
		}
		if kind == model.KindRateLimited {
			i.noteRateLimited()
		}
		if kind == model.KindAuthFailed {
			i.mu.Lock()
			i.healthy = false
			i.mu.Unlock()
			metrics.SetProviderHealthy(i.ID, false)
		}
		return model.ProviderRecord{}, kind, err
	}
	i.clearBackoff()
	pr.Fingerprint = model.Fingerprint(pr.DesiredRecord)
	i.replaceCacheEntry(pr)
	return pr, "", nil
}

// DeleteRecord deletes a record by external ID. NotFound is treated as
// idempotent success.
func (i *Instance) DeleteRecord(ctx context.Context, externalID string) error {
	if err := i.waitRateLimit(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := i.backend.DeleteRecord(ctx, externalID)
	i.recordAPIRequest("DeleteRecord", start, err)
	if err != nil && model.KindOf(err) != model.KindNotFound {
		return err
	}
	i.removeCacheEntry(externalID)
	return nil
}
