// Package engine implements the reconciliation engine: a
// stateless-across-passes component that drives the multi-provider router,
// the intent extractor, every configured provider's BatchEnsureRecords, the
// tracked-record repository, and the orphan cleanup coordinator for one
// ProcessHostnames call. The per-workload-loop-with-locked-mutex shape
// mirrors a single-provider reconciler; the logic inside now fans out
// across providers instead of assuming one.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/elmerfds/trafegodns/internal/eventbus"
	"github.com/elmerfds/trafegodns/internal/intent"
	"github.com/elmerfds/trafegodns/internal/metrics"
	"github.com/elmerfds/trafegodns/internal/model"
	"github.com/elmerfds/trafegodns/internal/orphan"
	"github.com/elmerfds/trafegodns/internal/provider"
	"github.com/elmerfds/trafegodns/internal/publicip"
	"github.com/elmerfds/trafegodns/internal/repository"
	"github.com/elmerfds/trafegodns/internal/router"
	"github.com/elmerfds/trafegodns/internal/settings"
)

// Engine drives one reconciliation pass.
type Engine struct {
	registry    *provider.Registry
	router      *router.Router
	repo        *repository.Repository
	bus         *eventbus.Bus
	store       *settings.Store
	ips         *publicip.Resolver
	orphanCoord *orphan.Coordinator
	logger      *slog.Logger

	labelPrefix  string
	recordSource model.Source

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRecordSource overrides the model.Source recorded against every
// TrackedRecord this engine creates or refreshes. Callers pass
// model.SourceDirect when hostnames come from the direct discovery mode
// (no reverse proxy in front of them) and model.SourceProxy (the
// default) for traefik/container discovery, per the source taxonomy in
// internal/model.
func WithRecordSource(source model.Source) Option {
	return func(e *Engine) { e.recordSource = source }
}

// New wires an Engine over a provider registry, router, repository, event
// bus, settings store, public-IP resolver, and orphan coordinator.
func New(
	registry *provider.Registry,
	r *router.Router,
	repo *repository.Repository,
	bus *eventbus.Bus,
	store *settings.Store,
	ips *publicip.Resolver,
	orphanCoord *orphan.Coordinator,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:     registry,
		router:       r,
		repo:         repo,
		bus:          bus,
		store:        store,
		ips:          ips,
		orphanCoord:  orphanCoord,
		logger:       slog.Default(),
		labelPrefix:  "dns.",
		recordSource: model.SourceProxy,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.labelPrefix = store.GetString(settings.KeyLabelPrefix)
	return e
}

// perProviderBatch accumulates desired records for one target provider
// across every hostname in a pass, along with which hostname each index
// corresponds to (for post-batch TrackedRecord bookkeeping).
type perProviderBatch struct {
	inst     *provider.Instance
	desired  []model.DesiredRecord
	hostname []string
	managed  []bool
}

// ProcessHostnames is the engine's sole public entry point.
// It is idempotent and safe to call repeatedly; only one pass runs at a
// time (the caller — the discovery layer — is responsible for coalescing
// overlapping ticks).
func (e *Engine) ProcessHostnames(ctx context.Context, hostnames []string, hostLabels map[string]map[string]string) eventbus.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var stats eventbus.Stats
	defaults := intent.DefaultsFromStore(e.store)
	batches := make(map[string]*perProviderBatch)

	processed := make([]string, 0, len(hostnames))

	e.processManaged(&stats, batches)

	for _, hostname := range hostnames {
		stats.Total++
		hostname = model.NormalizeHostname(hostname)
		lbls := hostLabels[hostname]

		result := intent.Extract(hostname, lbls, e.labelPrefix, defaults, e.ips)
		if result.Skip {
			stats.Skipped++
			continue
		}
		if result.Err != nil {
			stats.Errors++
			e.publishError(hostname, result.Err)
			continue
		}

		targets := e.router.Resolve(hostname, lbls)
		if len(targets) == 0 {
			stats.Skipped++
			e.logger.Info("no target provider for hostname, skipping", slog.String("hostname", hostname))
			continue
		}

		processed = append(processed, hostname)

		for _, inst := range targets {
			zoned := intent.ForZone(result, inst.GetZoneName(), inst.Type == provider.TypeCloudflare)
			if zoned.Skip {
				continue
			}
			if zoned.Err != nil {
				stats.Errors++
				e.publishError(hostname, zoned.Err)
				continue
			}

			b, ok := batches[inst.ID]
			if !ok {
				b = &perProviderBatch{inst: inst}
				batches[inst.ID] = b
			}
			b.desired = append(b.desired, zoned.Record)
			b.hostname = append(b.hostname, hostname)
			b.managed = append(b.managed, zoned.Managed)
		}
	}

	activeByProvider := make(map[string]map[string]struct{})
	now := time.Now()

	for providerID, batch := range batches {
		result := batch.inst.BatchEnsureRecords(ctx, batch.desired)
		e.applyBatchResult(providerID, batch, result, &stats, now)

		active := make(map[string]struct{}, len(batch.hostname))
		for _, h := range batch.hostname {
			active[h] = struct{}{}
		}
		activeByProvider[providerID] = active
	}

	if e.store.GetBool(settings.KeyCleanupOrphaned) {
		e.runCleanup(ctx, activeByProvider, now)
	}

	e.bus.Publish(eventbus.TopicDNSRecordsUpdated, eventbus.DNSRecordsUpdated{Stats: stats, Processed: processed})
	e.bus.Publish(eventbus.TopicDNSSyncCompleted, eventbus.DNSRecordsUpdated{Stats: stats, Processed: processed})

	if stats.Created+stats.Updated+stats.Errors > 0 {
		e.logger.Info("reconciliation pass complete",
			slog.Int("created", stats.Created), slog.Int("updated", stats.Updated),
			slog.Int("up_to_date", stats.UpToDate), slog.Int("errors", stats.Errors),
			slog.Int("skipped", stats.Skipped), slog.Int("total", stats.Total))
	} else {
		e.logger.Debug("reconciliation pass complete, no changes", slog.Int("total", stats.Total))
	}

	status := "success"
	if stats.Errors > 0 {
		status = "error"
	}
	metrics.RecordReconciliation(status, time.Since(start).Seconds())

	return stats
}

// processManaged seeds batches with every repository-configured
// ManagedHostname, so static records are reconciled in the same pass as
// discovered hostnames instead of a second code path. A managed hostname
// with no matching enabled provider is skipped with a warning.
func (e *Engine) processManaged(stats *eventbus.Stats, batches map[string]*perProviderBatch) {
	for _, mh := range e.repo.ListManaged() {
		inst, ok := e.registry.ByID(mh.ProviderID)
		if !ok || !inst.Enabled {
			e.logger.Warn("managed hostname references unknown or disabled provider",
				slog.String("hostname", mh.Hostname), slog.String("provider_id", mh.ProviderID))
			stats.Skipped++
			continue
		}
		stats.Total++

		zoned := intent.ForZone(intent.Result{Record: mh.Record, Managed: true}, inst.GetZoneName(), inst.Type == provider.TypeCloudflare)
		if zoned.Skip {
			stats.Skipped++
			continue
		}
		if zoned.Err != nil {
			stats.Errors++
			e.publishError(mh.Hostname, zoned.Err)
			continue
		}

		b, ok := batches[inst.ID]
		if !ok {
			b = &perProviderBatch{inst: inst}
			batches[inst.ID] = b
		}
		b.desired = append(b.desired, zoned.Record)
		b.hostname = append(b.hostname, mh.Hostname)
		b.managed = append(b.managed, true)
	}
}

func (e *Engine) applyBatchResult(providerID string, batch *perProviderBatch, result provider.BatchResult, stats *eventbus.Stats, now time.Time) {
	managedFor := func(pr model.ProviderRecord) bool {
		for i, h := range batch.hostname {
			if model.NormalizeHostname(h) == model.NormalizeHostname(pr.Name) {
				return batch.managed[i]
			}
		}
		return true
	}

	zone := batch.inst.GetZoneName()

	for _, pr := range result.Created {
		stats.Created++
		metrics.DNSRecordsCreatedTotal.WithLabelValues(providerID, zone, string(pr.Type)).Inc()
		e.trackRecord(providerID, pr, e.recordSource, managedFor(pr), now)
		e.bus.Publish(eventbus.TopicDNSRecordCreated, eventbus.DNSRecordChanged{
			ProviderID: providerID, ExternalID: pr.ExternalID, Hostname: pr.Name, Type: pr.Type,
		})
	}
	for _, pr := range result.Updated {
		stats.Updated++
		metrics.DNSRecordsUpdatedTotal.WithLabelValues(providerID, zone, string(pr.Type)).Inc()
		e.trackRecord(providerID, pr, e.recordSource, managedFor(pr), now)
		e.bus.Publish(eventbus.TopicDNSRecordUpdated, eventbus.DNSRecordChanged{
			ProviderID: providerID, ExternalID: pr.ExternalID, Hostname: pr.Name, Type: pr.Type,
		})
	}
	for _, pr := range result.Unchanged {
		stats.UpToDate++
		metrics.DNSRecordsUnchangedTotal.WithLabelValues(providerID, zone).Inc()
		adopted := !e.isTracked(providerID, pr.ExternalID)
		e.trackRecord(providerID, pr, e.recordSource, managedFor(pr), now)
		if adopted {
			e.bus.Publish(eventbus.TopicDNSRecordUpdated, eventbus.DNSRecordChanged{
				ProviderID: providerID, ExternalID: pr.ExternalID, Hostname: pr.Name, Type: pr.Type, Adopted: true,
			})
		}
	}
	for _, batchErr := range result.Errors {
		metrics.DNSRecordErrorsTotal.WithLabelValues(providerID, string(batchErr.Kind)).Inc()
		if batchErr.Kind == model.KindRateLimited || batchErr.Kind == model.KindSkippedDueToEarlierFailure {
			stats.Skipped++
		} else {
			stats.Errors++
		}
		e.publishError(batchErr.Desired.Name, model.NewError(batchErr.Kind, batchErr.Err.Error(), batchErr.Err))
	}
}

func (e *Engine) isTracked(providerID, externalID string) bool {
	for _, tr := range e.repo.ListByProvider(providerID, "") {
		if tr.ExternalID == externalID {
			return true
		}
	}
	return false
}

func (e *Engine) trackRecord(providerID string, pr model.ProviderRecord, source model.Source, managed bool, now time.Time) {
	tr := model.TrackedRecord{
		ProviderID:   providerID,
		ExternalID:   pr.ExternalID,
		Record:       pr.DesiredRecord,
		Source:       source,
		Managed:      managed,
		LastSyncedAt: now.Unix(),
	}
	if err := e.repo.Upsert(tr); err != nil {
		e.logger.Warn("tracked record upsert failed",
			slog.String("provider", providerID), slog.String("hostname", pr.Name), slog.String("error", err.Error()))
	}
}

func (e *Engine) runCleanup(ctx context.Context, activeByProvider map[string]map[string]struct{}, now time.Time) {
	preserved := e.repo.ListPreserved()
	grace := time.Duration(e.store.GetInt(settings.KeyCleanupGracePeriod)) * time.Second

	for _, inst := range e.registry.Enabled() {
		active := activeByProvider[inst.ID]
		if active == nil {
			active = map[string]struct{}{}
		}
		results := e.orphanCoord.Run(ctx, inst.ID, inst, active, preserved, now, grace)
		for _, res := range results {
			if res.Err != nil {
				e.logger.Warn("orphan processing error",
					slog.String("provider", inst.ID), slog.String("hostname", res.Record.Record.Name),
					slog.String("outcome", string(res.Outcome)), slog.String("error", res.Err.Error()))
			}
		}
	}
}

func (e *Engine) publishError(hostname string, err *model.Error) {
	e.logger.Warn("reconciliation error", slog.String("hostname", hostname), slog.String("kind", string(err.Kind)), slog.String("reason", err.Reason))
	e.bus.Publish(eventbus.TopicErrorOccurred, eventbus.ErrorOccurred{
		Kind: err.Kind, Message: hostname + ": " + err.Reason,
	})
}
