// Package orphan implements the orphan cleanup coordinator: the
// grace-period state machine shared by the reconciliation engine (DNS
// records) and the tunnel route manager (ingress routes). Generalized from
// a single pass over one provider's hostname set to the repository-backed,
// per-provider active set the engine produces.
package orphan

import (
	"context"
	"log/slog"
	"time"

	"github.com/elmerfds/trafegodns/internal/eventbus"
	"github.com/elmerfds/trafegodns/internal/metrics"
	"github.com/elmerfds/trafegodns/internal/model"
	"github.com/elmerfds/trafegodns/internal/repository"
)

// Deleter is the subset of provider.Instance the coordinator needs: it is
// kept minimal so the tunnel manager can supply its own ingress-route
// deleter without importing the provider package.
type Deleter interface {
	DeleteRecord(ctx context.Context, externalID string) error
}

// Coordinator runs the orphan grace-period state machine.
type Coordinator struct {
	repo   *repository.Repository
	bus    *eventbus.Bus
	logger *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New builds a Coordinator over repo, publishing orphan/delete events to bus.
func New(repo *repository.Repository, bus *eventbus.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{repo: repo, bus: bus, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Outcome tags what happened to one TrackedRecord during a Run.
type Outcome string

const (
	OutcomeReactivated  Outcome = "REACTIVATED"
	OutcomePreserved    Outcome = "PRESERVED"
	OutcomeMarked       Outcome = "MARKED"
	OutcomeDeleted      Outcome = "DELETED"
	OutcomeUnchanged    Outcome = "UNCHANGED"
	OutcomeDeleteFailed Outcome = "DELETE_FAILED"
)

// Result is one TrackedRecord's outcome from a Run.
type Result struct {
	Record  model.TrackedRecord
	Outcome Outcome
	Err     error
}

// Run applies the state machine to every managed TrackedRecord
// from source proxy/direct belonging to providerID, given its deleter,
// the active hostname set, the preserved patterns, and the configured
// grace period. now is injected so callers control wall-clock time.
func (c *Coordinator) Run(ctx context.Context, providerID string, deleter Deleter, active map[string]struct{}, preserved []model.PreservedPattern, now time.Time, gracePeriod time.Duration) []Result {
	var results []Result

	tracked := c.repo.ListByProvider(providerID, "")
	for _, tr := range tracked {
		if tr.Source != model.SourceProxy && tr.Source != model.SourceDirect {
			continue
		}
		if !tr.Managed {
			continue
		}
		results = append(results, c.process(ctx, tr, deleter, active, preserved, now, gracePeriod))
	}
	return results
}

func (c *Coordinator) process(ctx context.Context, tr model.TrackedRecord, deleter Deleter, active map[string]struct{}, preserved []model.PreservedPattern, now time.Time, gracePeriod time.Duration) Result {
	hostname := model.NormalizeHostname(tr.Record.Name)

	if _, ok := active[hostname]; ok {
		if tr.OrphanedAt != nil {
			if err := c.repo.ClearOrphan(tr.Key()); err != nil {
				return Result{Record: tr, Outcome: OutcomeUnchanged, Err: err}
			}
			metrics.ReactivatedRecordsTotal.WithLabelValues(tr.ProviderID).Inc()
			c.logger.Info("orphan reactivated", slog.String("hostname", hostname), slog.String("provider", tr.ProviderID))
			return Result{Record: tr, Outcome: OutcomeReactivated}
		}
		return Result{Record: tr, Outcome: OutcomeUnchanged}
	}

	if model.MatchesAny(preserved, hostname) {
		metrics.PreservedRecordsTotal.WithLabelValues(tr.ProviderID).Inc()
		if tr.OrphanedAt != nil {
			if err := c.repo.ClearOrphan(tr.Key()); err != nil {
				return Result{Record: tr, Outcome: OutcomeUnchanged, Err: err}
			}
		}
		return Result{Record: tr, Outcome: OutcomePreserved}
	}

	if tr.OrphanedAt == nil {
		at := now.Unix()
		if err := c.repo.MarkOrphan(tr.Key(), at); err != nil {
			return Result{Record: tr, Outcome: OutcomeUnchanged, Err: err}
		}
		metrics.OrphanedRecordsTotal.WithLabelValues(tr.ProviderID).Inc()
		graceMinutes := int(gracePeriod / time.Minute)
		c.bus.Publish(eventbus.TopicDNSRecordOrphaned, eventbus.DNSRecordChanged{
			ProviderID: tr.ProviderID, ExternalID: tr.ExternalID, Hostname: hostname,
			Type: tr.Record.Type, GraceMinutes: graceMinutes,
		})
		c.logger.Info("record marked orphaned", slog.String("hostname", hostname),
			slog.String("provider", tr.ProviderID), slog.Int("grace_minutes", graceMinutes))
		return Result{Record: tr, Outcome: OutcomeMarked}
	}

	orphanedAt := time.Unix(*tr.OrphanedAt, 0)
	if orphanedAt.After(now.Add(-gracePeriod)) {
		return Result{Record: tr, Outcome: OutcomeUnchanged}
	}

	if err := deleter.DeleteRecord(ctx, tr.ExternalID); err != nil {
		c.logger.Warn("orphan delete failed, retrying next pass",
			slog.String("hostname", hostname), slog.String("provider", tr.ProviderID), slog.String("error", err.Error()))
		return Result{Record: tr, Outcome: OutcomeDeleteFailed, Err: err}
	}

	if err := c.repo.Delete(tr.Key()); err != nil {
		return Result{Record: tr, Outcome: OutcomeDeleteFailed, Err: err}
	}
	metrics.DNSRecordsDeletedTotal.WithLabelValues(tr.ProviderID, zoneOf(deleter), string(tr.Record.Type)).Inc()
	c.bus.Publish(eventbus.TopicDNSRecordDeleted, eventbus.DNSRecordChanged{
		ProviderID: tr.ProviderID, ExternalID: tr.ExternalID, Hostname: hostname, Type: tr.Record.Type,
	})
	c.logger.Info("orphaned record deleted", slog.String("hostname", hostname), slog.String("provider", tr.ProviderID))
	return Result{Record: tr, Outcome: OutcomeDeleted}
}

// zoneNamer is satisfied by provider.Instance. Deleter stays minimal so the
// tunnel manager doesn't need to import provider; zoneOf falls back to an
// empty zone label for any Deleter that doesn't also report one.
type zoneNamer interface {
	GetZoneName() string
}

func zoneOf(d Deleter) string {
	if zn, ok := d.(zoneNamer); ok {
		return zn.GetZoneName()
	}
	return ""
}
