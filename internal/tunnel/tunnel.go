// Package tunnel implements the Tunnel Route Manager:
// reconciling discovered hostnames into a single Cloudflare Tunnel's
// ingress rule list instead of individual DNS records, gated behind the
// tunnel_enabled setting. Grounded on
// kubernetes-sigs-external-dns/provider/cloudflaretunnel's
// GetTunnelConfiguration/UpdateTunnelConfiguration replace-whole-config
// pattern, adapted from endpoint.Endpoint/plan.Changes to this repo's
// DesiredRecord/IngressRoute types. Uses the same pinned cloudflare-go
// v0.48.0 client as internal/provider/cloudflare, whose tunnel methods
// predate the ResourceContainer API and take the account ID as a plain
// string rather than an AccountIdentifier(...).
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/elmerfds/trafegodns/internal/eventbus"
	"github.com/elmerfds/trafegodns/internal/metrics"
	"github.com/elmerfds/trafegodns/internal/model"
	"github.com/elmerfds/trafegodns/internal/repository"
)

// DesiredRoute is one ingress rule the engine wants present:
// hostname routed to a local service address, optionally under a path.
type DesiredRoute struct {
	Hostname string
	Service  string
	Path     string
}

// Manager reconciles DesiredRoutes into a Cloudflare Tunnel's ingress
// configuration and tracks them as model.IngressRoute rows in the shared
// repository, using the same orphan grace-period shape as
// internal/orphan.
type Manager struct {
	api       *cf.API
	accountID string
	tunnelID  string
	tunnelRef string // name or UUID as configured; resolved to tunnelID by Init

	repo   *repository.Repository
	bus    *eventbus.Bus
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New builds an uninitialized Manager for the tunnel named or identified
// by tunnelRef within accountID. Call Init before Reconcile/RunCleanup.
func New(accountID, tunnelRef string, repo *repository.Repository, bus *eventbus.Bus, opts ...Option) *Manager {
	m := &Manager{
		accountID: accountID,
		tunnelRef: tunnelRef,
		repo:      repo,
		bus:       bus,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init authenticates against Cloudflare (credentials carries "api_token"
// or the legacy "api_key"+"api_email" pair, the same shape as
// internal/provider/cloudflare) and resolves tunnelRef to a tunnel ID.
func (m *Manager) Init(ctx context.Context, credentials map[string]string) error {
	var api *cf.API
	var err error

	if token := credentials["api_token"]; token != "" {
		api, err = cf.NewWithAPIToken(token)
	} else if key := credentials["api_key"]; key != "" {
		api, err = cf.New(key, credentials["api_email"])
	} else {
		return model.NewError(model.KindAuthFailed, "no cloudflare credentials supplied for tunnel", nil)
	}
	if err != nil {
		return model.NewError(model.KindAuthFailed, "constructing cloudflare client for tunnel", err)
	}
	m.api = api

	tunnels, err := m.api.Tunnels(ctx, m.accountID, cf.TunnelListParams{Name: m.tunnelRef})
	if err != nil {
		return model.NewError(model.KindNetworkFailed, "listing cloudflare tunnels", err)
	}
	for _, t := range tunnels {
		if t.Name == m.tunnelRef || t.ID == m.tunnelRef {
			m.tunnelID = t.ID
			return nil
		}
	}
	return model.NewError(model.KindMisconfiguredZone, "no cloudflare tunnel matches "+m.tunnelRef, nil)
}

// ID returns the resolved tunnel ID, used as the TunnelID field on
// model.IngressRoute rows and as the metrics "tunnel" label.
func (m *Manager) ID() string { return m.tunnelID }

// Reconcile rewrites the tunnel's ingress rule list: existing hostname
// rules are kept, each desired route is added or overwritten, and a
// catch-all rule goes last. Existing OriginRequest/WarpRouting config is
// preserved.
// Every route is upserted into the repository so RunCleanup can later
// orphan routes that stop appearing in desired.
func (m *Manager) Reconcile(ctx context.Context, desired []DesiredRoute) error {
	current, err := m.api.GetTunnelConfiguration(ctx, m.accountID, m.tunnelID)
	if err != nil {
		return model.NewError(model.KindNetworkFailed, "getting tunnel configuration", err)
	}

	rules := make(map[string]cf.UnvalidatedIngressRule, len(current.Config.Ingress))
	for _, r := range current.Config.Ingress {
		if r.Hostname != "" {
			rules[r.Hostname] = r
		}
	}

	for _, d := range desired {
		hostname := model.NormalizeHostname(d.Hostname)
		path := d.Path
		if path == "" {
			path = "/"
		}
		_, existed := rules[hostname]
		rules[hostname] = cf.UnvalidatedIngressRule{
			Hostname: hostname,
			Path:     path,
			Service:  d.Service,
		}

		if err := m.repo.UpsertIngressRoute(model.IngressRoute{
			TunnelID: m.tunnelID, Hostname: hostname, Service: d.Service, Path: path, Source: model.SourceDiscovered,
		}); err != nil {
			return err
		}
		outcome := "updated"
		if !existed {
			outcome = "created"
		}
		metrics.RecordTunnelRoute(m.tunnelID, outcome)
	}

	ordered := make([]cf.UnvalidatedIngressRule, 0, len(rules)+1)
	for _, r := range rules {
		ordered = append(ordered, r)
	}
	// Cloudflare requires a catch-all rule (no hostname) as the final
	// entry; carry the existing one forward if the tunnel already has it.
	var catchAll *cf.UnvalidatedIngressRule
	for i := range current.Config.Ingress {
		if current.Config.Ingress[i].Hostname == "" {
			catchAll = &current.Config.Ingress[i]
			break
		}
	}
	if catchAll != nil {
		ordered = append(ordered, *catchAll)
	} else {
		ordered = append(ordered, cf.UnvalidatedIngressRule{Service: "http_status:404"})
	}

	_, err = m.api.UpdateTunnelConfiguration(ctx, m.accountID, cf.TunnelConfigurationParams{
		TunnelID: m.tunnelID,
		Config: cf.TunnelConfiguration{
			Ingress:       ordered,
			OriginRequest: current.Config.OriginRequest,
			WarpRouting:   current.Config.WarpRouting,
		},
	})
	if err != nil {
		return model.NewError(model.KindNetworkFailed, "updating tunnel configuration", err)
	}

	m.logger.Info("tunnel ingress reconciled", slog.String("tunnel", m.tunnelID), slog.Int("routes", len(desired)))
	return nil
}

// CleanupOutcome mirrors orphan.Outcome for ingress routes.
type CleanupOutcome string

const (
	CleanupReactivated CleanupOutcome = "REACTIVATED"
	CleanupMarked      CleanupOutcome = "MARKED"
	CleanupDeleted     CleanupOutcome = "DELETED"
	CleanupUnchanged   CleanupOutcome = "UNCHANGED"
)

// RunCleanup applies the same ACTIVE/ORPHANED/DELETED grace-period state
// machine internal/orphan uses for DNS records, but against
// the repository's IngressRoute rows: a route absent from active is
// marked orphaned, then deleted from both the tunnel's ingress list and
// the repository once gracePeriod has elapsed.
func (m *Manager) RunCleanup(ctx context.Context, active map[string]struct{}, now time.Time, gracePeriod time.Duration) error {
	tracked := m.repo.ListIngressRoutes(m.tunnelID)

	var toDelete []string
	for _, ir := range tracked {
		hostname := model.NormalizeHostname(ir.Hostname)

		if _, ok := active[hostname]; ok {
			if ir.OrphanedAt != nil {
				if err := m.repo.ClearIngressOrphan(m.tunnelID, hostname); err != nil {
					return err
				}
				m.logger.Info("tunnel route reactivated", slog.String("hostname", hostname))
			}
			continue
		}

		if ir.OrphanedAt == nil {
			if err := m.repo.MarkIngressOrphan(m.tunnelID, hostname, now.Unix()); err != nil {
				return err
			}
			m.logger.Info("tunnel route marked orphaned", slog.String("hostname", hostname))
			continue
		}

		orphanedAt := time.Unix(*ir.OrphanedAt, 0)
		if orphanedAt.After(now.Add(-gracePeriod)) {
			continue
		}
		toDelete = append(toDelete, hostname)
	}

	if len(toDelete) > 0 {
		if err := m.deleteRoutes(ctx, toDelete); err != nil {
			return err
		}
	}
	return nil
}

// deleteRoutes removes the given hostnames from the tunnel's ingress rule
// list in one replace call, then drops their repository rows.
func (m *Manager) deleteRoutes(ctx context.Context, hostnames []string) error {
	current, err := m.api.GetTunnelConfiguration(ctx, m.accountID, m.tunnelID)
	if err != nil {
		return model.NewError(model.KindNetworkFailed, "getting tunnel configuration for cleanup", err)
	}

	drop := make(map[string]struct{}, len(hostnames))
	for _, h := range hostnames {
		drop[h] = struct{}{}
	}

	ordered := make([]cf.UnvalidatedIngressRule, 0, len(current.Config.Ingress))
	for _, r := range current.Config.Ingress {
		if _, match := drop[r.Hostname]; match {
			continue
		}
		ordered = append(ordered, r)
	}

	_, err = m.api.UpdateTunnelConfiguration(ctx, m.accountID, cf.TunnelConfigurationParams{
		TunnelID: m.tunnelID,
		Config: cf.TunnelConfiguration{
			Ingress:       ordered,
			OriginRequest: current.Config.OriginRequest,
			WarpRouting:   current.Config.WarpRouting,
		},
	})
	if err != nil {
		return model.NewError(model.KindNetworkFailed, "updating tunnel configuration for cleanup", err)
	}

	for _, h := range hostnames {
		if err := m.repo.DeleteIngressRoute(m.tunnelID, h); err != nil {
			return err
		}
		metrics.RecordTunnelRoute(m.tunnelID, "deleted")
		m.bus.Publish(eventbus.TopicTunnelRouteDeleted, eventbus.TunnelRouteEvent{TunnelID: m.tunnelID, Hostname: h})
		m.logger.Info("tunnel route deleted", slog.String("hostname", h), slog.String("tunnel", m.tunnelID))
	}
	return nil
}

func (m *Manager) String() string { return fmt.Sprintf("tunnel:%s", m.tunnelID) }
