// Package router implements the multi-provider routing decision: given a
// hostname, its labels, and the configured provider registry, decide the
// ordered set of target providers. Modeled on dnsweaver's
// pkg/provider.Registry.MatchingProviders (domain-matcher-per-instance
// design), re-expressed against this repo's label-prefix priority chain,
// which dnsweaver's matcher alone doesn't cover.
package router

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/elmerfds/trafegodns/internal/model"
	"github.com/elmerfds/trafegodns/internal/provider"
)

// Mode is the routing-mode policy.
type Mode string

const (
	ModeDefaultOnly      Mode = "default-only"
	ModeAuto             Mode = "auto"
	ModeAutoWithFallback Mode = "auto-with-fallback"
)

// Router resolves, per hostname, the ordered set of target providers.
type Router struct {
	registry          *provider.Registry
	labelPrefix       string
	mode              Mode
	sameZoneBroadcast bool
	logger            *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// New builds a Router over registry using the given label prefix and
// routing-mode policy.
func New(registry *provider.Registry, labelPrefix string, mode Mode, sameZoneBroadcast bool, opts ...Option) *Router {
	r := &Router{
		registry:          registry,
		labelPrefix:       labelPrefix,
		mode:              mode,
		sameZoneBroadcast: sameZoneBroadcast,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the ordered target providers for hostname given its
// labels, following the label priority chain numbered in the body
// (providers=all, providers list, provider.id, provider), then the
// routing mode. An empty result
// means the hostname should be skipped with an informational log.
func (r *Router) Resolve(hostname string, labels map[string]string) []*provider.Instance {
	hostname = model.NormalizeHostname(hostname)
	prefix := r.labelPrefix

	// 1. {prefix}providers=all
	if v, ok := labels[prefix+"providers"]; ok && strings.EqualFold(strings.TrimSpace(v), "all") {
		return r.registry.Enabled()
	}

	// 2. {prefix}providers=name1,name2,...
	if v, ok := labels[prefix+"providers"]; ok && strings.TrimSpace(v) != "" {
		var out []*provider.Instance
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			inst, found := r.registry.ByName(name)
			if !found {
				r.logger.Info("routing: named provider not found, skipping",
					slog.String("hostname", hostname), slog.String("provider", name))
				continue
			}
			out = append(out, inst)
		}
		return out
	}

	// 3. {prefix}provider.id=<uuid>
	if v, ok := labels[prefix+"provider.id"]; ok && strings.TrimSpace(v) != "" {
		if inst, found := r.registry.ByID(strings.TrimSpace(v)); found && inst.Enabled {
			return []*provider.Instance{inst}
		}
		r.logger.Info("routing: provider id not found or disabled, skipping",
			slog.String("hostname", hostname), slog.String("provider_id", v))
		return nil
	}

	// 4. {prefix}provider=<name>
	if v, ok := labels[prefix+"provider"]; ok && strings.TrimSpace(v) != "" {
		if inst, found := r.registry.ByName(strings.TrimSpace(v)); found && inst.Enabled {
			return []*provider.Instance{inst}
		}
		r.logger.Info("routing: named provider not found or disabled, skipping",
			slog.String("hostname", hostname), slog.String("provider", v))
		return nil
	}

	// 5. routing mode.
	return r.resolveByMode(hostname)
}

func (r *Router) resolveByMode(hostname string) []*provider.Instance {
	switch r.mode {
	case ModeDefaultOnly:
		if inst, ok := r.registry.Default(); ok {
			return []*provider.Instance{inst}
		}
		return nil

	case ModeAuto, ModeAutoWithFallback:
		matches := r.zoneMatches(hostname)
		if len(matches) > 0 {
			if r.sameZoneBroadcast {
				return matches
			}
			return matches[:1]
		}
		if r.mode == ModeAutoWithFallback {
			if inst, ok := r.registry.Default(); ok {
				return []*provider.Instance{inst}
			}
		}
		return nil

	default:
		return nil
	}
}

// zoneMatches returns enabled providers whose zone is hostname itself or a
// parent of it, sorted by zone length descending (most specific first).
func (r *Router) zoneMatches(hostname string) []*provider.Instance {
	var matches []*provider.Instance
	for _, inst := range r.registry.Enabled() {
		if model.WithinZone(hostname, inst.Zone) {
			matches = append(matches, inst)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return len(matches[i].Zone) > len(matches[j].Zone)
	})
	return matches
}
