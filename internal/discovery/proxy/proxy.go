// Package proxy implements the Proxy Monitor: periodic
// polling of a reverse proxy's HTTP router API, hostname extraction from
// router rules, and label merge against the Container Monitor. Uses the
// same cleanhttp pooled client and doRequest/JSON-decode shape as the
// Technitium provider client, and the same Host(...) rule regex as the
// label parser.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/elmerfds/trafegodns/internal/eventbus"
	"github.com/elmerfds/trafegodns/internal/labels"
	"github.com/elmerfds/trafegodns/internal/metrics"
)

// discoverySource identifies this monitor in discovery metrics.
const discoverySource = "proxy_poll"

// ContainerResolver supplies the label sets of all known containers, keyed
// by container ID; mergeLabels picks the one backing a router. Satisfied by
// *container.Monitor via its AllLabels method.
type ContainerResolver interface {
	AllLabels() map[string]map[string]string
}

// router mirrors the subset of Traefik's /api/http/routers response this
// monitor reads.
type router struct {
	Rule     string `json:"rule"`
	Service  string `json:"service"`
	Status   string `json:"status"`
	Provider string `json:"provider"`
}

// Monitor polls a Traefik-compatible HTTP API for router rules and
// publishes the hostname set they describe.
type Monitor struct {
	httpClient  *http.Client
	apiURL      string
	labelPrefix string
	bus         *eventbus.Bus
	resolver    ContainerResolver
	parser      *labels.Parser
	logger      *slog.Logger

	basicAuthUser string
	basicAuthPass string

	pollInterval time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithHTTPClient overrides the pooled go-cleanhttp client.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Monitor) { m.httpClient = client }
}

// WithContainerResolver supplies the label source used to merge a
// router's originating container labels into the hostname's label set.
func WithContainerResolver(resolver ContainerResolver) Option {
	return func(m *Monitor) { m.resolver = resolver }
}

// WithBasicAuth sets HTTP basic-auth credentials for the proxy API.
func WithBasicAuth(username, password string) Option {
	return func(m *Monitor) {
		m.basicAuthUser = username
		m.basicAuthPass = password
	}
}

// New builds a Monitor polling apiURL (e.g. "http://traefik:8080") every
// pollInterval.
func New(apiURL string, pollInterval time.Duration, labelPrefix string, bus *eventbus.Bus, opts ...Option) *Monitor {
	m := &Monitor{
		httpClient:   cleanhttp.DefaultPooledClient(),
		apiURL:       strings.TrimSuffix(apiURL, "/"),
		labelPrefix:  labelPrefix,
		bus:          bus,
		parser:       labels.NewParser(),
		logger:       slog.Default(),
		pollInterval: pollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls the proxy API on a fixed interval until ctx is cancelled,
// publishing one HOSTNAMES_DISCOVERED per successful pass. A failed poll
// is logged and retried next tick; it never stops the loop.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.poll(ctx); err != nil {
		m.logger.Warn("initial proxy poll failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				m.logger.Warn("proxy poll failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Monitor) poll(ctx context.Context) error {
	routers, err := m.fetchRouters(ctx)
	if err != nil {
		metrics.RecordDiscoveryEvent(discoverySource, "error", 0)
		return err
	}

	containerLabels := m.containerLabels()

	seen := make(map[string]struct{})
	var hostnames []string
	hostLabels := make(map[string]map[string]string)

	for _, r := range routers {
		if r.Provider != "" && !strings.HasPrefix(r.Provider, "docker") {
			continue
		}
		for _, hostname := range labels.ExtractHostsFromRule(r.Rule) {
			merged := mergeLabels(containerLabels, r.Service)
			if _, ok := seen[hostname]; !ok {
				seen[hostname] = struct{}{}
				hostnames = append(hostnames, hostname)
			}
			hostLabels[hostname] = merged
		}
	}

	m.bus.Publish(eventbus.TopicHostnamesDiscovered, eventbus.HostnamesDiscovered{
		Hostnames: hostnames, Labels: hostLabels,
	})
	metrics.RecordDiscoveryEvent(discoverySource, "success", len(hostnames))
	m.logger.Debug("proxy poll complete", slog.Int("routers", len(routers)), slog.Int("hostnames", len(hostnames)))
	return nil
}

// containerLabels returns every known container's labels, or nil if no
// resolver was configured (the monitor still works off router rules
// alone, just without container-label enrichment).
func (m *Monitor) containerLabels() map[string]map[string]string {
	if m.resolver == nil {
		return nil
	}
	return m.resolver.AllLabels()
}

// mergeLabels strips a trailing "@docker" from the Traefik service name and
// returns the label set of the first container whose
// com.docker.compose.service label equals the rest, case-insensitively, or
// an empty map if none does. No other suffix is stripped, so a service
// named "<container>-<n>@docker" matches only a compose service literally
// named "<container>-<n>".
func mergeLabels(containerLabels map[string]map[string]string, service string) map[string]string {
	base := strings.TrimSuffix(service, "@docker")
	for _, lbls := range containerLabels {
		if name, ok := lbls["com.docker.compose.service"]; ok && strings.EqualFold(name, base) {
			return lbls
		}
	}
	return map[string]string{}
}

func (m *Monitor) fetchRouters(ctx context.Context) ([]router, error) {
	url := m.apiURL + "/api/http/routers"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building proxy api request: %w", err)
	}
	if m.basicAuthUser != "" {
		req.SetBasicAuth(m.basicAuthUser, m.basicAuthPass)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling proxy api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy api returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading proxy api response: %w", err)
	}

	var routers []router
	if err := json.Unmarshal(body, &routers); err != nil {
		return nil, fmt.Errorf("parsing proxy api response: %w", err)
	}
	return routers, nil
}
