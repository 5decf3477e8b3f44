// Package publicip implements a cached public-IP resolver: periodically
// refreshed IPv4/IPv6 lookups for use as the default A/AAAA record
// content, with an operator override.
package publicip

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/elmerfds/trafegodns/internal/metrics"
)

// ipv4Endpoints and ipv6Endpoints are queried in order; the first
// successful response wins. Multiple endpoints guard against any one
// service being unreachable from the operator's network.
var (
	ipv4Endpoints = []string{
		"https://api.ipify.org?format=json",
		"https://ifconfig.co/json",
	}
	ipv6Endpoints = []string{
		"https://api6.ipify.org?format=json",
		"https://ifconfig.co/json",
	}
)

type ipResponse struct {
	IP string `json:"ip"`
}

// Resolver serves the operator's current public IPv4/IPv6 addresses from
// a cache refreshed on a fixed interval. A manual override
// (PUBLIC_IP/PUBLIC_IPV6) bypasses lookups entirely.
type Resolver struct {
	httpClient *http.Client
	logger     *slog.Logger
	interval   time.Duration

	overrideV4 string
	overrideV6 string

	v4 atomic.Pointer[string]
	v6 atomic.Pointer[string]

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithHTTPClient overrides the pooled go-cleanhttp client.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) { r.httpClient = client }
}

// WithOverride short-circuits lookups for the given address family when
// non-empty.
func WithOverride(v4, v6 string) Option {
	return func(r *Resolver) {
		r.overrideV4 = v4
		r.overrideV6 = v6
	}
}

// New constructs a Resolver that refreshes every interval. Call Start to
// begin the background refresh loop; IPv4/IPv6 are empty until the first
// successful refresh (or immediately populated if overridden).
func New(interval time.Duration, opts ...Option) *Resolver {
	r := &Resolver{
		httpClient: cleanhttp.DefaultPooledClient(),
		logger:     slog.Default(),
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.overrideV4 != "" {
		r.v4.Store(&r.overrideV4)
	}
	if r.overrideV6 != "" {
		r.v6.Store(&r.overrideV6)
	}
	return r
}

// IPv4 returns the last-resolved (or overridden) public IPv4 address, or
// "" if none has been resolved yet.
func (r *Resolver) IPv4() string {
	if p := r.v4.Load(); p != nil {
		return *p
	}
	return ""
}

// IPv6 returns the last-resolved (or overridden) public IPv6 address, or
// "" if none has been resolved yet.
func (r *Resolver) IPv6() string {
	if p := r.v6.Load(); p != nil {
		return *p
	}
	return ""
}

// Refresh resolves both address families immediately, skipping any
// family under operator override.
func (r *Resolver) Refresh(ctx context.Context) {
	var wg sync.WaitGroup
	if r.overrideV4 == "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ip, err := r.lookup(ctx, ipv4Endpoints); err == nil {
				r.v4.Store(&ip)
			} else {
				metrics.RecordPublicIPRefreshFailure("v4")
				r.logger.Warn("public ipv4 lookup failed", slog.String("error", err.Error()))
			}
		}()
	}
	if r.overrideV6 == "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ip, err := r.lookup(ctx, ipv6Endpoints); err == nil {
				r.v6.Store(&ip)
			} else {
				metrics.RecordPublicIPRefreshFailure("v6")
				r.logger.Warn("public ipv6 lookup failed", slog.String("error", err.Error()))
			}
		}()
	}
	wg.Wait()
}

// Run starts the periodic refresh loop; it blocks until ctx is cancelled
// or Stop is called. Intended to run in its own goroutine (cmd/trafegodns
// wires it via the oklog/run actor group).
func (r *Resolver) Run(ctx context.Context) error {
	r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Refresh(ctx)
		case <-r.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop ends the Run loop.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Resolver) lookup(ctx context.Context, endpoints []string) (string, error) {
	var lastErr error
	for _, endpoint := range endpoints {
		ip, err := r.fetch(ctx, endpoint)
		if err == nil && ip != "" {
			return ip, nil
		}
		lastErr = err
	}
	return "", lastErr
}

func (r *Resolver) fetch(ctx context.Context, endpoint string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}

	var parsed ipResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.IP != "" {
		return strings.TrimSpace(parsed.IP), nil
	}
	return strings.TrimSpace(string(body)), nil
}
