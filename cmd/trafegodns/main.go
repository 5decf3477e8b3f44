// Command trafegodns reconciles DNS provider records with the hostnames
// discovered from a reverse proxy or container engine. It wires the
// bootstrap config, settings store, repository, provider registry, router,
// reconciliation engine, and discovery source(s) together, then runs them
// as a group of actors until an OS signal or a fatal actor error triggers
// coordinated shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/run"

	"github.com/elmerfds/trafegodns/internal/config"
	"github.com/elmerfds/trafegodns/internal/discovery/container"
	"github.com/elmerfds/trafegodns/internal/discovery/proxy"
	"github.com/elmerfds/trafegodns/internal/engine"
	"github.com/elmerfds/trafegodns/internal/eventbus"
	"github.com/elmerfds/trafegodns/internal/health"
	"github.com/elmerfds/trafegodns/internal/labels"
	"github.com/elmerfds/trafegodns/internal/metrics"
	"github.com/elmerfds/trafegodns/internal/model"
	"github.com/elmerfds/trafegodns/internal/orphan"
	"github.com/elmerfds/trafegodns/internal/provider"
	"github.com/elmerfds/trafegodns/internal/provider/cloudflare"
	"github.com/elmerfds/trafegodns/internal/provider/digitalocean"
	"github.com/elmerfds/trafegodns/internal/provider/route53"
	"github.com/elmerfds/trafegodns/internal/provider/technitium"
	"github.com/elmerfds/trafegodns/internal/publicip"
	"github.com/elmerfds/trafegodns/internal/repository"
	"github.com/elmerfds/trafegodns/internal/router"
	"github.com/elmerfds/trafegodns/internal/settings"
	"github.com/elmerfds/trafegodns/internal/tunnel"
)

// Version and BuildDate are set via -ldflags at build time.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// shutdownTimeout bounds how long actors get to wind down once the group
// starts tearing down.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("trafegodns exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("trafegodns starting", slog.String("version", Version), slog.String("build_date", BuildDate))

	metrics.SetBuildInfo(Version, runtime.Version())
	metrics.SetUp()

	bus := eventbus.New(eventbus.WithLogger(logger))

	store, err := settings.Load(cfg.ConfigDir, settings.WithLogger(logger), settings.WithEventBus(bus))
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	repo, err := repository.Open(cfg.ConfigDir, repository.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	if err := seedRepository(repo, cfg); err != nil {
		return fmt.Errorf("seeding repository: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ips := publicip.New(
		time.Duration(store.GetInt(settings.KeyIPRefreshInterval))*time.Second,
		publicip.WithLogger(logger),
		publicip.WithOverride(cfg.PublicIPv4, cfg.PublicIPv6),
	)
	ips.Refresh(ctx)

	registry := buildProviderRegistry(ctx, cfg, logger)
	if len(registry.Enabled()) == 0 {
		return fmt.Errorf("no provider initialized successfully, refusing to start")
	}

	rtr := router.New(
		registry,
		store.GetString(settings.KeyLabelPrefix),
		router.Mode(store.GetString(settings.KeyRoutingMode)),
		store.GetBool(settings.KeyMultiProviderSameZone),
		router.WithLogger(logger),
	)
	orphanCoord := orphan.New(repo, bus, orphan.WithLogger(logger))

	discoveryMode := container.DiscoveryMode(store.GetString(settings.KeyOperationMode))
	recordSource := model.SourceProxy
	if discoveryMode == container.DiscoveryDirect {
		recordSource = model.SourceDirect
	}
	eng := engine.New(registry, rtr, repo, bus, store, ips, orphanCoord,
		engine.WithLogger(logger), engine.WithRecordSource(recordSource))

	bus.Subscribe(eventbus.TopicHostnamesDiscovered, func(payload any) {
		evt, ok := payload.(eventbus.HostnamesDiscovered)
		if !ok {
			return
		}
		eng.ProcessHostnames(ctx, evt.Hostnames, evt.Labels)
	})

	containerMonitor, err := container.New(ctx, cfg.DockerHost, discoveryMode, store.GetString(settings.KeyLabelPrefix), bus, container.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initializing container monitor: %w", err)
	}
	defer containerMonitor.Close()

	var proxyMonitor *proxy.Monitor
	if discoveryMode == container.DiscoveryTraefik {
		proxyMonitor = proxy.New(
			cfg.ProxyAPIURL,
			time.Duration(store.GetInt(settings.KeyPollInterval))*time.Second,
			store.GetString(settings.KeyLabelPrefix),
			bus,
			proxy.WithLogger(logger),
			proxy.WithContainerResolver(containerMonitor),
			proxy.WithBasicAuth(cfg.ProxyBasicAuthUser, cfg.ProxyBasicAuthPass),
		)
	} else if _, err := containerMonitor.ListWorkloads(ctx); err != nil {
		logger.Warn("initial workload listing failed", slog.String("error", err.Error()))
	}

	var tunnelMgr *tunnel.Manager
	if store.GetBool(settings.KeyTunnelEnabled) {
		tunnelMgr, err = buildTunnelManager(ctx, cfg, repo, bus, logger)
		if err != nil {
			return fmt.Errorf("initializing tunnel manager: %w", err)
		}
	}

	healthServer := buildHealthServer(cfg, registry, containerMonitor)

	var g run.Group

	{
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case sig := <-sigCh:
				return fmt.Errorf("received signal %s", sig)
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			cancel()
		})
	}

	{
		errCh := healthServer.Start()
		g.Add(func() error {
			return <-errCh
		}, func(error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := healthServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("health server shutdown failed", slog.String("error", err.Error()))
			}
		})
	}

	g.Add(func() error {
		return ips.Run(ctx)
	}, func(error) {
		ips.Stop()
	})

	g.Add(func() error {
		return containerMonitor.Watch(ctx)
	}, func(error) {})

	if proxyMonitor != nil {
		g.Add(func() error {
			return proxyMonitor.Run(ctx)
		}, func(error) {})
	}

	if tunnelMgr != nil {
		g.Add(func() error {
			return runTunnelLoop(ctx, tunnelMgr, bus, store, logger)
		}, func(error) {})
	}

	healthServer.SetReady(true)
	logger.Info("trafegodns running",
		slog.Int("health_port", cfg.HealthPort),
		slog.String("discovery_mode", string(discoveryMode)),
		slog.Int("providers", len(registry.Enabled())),
		slog.Bool("tunnel_enabled", tunnelMgr != nil),
	)

	gerr := g.Run()
	if gerr != nil && !errors.Is(gerr, context.Canceled) {
		logger.Info("trafegodns shutting down", slog.String("reason", gerr.Error()))
	}
	return nil
}

// seedRepository bootstraps the repository's preserved-hostname and
// managed-hostname rows from the environment-sourced config.
func seedRepository(repo *repository.Repository, cfg *config.Config) error {
	for _, pattern := range cfg.PreservedHostnames {
		if err := repo.AddPreserved(model.PreservedPattern(pattern)); err != nil {
			return fmt.Errorf("seeding preserved hostname %q: %w", pattern, err)
		}
	}
	for _, mh := range cfg.ManagedHostnames {
		record := model.DesiredRecord{
			Type:    model.RecordType(mh.Type),
			Name:    model.NormalizeHostname(mh.Hostname),
			Content: mh.Content,
			TTL:     mh.TTL,
		}
		if record.Type == "" {
			record.Type = model.TypeA
		}
		if err := repo.AddManaged(model.ManagedHostname{
			Hostname:   model.NormalizeHostname(mh.Hostname),
			Record:     record,
			ProviderID: mh.ProviderID,
		}); err != nil {
			return fmt.Errorf("seeding managed hostname %q: %w", mh.Hostname, err)
		}
	}
	return nil
}

// buildProviderRegistry constructs one provider.Instance per configured
// provider definition and initializes each against its backend. A provider
// that fails to initialize is logged and left out of the registry rather
// than aborting startup, so a single misconfigured provider does not take
// every other provider down with it.
func buildProviderRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) *provider.Registry {
	registry := provider.NewRegistry()

	for _, def := range cfg.Providers {
		backend, typ, err := newBackend(def)
		if err != nil {
			logger.Error("skipping provider with unknown type",
				slog.String("provider", def.ID), slog.String("type", def.Type), slog.String("error", err.Error()))
			continue
		}

		inst := provider.New(def.ID, def.Name, typ, def.Zone, def.IsDefault, backend, provider.WithLogger(logger))

		initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
		err = inst.Init(initCtx, def.Credentials)
		initCancel()
		if err != nil {
			logger.Error("provider initialization failed, provider disabled",
				slog.String("provider", def.ID), slog.String("type", string(typ)), slog.String("error", err.Error()))
			continue
		}

		registry.Add(inst)
		logger.Info("provider initialized", slog.String("provider", def.ID), slog.String("type", string(typ)), slog.String("zone", def.Zone))
	}

	return registry
}

func newBackend(def config.ProviderDef) (provider.Backend, provider.Type, error) {
	switch provider.Type(def.Type) {
	case provider.TypeCloudflare:
		return cloudflare.New(def.Zone), provider.TypeCloudflare, nil
	case provider.TypeRoute53:
		return route53.New(def.Zone), provider.TypeRoute53, nil
	case provider.TypeDigitalOcean:
		return digitalocean.New(def.Zone), provider.TypeDigitalOcean, nil
	case provider.TypeTechnitium:
		return technitium.New(def.Zone), provider.TypeTechnitium, nil
	default:
		return nil, "", fmt.Errorf("unknown provider type %q", def.Type)
	}
}

// buildTunnelManager constructs and initializes the optional Cloudflare
// Tunnel route manager, reusing the credentials of the first
// cloudflare-typed provider definition. The tunnel's account ID is not
// compared against that provider's account.
func buildTunnelManager(ctx context.Context, cfg *config.Config, repo *repository.Repository, bus *eventbus.Bus, logger *slog.Logger) (*tunnel.Manager, error) {
	var credentials map[string]string
	for _, def := range cfg.Providers {
		if def.Type == string(provider.TypeCloudflare) {
			credentials = def.Credentials
			break
		}
	}
	if credentials == nil {
		return nil, fmt.Errorf("tunnel_enabled requires a configured cloudflare provider to supply credentials")
	}

	mgr := tunnel.New(cfg.TunnelAccountID, cfg.TunnelName, repo, bus, tunnel.WithLogger(logger))
	if err := mgr.Init(ctx, credentials); err != nil {
		return nil, err
	}
	return mgr, nil
}

// runTunnelLoop subscribes the tunnel manager to discovered hostnames,
// reconciling ingress routes on every HOSTNAMES_DISCOVERED event and
// running the orphan grace-period cleanup on its own ticker: every quarter
// of the grace period, but no more often than once a minute.
func runTunnelLoop(ctx context.Context, mgr *tunnel.Manager, bus *eventbus.Bus, store *settings.Store, logger *slog.Logger) error {
	prefix := store.GetString(settings.KeyLabelPrefix)

	var mu sync.Mutex
	active := map[string]struct{}{}

	unsubscribe := bus.Subscribe(eventbus.TopicHostnamesDiscovered, func(payload any) {
		evt, ok := payload.(eventbus.HostnamesDiscovered)
		if !ok {
			return
		}
		desired := buildDesiredRoutes(evt.Hostnames, evt.Labels, prefix)
		if err := mgr.Reconcile(ctx, desired); err != nil {
			logger.Warn("tunnel reconcile failed", slog.String("error", err.Error()))
			return
		}
		next := make(map[string]struct{}, len(desired))
		for _, d := range desired {
			next[model.NormalizeHostname(d.Hostname)] = struct{}{}
		}
		mu.Lock()
		active = next
		mu.Unlock()
	})
	defer unsubscribe()

	grace := time.Duration(store.GetInt(settings.KeyCleanupGracePeriod)) * time.Second
	cleanupInterval := grace / 4
	if cleanupInterval < time.Minute {
		cleanupInterval = time.Minute
	}
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mu.Lock()
			snapshot := make(map[string]struct{}, len(active))
			for h := range active {
				snapshot[h] = struct{}{}
			}
			mu.Unlock()
			if err := mgr.RunCleanup(ctx, snapshot, time.Now(), grace); err != nil {
				logger.Warn("tunnel cleanup failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// buildDesiredRoutes derives ingress routes for every hostname whose
// {prefix}tunnel label is truthy. The label is read as a boolean; its value
// does not select a tunnel, and every route goes to the one tunnel the
// manager was built for.
func buildDesiredRoutes(hostnames []string, hostLabels map[string]map[string]string, prefix string) []tunnel.DesiredRoute {
	var routes []tunnel.DesiredRoute
	for _, hostname := range hostnames {
		in := labels.Extract(hostLabels[hostname], prefix)
		if !in.TunnelEnabled {
			continue
		}
		service := in.Content
		if service == "" {
			service = "http://localhost:80"
		}
		routes = append(routes, tunnel.DesiredRoute{Hostname: hostname, Service: service})
	}
	return routes
}

func buildHealthServer(cfg *config.Config, registry *provider.Registry, containerMonitor *container.Monitor) *health.Server {
	healthServer := health.New(cfg.HealthPort, health.WithLogger(slog.Default()), health.WithVersion(Version))

	for _, inst := range registry.All() {
		inst := inst
		healthServer.RegisterChecker(inst.Name, func(ctx context.Context) error {
			if !inst.Healthy() {
				return fmt.Errorf("provider %s unhealthy", inst.Name)
			}
			return nil
		})
	}

	healthServer.RegisterChecker("docker", containerMonitor.Ping)

	configDir := cfg.ConfigDir
	healthServer.RegisterChecker("repository", func(ctx context.Context) error {
		_, err := os.Stat(configDir)
		return err
	})

	return healthServer
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
