// Package container implements the Container Monitor: workload listing,
// Swarm/standalone mode detection, and debounced Docker event
// subscription, combined into a single discovery source that maintains an
// in-memory containerId -> labels map and, in "direct" mode, derives the
// active hostname set from container labels alone.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"

	"github.com/elmerfds/trafegodns/internal/eventbus"
	"github.com/elmerfds/trafegodns/internal/labels"
	"github.com/elmerfds/trafegodns/internal/metrics"
)

// discoverySource identifies this monitor in discovery metrics.
const discoverySource = "container_docker_event"

// Mode is the Docker runtime topology.
type Mode string

const (
	ModeSwarm      Mode = "swarm"
	ModeStandalone Mode = "standalone"
)

// DiscoveryMode selects whether hostnames come from the proxy's own API
// (operation_mode=traefik) or directly from container labels
// (operation_mode=direct) — Open Question 1.
type DiscoveryMode string

const (
	DiscoveryTraefik DiscoveryMode = "traefik"
	DiscoveryDirect  DiscoveryMode = "direct"
)

// Workload is either a Swarm service or a standalone container, unified.
type Workload struct {
	ID     string
	Name   string
	Labels map[string]string
	Type   string // "service" or "container"
}

// Monitor watches the container engine for workload lifecycle events and
// maintains the label map the Proxy Monitor and direct-mode discovery
// read from.
type Monitor struct {
	docker        *client.Client
	mode          Mode
	discoveryMode DiscoveryMode
	labelPrefix   string
	bus           *eventbus.Bus
	logger        *slog.Logger

	debounceInterval time.Duration

	mu     sync.RWMutex
	labels map[string]map[string]string // containerID -> labels
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithDebounceInterval sets how long the monitor waits after the last
// event before recomputing and publishing the hostname set.
func WithDebounceInterval(d time.Duration) Option {
	return func(m *Monitor) { m.debounceInterval = d }
}

// WithMode forces a specific Docker mode instead of auto-detecting.
func WithMode(mode Mode) Option {
	return func(m *Monitor) { m.mode = mode }
}

// New creates a Monitor. If host is empty, the DOCKER_HOST environment
// variable or the default socket is used. Docker mode is auto-detected
// unless overridden with WithMode.
func New(ctx context.Context, host string, discoveryMode DiscoveryMode, labelPrefix string, bus *eventbus.Bus, opts ...Option) (*Monitor, error) {
	var dockerOpts []client.Opt
	dockerOpts = append(dockerOpts, client.FromEnv, client.WithAPIVersionNegotiation())
	if host != "" {
		dockerOpts = append(dockerOpts, client.WithHost(host))
	}

	dockerClient, err := client.NewClientWithOpts(dockerOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	m := &Monitor{
		docker:           dockerClient,
		discoveryMode:    discoveryMode,
		labelPrefix:      labelPrefix,
		bus:              bus,
		logger:           slog.Default(),
		debounceInterval: 5 * time.Second,
		labels:           make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.mode == "" {
		detected, err := m.detectMode(ctx)
		if err != nil {
			dockerClient.Close()
			return nil, fmt.Errorf("detecting docker mode: %w", err)
		}
		m.mode = detected
	}

	m.logger.Info("container monitor initialized", slog.String("mode", string(m.mode)), slog.String("discovery_mode", string(m.discoveryMode)))
	return m, nil
}

func (m *Monitor) detectMode(ctx context.Context) (Mode, error) {
	info, err := m.docker.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("getting docker info: %w", err)
	}
	if info.Swarm.LocalNodeState == swarm.LocalNodeStateActive {
		if !info.Swarm.ControlAvailable {
			return "", fmt.Errorf("swarm mode detected but this node is not a manager")
		}
		return ModeSwarm, nil
	}
	return ModeStandalone, nil
}

// Mode returns the detected Docker runtime mode.
func (m *Monitor) Mode() Mode { return m.mode }

// Close closes the underlying Docker client.
func (m *Monitor) Close() error { return m.docker.Close() }

// Ping verifies connectivity to the Docker daemon.
func (m *Monitor) Ping(ctx context.Context) error {
	if _, err := m.docker.Ping(ctx); err != nil {
		return fmt.Errorf("pinging docker: %w", err)
	}
	return nil
}

// ListWorkloads returns every workload (services in Swarm, containers in
// standalone), refreshing the in-memory label map as a side effect.
func (m *Monitor) ListWorkloads(ctx context.Context) ([]Workload, error) {
	var workloads []Workload

	if m.mode == ModeSwarm {
		services, err := m.docker.ServiceList(ctx, types.ServiceListOptions{})
		if err != nil {
			return nil, fmt.Errorf("listing services: %w", err)
		}
		for _, svc := range services {
			workloads = append(workloads, Workload{ID: svc.ID, Name: svc.Spec.Name, Labels: svc.Spec.Labels, Type: "service"})
		}
	} else {
		containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
			Filters: filters.NewArgs(filters.Arg("status", "running")),
		})
		if err != nil {
			return nil, fmt.Errorf("listing containers: %w", err)
		}
		for _, ctr := range containers {
			name := ""
			if len(ctr.Names) > 0 {
				name = ctr.Names[0]
				if len(name) > 0 && name[0] == '/' {
					name = name[1:]
				}
			}
			workloads = append(workloads, Workload{ID: ctr.ID, Name: name, Labels: ctr.Labels, Type: "container"})
		}
	}

	m.mu.Lock()
	m.labels = make(map[string]map[string]string, len(workloads))
	for _, w := range workloads {
		m.labels[w.ID] = w.Labels
	}
	m.mu.Unlock()

	return workloads, nil
}

// LabelsFor returns a snapshot of the current labels for containerID, or
// nil if unknown — used by the Proxy Monitor to merge router-rule labels
// with the originating container's full label set.
func (m *Monitor) LabelsFor(containerID string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.labels[containerID]
}

// AllLabels returns a snapshot of every known containerID -> labels entry.
func (m *Monitor) AllLabels() map[string]map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]map[string]string, len(m.labels))
	for id, l := range m.labels {
		out[id] = l
	}
	return out
}

// Watch subscribes to container-engine lifecycle events and, on each
// change (after debouncing), refreshes the label map and — in direct
// mode — publishes a recomputed HOSTNAMES_DISCOVERED. Reconnects with
// backoff on transport failure; never returns on a recoverable error.
// Blocks until ctx is done.
func (m *Monitor) Watch(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.logger.Warn("container event stream failed, reconnecting",
				slog.String("error", err.Error()), slog.Duration("backoff", backoff))
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (m *Monitor) watchOnce(ctx context.Context) error {
	eventsCh, errCh := m.docker.Events(ctx, events.ListOptions{Filters: m.buildEventFilters()})

	var debounceTimer *time.Timer
	pending := false
	fire := func() {
		pending = false
		workloads, err := m.ListWorkloads(ctx)
		if err != nil {
			m.logger.Warn("refreshing workloads after event failed", slog.String("error", err.Error()))
			metrics.RecordDiscoveryEvent(discoverySource, "error", 0)
			return
		}
		if m.discoveryMode == DiscoveryDirect {
			m.publishDirectHostnames()
		} else {
			metrics.RecordDiscoveryEvent(discoverySource, "success", len(workloads))
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return ctx.Err()

		case err := <-errCh:
			if err != nil {
				return err
			}

		case evt := <-eventsCh:
			m.handleEvent(evt)
			if !pending {
				pending = true
				debounceTimer = time.AfterFunc(m.debounceInterval, fire)
			}
		}
	}
}

func (m *Monitor) buildEventFilters() filters.Args {
	f := filters.NewArgs()
	if m.mode == ModeSwarm {
		f.Add("type", string(events.ServiceEventType))
		f.Add("event", "create")
		f.Add("event", "update")
		f.Add("event", "remove")
	} else {
		f.Add("type", string(events.ContainerEventType))
		f.Add("event", "start")
		f.Add("event", "die")
		f.Add("event", "destroy")
	}
	return f
}

func (m *Monitor) handleEvent(evt events.Message) {
	name := evt.Actor.Attributes["name"]
	if name == "" && len(evt.Actor.ID) >= 12 {
		name = evt.Actor.ID[:12]
	}

	topic := ""
	switch evt.Action {
	case "create", "start":
		topic = eventbus.TopicContainerStarted
	case "remove", "die":
		topic = eventbus.TopicContainerStopped
	case "destroy":
		topic = eventbus.TopicContainerDestroyed
	}
	if topic == "" {
		return
	}
	m.bus.Publish(topic, eventbus.ContainerEvent{ID: evt.Actor.ID, Name: name, Labels: evt.Actor.Attributes})
}

// publishDirectHostnames recomputes the hostname set from every known
// container's {prefix}host label and publishes it.
func (m *Monitor) publishDirectHostnames() {
	all := m.AllLabels()
	seen := make(map[string]struct{})
	var hostnames []string
	hostLabels := make(map[string]map[string]string)

	for _, lbls := range all {
		for _, h := range labels.DirectHosts(lbls, m.labelPrefix) {
			if _, ok := seen[h]; !ok {
				seen[h] = struct{}{}
				hostnames = append(hostnames, h)
			}
			hostLabels[h] = lbls
		}
	}

	m.bus.Publish(eventbus.TopicHostnamesDiscovered, eventbus.HostnamesDiscovered{
		Hostnames: hostnames, Labels: hostLabels,
	})
	metrics.RecordDiscoveryEvent(discoverySource, "success", len(hostnames))
}
