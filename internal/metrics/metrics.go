// Package metrics provides Prometheus metrics for trafegodns: promauto
// constructors under a single namespace constant, and Set/Record helper
// functions so every provider instance and discovery path reports
// independently, labeled by provider and discovery source.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "trafegodns"
)

var (
	// DNSRecordsCreatedTotal counts records created, per provider/zone/type.
	DNSRecordsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_records_created_total",
			Help:      "Total number of DNS records created",
		},
		[]string{"provider", "zone", "type"},
	)

	// DNSRecordsUpdatedTotal counts records updated, per provider/zone/type.
	DNSRecordsUpdatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_records_updated_total",
			Help:      "Total number of DNS records updated",
		},
		[]string{"provider", "zone", "type"},
	)

	// DNSRecordsDeletedTotal counts records deleted, per provider/zone/type.
	DNSRecordsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_records_deleted_total",
			Help:      "Total number of DNS records deleted",
		},
		[]string{"provider", "zone", "type"},
	)

	// DNSRecordsUnchangedTotal counts records left unchanged, per provider/zone.
	DNSRecordsUnchangedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_records_unchanged_total",
			Help:      "Total number of DNS records found already up to date",
		},
		[]string{"provider", "zone"},
	)

	// DNSRecordErrorsTotal counts per-record batch errors, per provider and
	// taxonomy kind.
	DNSRecordErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_record_errors_total",
			Help:      "Total number of per-record reconciliation errors by kind",
		},
		[]string{"provider", "kind"},
	)

	// OrphanedRecordsTotal counts records marked orphaned, per provider.
	OrphanedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphaned_records_total",
			Help:      "Total number of tracked records marked orphaned",
		},
		[]string{"provider"},
	)

	// ReactivatedRecordsTotal counts orphans reactivated, per provider.
	ReactivatedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reactivated_records_total",
			Help:      "Total number of orphaned records reactivated",
		},
		[]string{"provider"},
	)

	// PreservedRecordsTotal counts orphan passes that found a preserved match.
	PreservedRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preserved_records_total",
			Help:      "Total number of orphan-eligible records shielded by a preserved pattern",
		},
		[]string{"provider"},
	)

	// ProviderAPIRequestsTotal counts outbound provider API requests.
	ProviderAPIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_api_requests_total",
			Help:      "Total number of outbound DNS provider API requests",
		},
		[]string{"provider", "operation", "status"},
	)

	// ProviderAPIRequestDuration tracks provider API request latency.
	ProviderAPIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_api_request_duration_seconds",
			Help:      "Duration of outbound DNS provider API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// ProviderHealthy reports a provider's health flag: 0 after a failed
	// Init (any error) or a backend call that failed with AuthFailed,
	// 1 otherwise.
	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_healthy",
			Help:      "Whether the provider's credentials were last accepted (1) or rejected (0)",
		},
		[]string{"provider"},
	)

	// DiscoveryEventsTotal counts discovery-source activity, per source
	// ("proxy_poll", "container_docker_event") and outcome.
	DiscoveryEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_events_total",
			Help:      "Total number of discovery-source polls/events processed",
		},
		[]string{"source", "outcome"},
	)

	// HostnamesDiscovered tracks the number of hostnames found in the last
	// discovery pass, per source.
	HostnamesDiscovered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hostnames_discovered",
			Help:      "Number of hostnames found in the last discovery pass",
		},
		[]string{"source"},
	)

	// ReconciliationsTotal counts reconciliation passes by result.
	ReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of reconciliation passes",
		},
		[]string{"status"},
	)

	// ReconciliationDuration tracks reconciliation pass duration.
	ReconciliationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconciliation_duration_seconds",
			Help:      "Duration of reconciliation passes in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	// LastReconciliationTimestamp tracks when the last reconciliation pass
	// recorded with status "success" finished; passes recorded with any
	// other status leave it unchanged.
	LastReconciliationTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_reconciliation_timestamp_seconds",
			Help:      "Unix timestamp of the last successful reconciliation pass",
		},
	)

	// TunnelRoutesTotal counts tunnel ingress route operations, per tunnel
	// and outcome ("created", "updated", "deleted").
	TunnelRoutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tunnel_routes_total",
			Help:      "Total number of tunnel ingress route operations",
		},
		[]string{"tunnel", "outcome"},
	)

	// PublicIPRefreshFailuresTotal counts failed public-IP lookups, per
	// address family.
	PublicIPRefreshFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "public_ip_refresh_failures_total",
			Help:      "Total number of failed public IP refresh attempts",
		},
		[]string{"family"},
	)

	// BuildInfo exposes build information as a metric.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for trafegodns",
		},
		[]string{"version", "go_version"},
	)

	// Up indicates if the service is up and running.
	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "Whether trafegodns is up and running (1 = up, 0 = down)",
		},
	)
)

// SetBuildInfo sets the build information metric.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// SetUp marks the service as up.
func SetUp() {
	Up.Set(1)
}

// RecordProviderAPIRequest records metrics for one outbound provider API
// call.
func RecordProviderAPIRequest(provider, operation, status string, durationSeconds float64) {
	ProviderAPIRequestsTotal.WithLabelValues(provider, operation, status).Inc()
	ProviderAPIRequestDuration.WithLabelValues(provider, operation).Observe(durationSeconds)
}

// SetProviderHealthy records a provider's last-known credential health.
func SetProviderHealthy(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	ProviderHealthy.WithLabelValues(provider).Set(v)
}

// RecordDiscoveryEvent records one discovery-source poll/event outcome and
// the hostname count it yielded.
func RecordDiscoveryEvent(source, outcome string, hostnameCount int) {
	DiscoveryEventsTotal.WithLabelValues(source, outcome).Inc()
	if outcome == "success" {
		HostnamesDiscovered.WithLabelValues(source).Set(float64(hostnameCount))
	}
}

// RecordReconciliation records metrics for one reconciliation pass.
func RecordReconciliation(status string, durationSeconds float64) {
	ReconciliationsTotal.WithLabelValues(status).Inc()
	ReconciliationDuration.Observe(durationSeconds)
	if status == "success" {
		LastReconciliationTimestamp.SetToCurrentTime()
	}
}

// RecordTunnelRoute records one tunnel ingress route operation.
func RecordTunnelRoute(tunnel, outcome string) {
	TunnelRoutesTotal.WithLabelValues(tunnel, outcome).Inc()
}

// RecordPublicIPRefreshFailure records a failed public-IP lookup for the
// given address family ("v4" or "v6").
func RecordPublicIPRefreshFailure(family string) {
	PublicIPRefreshFailuresTotal.WithLabelValues(family).Inc()
}
