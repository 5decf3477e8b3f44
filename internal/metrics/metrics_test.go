package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetBuildInfo(t *testing.T) {
	BuildInfo.Reset()

	SetBuildInfo("1.0.0", "go1.24")

	count := testutil.CollectAndCount(BuildInfo)
	if count != 1 {
		t.Errorf("expected 1 metric, got %d", count)
	}
}

func TestSetUp(t *testing.T) {
	Up.Set(0)

	SetUp()

	value := testutil.ToFloat64(Up)
	if value != 1 {
		t.Errorf("expected Up=1, got %f", value)
	}
}

func TestRecordProviderAPIRequest(t *testing.T) {
	ProviderAPIRequestsTotal.Reset()
	ProviderAPIRequestDuration.Reset()

	RecordProviderAPIRequest("p1", "CreateRecord", "success", 0.5)
	RecordProviderAPIRequest("p1", "CreateRecord", "error", 0.1)
	RecordProviderAPIRequest("p1", "ListRecords", "success", 0.2)

	expected := `
		# HELP trafegodns_provider_api_requests_total Total number of outbound DNS provider API requests
		# TYPE trafegodns_provider_api_requests_total counter
		trafegodns_provider_api_requests_total{operation="CreateRecord",provider="p1",status="error"} 1
		trafegodns_provider_api_requests_total{operation="CreateRecord",provider="p1",status="success"} 1
		trafegodns_provider_api_requests_total{operation="ListRecords",provider="p1",status="success"} 1
	`
	if err := testutil.CollectAndCompare(ProviderAPIRequestsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric: %v", err)
	}

	count := testutil.CollectAndCount(ProviderAPIRequestDuration)
	if count != 2 {
		t.Errorf("expected 2 histogram series, got %d", count)
	}
}

func TestDNSRecordCounters(t *testing.T) {
	DNSRecordsCreatedTotal.Reset()
	DNSRecordsDeletedTotal.Reset()
	DNSRecordsUnchangedTotal.Reset()

	DNSRecordsCreatedTotal.WithLabelValues("p1", "example.com", "A").Inc()
	DNSRecordsCreatedTotal.WithLabelValues("p1", "example.com", "A").Inc()
	DNSRecordsDeletedTotal.WithLabelValues("p1", "example.com", "A").Inc()
	DNSRecordsUnchangedTotal.WithLabelValues("p1", "example.com").Inc()

	created := testutil.ToFloat64(DNSRecordsCreatedTotal.WithLabelValues("p1", "example.com", "A"))
	if created != 2 {
		t.Errorf("expected 2 records created, got %f", created)
	}
	deleted := testutil.ToFloat64(DNSRecordsDeletedTotal.WithLabelValues("p1", "example.com", "A"))
	if deleted != 1 {
		t.Errorf("expected 1 record deleted, got %f", deleted)
	}
}

func TestSetProviderHealthy(t *testing.T) {
	ProviderHealthy.Reset()

	SetProviderHealthy("p1", true)
	if v := testutil.ToFloat64(ProviderHealthy.WithLabelValues("p1")); v != 1 {
		t.Errorf("expected healthy=1, got %f", v)
	}

	SetProviderHealthy("p1", false)
	if v := testutil.ToFloat64(ProviderHealthy.WithLabelValues("p1")); v != 0 {
		t.Errorf("expected healthy=0, got %f", v)
	}
}

func TestRecordDiscoveryEvent(t *testing.T) {
	DiscoveryEventsTotal.Reset()
	HostnamesDiscovered.Reset()

	RecordDiscoveryEvent("proxy_poll", "success", 7)
	RecordDiscoveryEvent("proxy_poll", "error", 0)

	success := testutil.ToFloat64(DiscoveryEventsTotal.WithLabelValues("proxy_poll", "success"))
	if success != 1 {
		t.Errorf("expected 1 success event, got %f", success)
	}
	found := testutil.ToFloat64(HostnamesDiscovered.WithLabelValues("proxy_poll"))
	if found != 7 {
		t.Errorf("expected 7 hostnames discovered, got %f", found)
	}
}

func TestRecordReconciliation(t *testing.T) {
	ReconciliationsTotal.Reset()
	LastReconciliationTimestamp.Set(0)

	RecordReconciliation("success", 1.5)

	successCount := testutil.ToFloat64(ReconciliationsTotal.WithLabelValues("success"))
	if successCount != 1 {
		t.Errorf("expected 1 successful reconciliation, got %f", successCount)
	}

	timestamp := testutil.ToFloat64(LastReconciliationTimestamp)
	if timestamp == 0 {
		t.Error("expected last reconciliation timestamp to be set")
	}

	currentTimestamp := timestamp
	RecordReconciliation("error", 0.5)

	errorCount := testutil.ToFloat64(ReconciliationsTotal.WithLabelValues("error"))
	if errorCount != 1 {
		t.Errorf("expected 1 error reconciliation, got %f", errorCount)
	}

	newTimestamp := testutil.ToFloat64(LastReconciliationTimestamp)
	if newTimestamp != currentTimestamp {
		t.Errorf("expected timestamp to remain %f, got %f", currentTimestamp, newTimestamp)
	}
}

func TestRecordTunnelRoute(t *testing.T) {
	TunnelRoutesTotal.Reset()

	RecordTunnelRoute("t1", "created")
	RecordTunnelRoute("t1", "created")

	count := testutil.ToFloat64(TunnelRoutesTotal.WithLabelValues("t1", "created"))
	if count != 2 {
		t.Errorf("expected 2 created tunnel routes, got %f", count)
	}
}

func TestMetricsAreRegistered(t *testing.T) {
	metrics, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	expectedMetrics := map[string]bool{
		"trafegodns_up":                             false,
		"trafegodns_reconciliation_duration_seconds": false,
		"trafegodns_provider_healthy":                false,
	}

	for _, mf := range metrics {
		if _, ok := expectedMetrics[mf.GetName()]; ok {
			expectedMetrics[mf.GetName()] = true
		}
	}

	for name, found := range expectedMetrics {
		if !found {
			t.Errorf("expected metric %s to be registered", name)
		}
	}
}
