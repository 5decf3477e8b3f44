package labels

import (
	"reflect"
	"testing"
)

func TestExtractHostsFromRule(t *testing.T) {
	tests := []struct {
		name string
		rule string
		want []string
	}{
		{"single host", "Host(`web.example.com`)", []string{"web.example.com"}},
		{"host and", "Host(`web.example.com`) && PathPrefix(`/api`)", []string{"web.example.com"}},
		{"host regexp", "HostRegexp(`{subdomain:[a-z]+}.example.com`)", []string{"{subdomain:[a-z]+}.example.com"}},
		{"multiple hosts dedup", "Host(`a.example.com`) || Host(`b.example.com`) || Host(`a.example.com`)", []string{"a.example.com", "b.example.com"}},
		{"no host", "PathPrefix(`/api`)", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ExtractHostsFromRule(tc.rule)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestParserExtractHostsFiltersRouterRuleLabels(t *testing.T) {
	p := NewParser()
	routerLabels := map[string]string{
		"traefik.http.routers.web.rule":          "Host(`web.example.com`)",
		"traefik.http.routers.api.rule":          "Host(`api.example.com`)",
		"traefik.http.routers.web.entrypoints":   "websecure",
		"traefik.http.services.web.loadbalancer": "true",
	}
	got := p.ExtractHosts(routerLabels)
	want := map[string]bool{"web.example.com": true, "api.example.com": true}
	if len(got) != 2 {
		t.Fatalf("expected 2 hosts, got %v", got)
	}
	for _, h := range got {
		if !want[h] {
			t.Fatalf("unexpected host %q in %v", h, got)
		}
	}
}

func TestIsRouterRuleLabel(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"traefik.http.routers.web.rule", true},
		{"traefik.http.routers.web.entrypoints", false},
		{"traefik.http.services.web.rule", false},
		{"dns.type", false},
	}
	for _, tc := range tests {
		if got := isRouterRuleLabel(tc.key); got != tc.want {
			t.Fatalf("isRouterRuleLabel(%q) = %v, want %v", tc.key, got, tc.want)
		}
	}
}

func TestDirectHosts(t *testing.T) {
	tests := []struct {
		name   string
		labels map[string]string
		want   []string
	}{
		{"single", map[string]string{"dns.host": "web.example.com"}, []string{"web.example.com"}},
		{"comma separated", map[string]string{"dns.host": "a.example.com,b.example.com"}, []string{"a.example.com", "b.example.com"}},
		{"space separated", map[string]string{"dns.host": "a.example.com b.example.com"}, []string{"a.example.com", "b.example.com"}},
		{"mixed with dup", map[string]string{"dns.host": "a.example.com, b.example.com a.example.com"}, []string{"a.example.com", "b.example.com"}},
		{"missing label", map[string]string{}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := DirectHosts(tc.labels, "dns.")
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExtractPopulatesIntentFromLabels(t *testing.T) {
	hostLabels := map[string]string{
		"dns.skip":        "false",
		"dns.manage":      "true",
		"dns.type":        "a",
		"dns.content":     "10.0.0.1",
		"dns.ttl":         "120",
		"dns.proxied":     "yes",
		"dns.priority":    "10",
		"dns.weight":      "5",
		"dns.port":        "443",
		"dns.flags":       "1",
		"dns.tag":         "issue",
		"dns.providers":   "all",
		"dns.provider.id": "p1",
		"dns.provider":    "primary",
		"dns.tunnel":      "on",
	}
	in := Extract(hostLabels, "dns.")

	if !in.SkipSet || in.Skip {
		t.Fatalf("expected skip=false (set), got %+v", in)
	}
	if !in.ManageSet || !in.Manage {
		t.Fatalf("expected manage=true (set), got %+v", in)
	}
	if in.Type != "A" {
		t.Fatalf("expected type upcased to A, got %q", in.Type)
	}
	if in.Content != "10.0.0.1" {
		t.Fatalf("expected content passthrough, got %q", in.Content)
	}
	if !in.TTLSet || in.TTL != 120 {
		t.Fatalf("expected ttl=120 (set), got %+v", in)
	}
	if !in.ProxiedSet || !in.Proxied {
		t.Fatalf("expected proxied=true (set) from 'yes', got %+v", in)
	}
	if in.Priority != 10 || in.Weight != 5 || in.Port != 443 || in.Flags != 1 {
		t.Fatalf("expected numeric fields propagated, got %+v", in)
	}
	if in.Tag != "issue" {
		t.Fatalf("expected tag propagated, got %q", in.Tag)
	}
	if in.Providers != "all" || in.ProviderID != "p1" || in.Provider != "primary" {
		t.Fatalf("expected routing labels propagated, got %+v", in)
	}
	if !in.TunnelSet || !in.TunnelEnabled {
		t.Fatalf("expected tunnel=true (set) from 'on', got %+v", in)
	}
}

func TestExtractLeavesUnsetFieldsAtZeroValue(t *testing.T) {
	in := Extract(nil, "dns.")
	if in.SkipSet || in.ManageSet || in.TTLSet || in.ProxiedSet || in.TunnelSet {
		t.Fatalf("expected no *Set flags on an empty label map, got %+v", in)
	}
	if in.Priority != 0 || in.Weight != 0 || in.Port != 0 || in.Flags != 0 {
		t.Fatalf("expected numeric fields to default to zero, got %+v", in)
	}
}
