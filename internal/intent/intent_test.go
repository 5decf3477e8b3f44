package intent

import (
	"testing"

	"github.com/elmerfds/trafegodns/internal/model"
	"github.com/elmerfds/trafegodns/internal/publicip"
)

func defaults() Defaults {
	return Defaults{TTL: 300, Proxied: false, Type: model.TypeA, Manage: true}
}

func TestExtractAppliesDefaultsWhenNoLabels(t *testing.T) {
	r := Extract("web.example.com", nil, "dns.", defaults(), nil)
	if r.Skip || r.Err != nil {
		t.Fatalf("expected a plain result, got %+v", r)
	}
	if !r.Managed {
		t.Fatal("expected managed to default true")
	}
	if r.Record.Type != model.TypeA || r.Record.TTL != 300 {
		t.Fatalf("expected default type/ttl applied, got %+v", r.Record)
	}
	if r.Record.Proxied == nil || *r.Record.Proxied != false {
		t.Fatalf("expected default proxied=false, got %+v", r.Record.Proxied)
	}
}

func TestExtractLabelOverridesDefaults(t *testing.T) {
	labels := map[string]string{
		"dns.type":    "AAAA",
		"dns.content": "2001:db8::1",
		"dns.ttl":     "600",
		"dns.proxied": "true",
	}
	r := Extract("web.example.com", labels, "dns.", defaults(), nil)
	if r.Record.Type != model.TypeAAAA {
		t.Fatalf("expected type override, got %v", r.Record.Type)
	}
	if r.Record.Content != "2001:db8::1" {
		t.Fatalf("expected content override, got %v", r.Record.Content)
	}
	if r.Record.TTL != 600 {
		t.Fatalf("expected ttl override, got %v", r.Record.TTL)
	}
	if r.Record.Proxied == nil || *r.Record.Proxied != true {
		t.Fatalf("expected proxied override, got %+v", r.Record.Proxied)
	}
}

func TestExtractSRVFieldsAndTag(t *testing.T) {
	labels := map[string]string{
		"dns.type":     "SRV",
		"dns.content":  "target.example.com",
		"dns.priority": "10",
		"dns.weight":   "20",
		"dns.port":     "5060",
		"dns.tag":      "issue",
		"dns.flags":    "1",
	}
	r := Extract("sip.example.com", labels, "dns.", defaults(), nil)
	if r.Record.Priority != 10 || r.Record.Weight != 20 || r.Record.Port != 5060 {
		t.Fatalf("expected srv fields propagated, got %+v", r.Record)
	}
	if r.Record.Tag != "issue" || r.Record.Flags != 1 {
		t.Fatalf("expected tag/flags propagated, got %+v", r.Record)
	}
	// SRV is neither A/AAAA/CNAME, so Proxied must stay unset.
	if r.Record.Proxied != nil {
		t.Fatalf("expected proxied unset for SRV, got %+v", r.Record.Proxied)
	}
}

func TestExtractSkipLabelShortCircuits(t *testing.T) {
	r := Extract("web.example.com", map[string]string{"dns.skip": "true"}, "dns.", defaults(), nil)
	if !r.Skip {
		t.Fatal("expected skip=true")
	}
	if r.Record.Name != "" {
		t.Fatalf("expected a zero Record on skip, got %+v", r.Record)
	}
}

func TestExtractManageLabelOverride(t *testing.T) {
	d := defaults()
	d.Manage = true
	r := Extract("web.example.com", map[string]string{"dns.manage": "false"}, "dns.", d, nil)
	if r.Managed {
		t.Fatal("expected manage label to override default to false")
	}
}

func TestExtractPublicIPFallbackForEmptyA(t *testing.T) {
	resolver := publicip.New(0, publicip.WithOverride("203.0.113.9", ""))
	r := Extract("web.example.com", nil, "dns.", defaults(), resolver)
	if r.Record.Content != "203.0.113.9" {
		t.Fatalf("expected public ipv4 fallback, got %q", r.Record.Content)
	}
}

func TestExtractPublicIPFallbackForEmptyAAAA(t *testing.T) {
	resolver := publicip.New(0, publicip.WithOverride("", "2001:db8::9"))
	d := defaults()
	d.Type = model.TypeAAAA
	r := Extract("web.example.com", nil, "dns.", d, resolver)
	if r.Record.Content != "2001:db8::9" {
		t.Fatalf("expected public ipv6 fallback, got %q", r.Record.Content)
	}
}

func TestExtractExplicitContentOverridesPublicIP(t *testing.T) {
	resolver := publicip.New(0, publicip.WithOverride("203.0.113.9", ""))
	r := Extract("web.example.com", map[string]string{"dns.content": "10.0.0.5"}, "dns.", defaults(), resolver)
	if r.Record.Content != "10.0.0.5" {
		t.Fatalf("expected explicit content to win over public ip, got %q", r.Record.Content)
	}
}

func TestForZoneSkipsCNAMEAtApex(t *testing.T) {
	r := Result{Record: model.DesiredRecord{
		Type:    model.TypeCNAME,
		Name:    "example.com",
		Content: "target.example.com",
		TTL:     300,
	}}
	got := ForZone(r, "example.com", true)
	if !got.Skip {
		t.Fatalf("expected cname-at-apex to be skipped, got %+v", got)
	}
}

func TestForZoneValidatesRecord(t *testing.T) {
	r := Result{Record: model.DesiredRecord{
		Type:    model.TypeA,
		Name:    "web.example.com",
		Content: "not-an-ip",
		TTL:     300,
	}}
	got := ForZone(r, "example.com", true)
	if got.Err == nil || got.Err.Kind != model.KindValidationFailed {
		t.Fatalf("expected a validation error, got %+v", got)
	}
}

func TestForZonePassesThroughSkip(t *testing.T) {
	got := ForZone(Result{Skip: true}, "example.com", true)
	if !got.Skip {
		t.Fatal("expected skip to pass through unchanged")
	}
}

func TestForZoneAcceptsValidRecord(t *testing.T) {
	r := Result{Record: model.DesiredRecord{
		Type:    model.TypeA,
		Name:    "web.example.com",
		Content: "10.0.0.1",
		TTL:     300,
	}}
	got := ForZone(r, "example.com", true)
	if got.Err != nil || got.Skip {
		t.Fatalf("expected a clean result, got %+v", got)
	}
}

func TestForZoneStripsProxiedForNonCloudflareTargets(t *testing.T) {
	proxied := true
	r := Result{Record: model.DesiredRecord{
		Type:    model.TypeA,
		Name:    "web.example.com",
		Content: "10.0.0.1",
		TTL:     300,
		Proxied: &proxied,
	}}
	got := ForZone(r, "example.com", false)
	if got.Record.Proxied != nil {
		t.Fatalf("expected proxied stripped for a non-cloudflare target, got %+v", got.Record.Proxied)
	}
}

func TestForZoneKeepsProxiedForCloudflareTargets(t *testing.T) {
	proxied := true
	r := Result{Record: model.DesiredRecord{
		Type:    model.TypeA,
		Name:    "web.example.com",
		Content: "10.0.0.1",
		TTL:     300,
		Proxied: &proxied,
	}}
	got := ForZone(r, "example.com", true)
	if got.Record.Proxied == nil || !*got.Record.Proxied {
		t.Fatalf("expected proxied kept for a cloudflare target, got %+v", got.Record.Proxied)
	}
}
