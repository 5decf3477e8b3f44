// Package intent implements the Intent Extractor:
// translating a hostname's labels plus the settings-store defaults into a
// canonical model.DesiredRecord, or a skip decision.
package intent

import (
	"github.com/elmerfds/trafegodns/internal/labels"
	"github.com/elmerfds/trafegodns/internal/model"
	"github.com/elmerfds/trafegodns/internal/publicip"
	"github.com/elmerfds/trafegodns/internal/settings"
)

// Defaults is the provider-agnostic fallback configuration read from the
// settings store.
type Defaults struct {
	TTL     int
	Proxied bool
	Type    model.RecordType
	Manage  bool
}

// DefaultsFromStore reads the current dns_default_* settings.
func DefaultsFromStore(store *settings.Store) Defaults {
	return Defaults{
		TTL:     store.GetInt(settings.KeyDefaultTTL),
		Proxied: store.GetBool(settings.KeyDefaultProxied),
		Type:    model.RecordType(store.GetString(settings.KeyDefaultType)),
		Manage:  store.GetBool(settings.KeyDefaultManage),
	}
}

// Result is the outcome of extracting one hostname's intent: either a
// DesiredRecord to reconcile, a skip, or a validation failure.
type Result struct {
	Record  model.DesiredRecord
	Managed bool
	Skip    bool
	Err     *model.Error
}

// Extract builds a Result for hostname from its labels, the configured
// defaults, and a resolver for the operator's public IP,
// used when type=A/AAAA and content is empty.
func Extract(hostname string, hostLabels map[string]string, labelPrefix string, defaults Defaults, ips *publicip.Resolver) Result {
	in := labels.Extract(hostLabels, labelPrefix)

	if in.SkipSet && in.Skip {
		return Result{Skip: true}
	}

	managed := defaults.Manage
	if in.ManageSet {
		managed = in.Manage
	}

	recType := defaults.Type
	if in.Type != "" {
		recType = model.RecordType(in.Type)
	}

	ttl := defaults.TTL
	if in.TTLSet {
		ttl = in.TTL
	}

	content := in.Content
	if content == "" {
		switch recType {
		case model.TypeA:
			if ips != nil {
				content = ips.IPv4()
			}
		case model.TypeAAAA:
			if ips != nil {
				content = ips.IPv6()
			}
		}
	}

	d := model.DesiredRecord{
		Type:     recType,
		Name:     model.NormalizeHostname(hostname),
		Content:  content,
		TTL:      ttl,
		Priority: in.Priority,
		Weight:   in.Weight,
		Port:     in.Port,
		Flags:    in.Flags,
		Tag:      in.Tag,
	}
	if recType == model.TypeA || recType == model.TypeAAAA || recType == model.TypeCNAME {
		proxied := defaults.Proxied
		if in.ProxiedSet {
			proxied = in.Proxied
		}
		d.Proxied = &proxied
	}

	return Result{Record: d, Managed: managed}
}

// ForZone finalizes a Result's DesiredRecord against a specific target
// provider: applies the CNAME-at-apex skip rule, strips Proxied when the
// target doesn't support Cloudflare's front-proxy flag, and validates the
// record. Proxied is meaningful only for Cloudflare; carrying it through
// to a provider that never reports it back would make every listed
// record's fingerprint permanently disagree with the desired one (see
// model.Fingerprint) once the provider cache refreshes, causing an
// endless stream of no-op updates.
func ForZone(r Result, zoneApex string, supportsProxied bool) Result {
	if r.Skip {
		return r
	}
	if r.Record.Type == model.TypeCNAME && model.IsZoneApex(r.Record.Name, zoneApex) {
		return Result{Skip: true}
	}
	if !supportsProxied {
		r.Record.Proxied = nil
	}
	if err := r.Record.Validate(zoneApex); err != nil {
		return Result{Err: err}
	}
	return r
}
