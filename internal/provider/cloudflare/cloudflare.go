// Package cloudflare adapts github.com/cloudflare/cloudflare-go (the pinned
// v0.48.0 API surface: api.DNSRecords/CreateDNSRecord/UpdateDNSRecord against
// a zone ID resolved via ZoneIDByName, not the newer ResourceContainer-based
// client) to the provider.Backend contract.
package cloudflare

import (
	"context"
	"fmt"
	"strings"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/elmerfds/trafegodns/internal/model"
)

// Backend implements provider.Backend against the Cloudflare DNS API. It is
// the one backend capable of honoring DesiredRecord.Proxied.
type Backend struct {
	api      *cf.API
	zoneName string
	zoneID   string
}

// New constructs an uninitialized Backend; Init performs credential
// validation and zone resolution.
func New(zoneName string) *Backend {
	return &Backend{zoneName: zoneName}
}

// Init authenticates against Cloudflare and resolves the zone ID for the
// configured zone name. Credentials carries either "api_token" (preferred)
// or the legacy "api_key"+"api_email" pair.
func (b *Backend) Init(ctx context.Context, credentials map[string]string) error {
	var api *cf.API
	var err error

	if token := credentials["api_token"]; token != "" {
		api, err = cf.NewWithAPIToken(token)
	} else if key := credentials["api_key"]; key != "" {
		api, err = cf.New(key, credentials["api_email"])
	} else {
		return model.NewError(model.KindAuthFailed, "no cloudflare credentials supplied", nil)
	}
	if err != nil {
		return model.NewError(model.KindAuthFailed, "constructing cloudflare client", err)
	}

	zoneID, err := api.ZoneIDByName(model.NormalizeHostname(b.zoneName))
	if err != nil {
		return mapError(err, "resolving zone id for "+b.zoneName)
	}

	b.api = api
	b.zoneID = zoneID
	return nil
}

// GetZoneName returns the configured zone apex.
func (b *Backend) GetZoneName() string { return b.zoneName }

// ListRecords lists every DNS record in the zone.
func (b *Backend) ListRecords(ctx context.Context) ([]model.ProviderRecord, error) {
	records, err := b.api.DNSRecords(ctx, b.zoneID, cf.DNSRecord{})
	if err != nil {
		return nil, mapError(err, "listing records")
	}
	out := make([]model.ProviderRecord, 0, len(records))
	for _, r := range records {
		out = append(out, toProviderRecord(r))
	}
	return out, nil
}

// CreateRecord creates a new DNS record from d.
func (b *Backend) CreateRecord(ctx context.Context, d model.DesiredRecord) (model.ProviderRecord, error) {
	resp, err := b.api.CreateDNSRecord(ctx, b.zoneID, toCFRecord(d))
	if err != nil {
		return model.ProviderRecord{}, mapError(err, "creating record "+d.Name)
	}
	return toProviderRecord(resp.Result), nil
}

// UpdateRecord updates the record identified by externalID to match d.
func (b *Backend) UpdateRecord(ctx context.Context, externalID string, d model.DesiredRecord) (model.ProviderRecord, error) {
	if err := b.api.UpdateDNSRecord(ctx, b.zoneID, externalID, toCFRecord(d)); err != nil {
		return model.ProviderRecord{}, mapError(err, "updating record "+d.Name)
	}
	updated, err := b.api.DNSRecord(ctx, b.zoneID, externalID)
	if err != nil {
		return model.ProviderRecord{}, mapError(err, "refetching updated record "+d.Name)
	}
	return toProviderRecord(updated), nil
}

// DeleteRecord deletes the record identified by externalID.
func (b *Backend) DeleteRecord(ctx context.Context, externalID string) error {
	if err := b.api.DeleteDNSRecord(ctx, b.zoneID, externalID); err != nil {
		return mapError(err, "deleting record "+externalID)
	}
	return nil
}

func toCFRecord(d model.DesiredRecord) cf.DNSRecord {
	r := cf.DNSRecord{
		Type:    string(d.Type),
		Name:    model.NormalizeHostname(d.Name),
		Content: d.Content,
	}
	if d.TTL == model.TTLAuto {
		r.TTL = 1
	} else {
		r.TTL = d.TTL
	}
	if d.Proxied != nil {
		r.Proxied = d.Proxied
	}
	switch d.Type {
	case model.TypeMX:
		r.Priority = uintPtr(d.Priority)
	case model.TypeSRV:
		// Cloudflare's v4 API ignores top-level name/content/priority for
		// SRV and requires the service/proto/target split out under data.
		service, proto, base := splitSRVName(r.Name)
		r.Name = base
		r.Content = ""
		r.Data = map[string]interface{}{
			"service":  service,
			"proto":    proto,
			"name":     base,
			"priority": d.Priority,
			"weight":   d.Weight,
			"port":     d.Port,
			"target":   d.Content,
		}
	case model.TypeCAA:
		r.Data = map[string]interface{}{
			"flags": d.Flags,
			"tag":   d.Tag,
			"value": d.Content,
		}
	}
	return r
}

// splitSRVName splits a full SRV record name ("_sip._tcp.example.com") into
// its service ("_sip"), proto ("_tcp"), and base domain ("example.com")
// components, as Cloudflare's data.{service,proto,name} fields require.
func splitSRVName(name string) (service, proto, base string) {
	parts := strings.SplitN(name, ".", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[0], "_") || !strings.HasPrefix(parts[1], "_") {
		return "", "", name
	}
	return parts[0], parts[1], parts[2]
}

func uintPtr(v int) *uint16 {
	u := uint16(v)
	return &u
}

func toProviderRecord(r cf.DNSRecord) model.ProviderRecord {
	d := model.DesiredRecord{
		Type:    model.RecordType(r.Type),
		Name:    r.Name,
		Content: r.Content,
		TTL:     r.TTL,
		Proxied: r.Proxied,
	}
	if r.Priority != nil {
		d.Priority = int(*r.Priority)
	}
	if d.Type == model.TypeSRV {
		if data, ok := r.Data.(map[string]interface{}); ok {
			d.Name = srvFullName(data, r.Name)
			if target, ok := data["target"].(string); ok {
				d.Content = target
			}
			if weight, ok := data["weight"].(float64); ok {
				d.Weight = int(weight)
			}
			if port, ok := data["port"].(float64); ok {
				d.Port = int(port)
			}
			if priority, ok := data["priority"].(float64); ok {
				d.Priority = int(priority)
			}
		}
	}
	pr := model.ProviderRecord{DesiredRecord: d, ExternalID: r.ID}
	pr.Fingerprint = model.Fingerprint(d)
	return pr
}

// srvFullName rebuilds "_service._proto.base" from a decoded SRV data
// payload, falling back to the bare name Cloudflare returned if the
// service/proto fields are absent.
func srvFullName(data map[string]interface{}, base string) string {
	service, _ := data["service"].(string)
	proto, _ := data["proto"].(string)
	name, _ := data["name"].(string)
	if name == "" {
		name = base
	}
	if service == "" || proto == "" {
		return name
	}
	return service + "." + proto + "." + name
}

// mapError classifies a cloudflare-go error into the abstract taxonomy.
// cloudflare-go's own error types vary across versions, so this matches
// on the HTTP status cloudflare-go always folds into the error string
// (e.g. "HTTP status 429") rather than a version-specific error struct.
func mapError(err error, reason string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "authentication") || strings.Contains(msg, "invalid api"):
		return model.NewError(model.KindAuthFailed, reason, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return model.NewError(model.KindRateLimited, reason, err)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found") || strings.Contains(msg, "could not find"):
		return model.NewError(model.KindNotFound, reason, err)
	default:
		return model.NewError(model.KindNetworkFailed, reason, err)
	}
}

func (b *Backend) String() string { return fmt.Sprintf("cloudflare:%s", b.zoneName) }
