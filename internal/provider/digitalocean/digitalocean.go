// Package digitalocean adapts github.com/digitalocean/godo's Domains
// service to the provider.Backend contract, using
// godo.DomainRecordEditRequest and the "@" root-name convention for
// zone-apex records.
package digitalocean

import (
	"context"
	"strconv"
	"strings"

	"github.com/digitalocean/godo"
	"golang.org/x/oauth2"

	"github.com/elmerfds/trafegodns/internal/model"
)

const apiPageSize = 100

// Backend implements provider.Backend against the DigitalOcean DNS API.
type Backend struct {
	client   *godo.Client
	zoneName string
}

// New constructs an uninitialized Backend; Init performs credential
// validation against the DigitalOcean API.
func New(zoneName string) *Backend {
	return &Backend{zoneName: zoneName}
}

// Init builds a godo client from the supplied bearer token and confirms the configured zone exists.
func (b *Backend) Init(ctx context.Context, credentials map[string]string) error {
	token := credentials["api_token"]
	if token == "" {
		return model.NewError(model.KindAuthFailed, "no digitalocean api token supplied", nil)
	}
	oauthClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client := godo.NewClient(oauthClient)

	if _, _, err := client.Domains.Get(ctx, model.NormalizeHostname(b.zoneName)); err != nil {
		return mapError(err, "resolving domain "+b.zoneName)
	}

	b.client = client
	return nil
}

// GetZoneName returns the configured zone apex.
func (b *Backend) GetZoneName() string { return b.zoneName }

// ListRecords lists every domain record in the zone.
func (b *Backend) ListRecords(ctx context.Context) ([]model.ProviderRecord, error) {
	domain := model.NormalizeHostname(b.zoneName)
	var out []model.ProviderRecord
	opts := &godo.ListOptions{PerPage: apiPageSize}
	for {
		records, resp, err := b.client.Domains.Records(ctx, domain, opts)
		if err != nil {
			return nil, mapError(err, "listing records")
		}
		for _, r := range records {
			out = append(out, toProviderRecord(domain, r))
		}
		if resp == nil || resp.Links == nil || resp.Links.IsLastPage() {
			break
		}
		page, err := resp.Links.CurrentPage()
		if err != nil {
			return nil, mapError(err, "paginating records")
		}
		opts.Page = page + 1
	}
	return out, nil
}

// CreateRecord creates a new domain record from d.
func (b *Backend) CreateRecord(ctx context.Context, d model.DesiredRecord) (model.ProviderRecord, error) {
	domain := model.NormalizeHostname(b.zoneName)
	record, _, err := b.client.Domains.CreateRecord(ctx, domain, toEditRequest(domain, d))
	if err != nil {
		return model.ProviderRecord{}, mapError(err, "creating record "+d.Name)
	}
	return toProviderRecord(domain, *record), nil
}

// UpdateRecord updates the record identified by externalID to match d.
func (b *Backend) UpdateRecord(ctx context.Context, externalID string, d model.DesiredRecord) (model.ProviderRecord, error) {
	domain := model.NormalizeHostname(b.zoneName)
	id, err := strconv.Atoi(externalID)
	if err != nil {
		return model.ProviderRecord{}, model.NewError(model.KindValidationFailed, "malformed digitalocean record id "+externalID, err)
	}
	record, _, editErr := b.client.Domains.EditRecord(ctx, domain, id, toEditRequest(domain, d))
	if editErr != nil {
		return model.ProviderRecord{}, mapError(editErr, "updating record "+d.Name)
	}
	return toProviderRecord(domain, *record), nil
}

// DeleteRecord deletes the record identified by externalID.
func (b *Backend) DeleteRecord(ctx context.Context, externalID string) error {
	domain := model.NormalizeHostname(b.zoneName)
	id, err := strconv.Atoi(externalID)
	if err != nil {
		return model.NewError(model.KindValidationFailed, "malformed digitalocean record id "+externalID, err)
	}
	if _, err := b.client.Domains.DeleteRecord(ctx, domain, id); err != nil {
		return mapError(err, "deleting record "+externalID)
	}
	return nil
}

func relativeName(domain, name string) string {
	name = model.NormalizeHostname(name)
	domain = model.NormalizeHostname(domain)
	rel := strings.TrimSuffix(name, "."+domain)
	if rel == domain || rel == "" {
		return "@"
	}
	return rel
}

func toEditRequest(domain string, d model.DesiredRecord) *godo.DomainRecordEditRequest {
	ttl := d.TTL
	if d.TTL == model.TTLAuto {
		ttl = 300
	}
	data := d.Content
	if d.Type == model.TypeCNAME && !strings.HasSuffix(data, ".") {
		data += "."
	}

	req := &godo.DomainRecordEditRequest{
		Name: relativeName(domain, d.Name),
		Type: string(d.Type),
		Data: data,
		TTL:  ttl,
	}
	switch d.Type {
	case model.TypeMX:
		req.Priority = d.Priority
	case model.TypeSRV:
		req.Priority = d.Priority
		req.Weight = d.Weight
		req.Port = d.Port
	case model.TypeCAA:
		req.Flags = d.Flags
		req.Tag = d.Tag
	}
	return req
}

func toProviderRecord(domain string, r godo.DomainRecord) model.ProviderRecord {
	name := r.Name + "." + domain
	if r.Name == "@" {
		name = domain
	}
	d := model.DesiredRecord{
		Type:     model.RecordType(r.Type),
		Name:     model.NormalizeHostname(name),
		Content:  r.Data,
		TTL:      r.TTL,
		Priority: r.Priority,
		Weight:   r.Weight,
		Port:     r.Port,
		Flags:    r.Flags,
		Tag:      r.Tag,
	}
	pr := model.ProviderRecord{DesiredRecord: d, ExternalID: strconv.Itoa(r.ID)}
	pr.Fingerprint = model.Fingerprint(d)
	return pr
}

// mapError classifies a godo error into the abstract taxonomy.
func mapError(err error, reason string) error {
	if err == nil {
		return nil
	}
	if errResp, ok := err.(*godo.ErrorResponse); ok && errResp.Response != nil {
		switch errResp.Response.StatusCode {
		case 401, 403:
			return model.NewError(model.KindAuthFailed, reason, err)
		case 429:
			return model.NewError(model.KindRateLimited, reason, err)
		case 404:
			return model.NewError(model.KindNotFound, reason, err)
		}
	}
	return model.NewError(model.KindNetworkFailed, reason, err)
}
