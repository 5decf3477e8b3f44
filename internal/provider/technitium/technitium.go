// Package technitium adapts the Technitium DNS Server HTTP API to the
// provider.Backend contract, using its request/response envelope and
// token-in-query-params auth scheme. It covers the full record-type set
// and synthesizes a stable external ID, since Technitium's record API has
// no independent record ID.
package technitium

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	cleanhttp "github.com/hashicorp/go-cleanhttp"

	"github.com/elmerfds/trafegodns/internal/model"
)

// Backend implements provider.Backend against a Technitium DNS Server.
type Backend struct {
	baseURL    string
	token      string
	zoneName   string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient overrides the pooled go-cleanhttp client.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) { b.httpClient = client }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// New constructs an uninitialized Backend for the given zone.
func New(zoneName string, opts ...Option) *Backend {
	b := &Backend{
		zoneName:   zoneName,
		httpClient: cleanhttp.DefaultPooledClient(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Init stores the server URL and API token and confirms the zone exists.
func (b *Backend) Init(ctx context.Context, credentials map[string]string) error {
	b.baseURL = strings.TrimSuffix(credentials["url"], "/")
	b.token = credentials["token"]
	if b.baseURL == "" || b.token == "" {
		return model.NewError(model.KindAuthFailed, "technitium url/token not configured", nil)
	}

	params := url.Values{}
	params.Set("zone", model.NormalizeHostname(b.zoneName))
	if _, err := b.doRequest(ctx, "/api/zones/get", params); err != nil {
		return mapError(err, "resolving zone "+b.zoneName)
	}
	return nil
}

// GetZoneName returns the configured zone apex.
func (b *Backend) GetZoneName() string { return b.zoneName }

// record is one entry in a Technitium records/get response.
type record struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	TTL      int    `json:"ttl"`
	Disabled bool   `json:"disabled"`
	RData    rdata  `json:"rData"`
}

type rdata struct {
	IPAddress  string `json:"ipAddress,omitempty"`
	CNAME      string `json:"cname,omitempty"`
	Exchange   string `json:"exchange,omitempty"`
	Preference int    `json:"preference,omitempty"`
	Text       string `json:"text,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	Weight     int    `json:"weight,omitempty"`
	Port       int    `json:"port,omitempty"`
	Target     string `json:"target,omitempty"`
	Flags      int    `json:"flags,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Value      string `json:"value,omitempty"`
}

type recordsResponse struct {
	Records []record `json:"records"`
}

// ListRecords lists every record in the zone.
func (b *Backend) ListRecords(ctx context.Context) ([]model.ProviderRecord, error) {
	params := url.Values{}
	params.Set("zone", model.NormalizeHostname(b.zoneName))
	params.Set("domain", model.NormalizeHostname(b.zoneName))
	params.Set("listZone", "true")

	apiResp, err := b.doRequest(ctx, "/api/zones/records/get", params)
	if err != nil {
		return nil, mapError(err, "listing records")
	}
	var parsed recordsResponse
	if err := json.Unmarshal(apiResp.Response, &parsed); err != nil {
		return nil, model.NewError(model.KindNetworkFailed, "parsing records response", err)
	}

	out := make([]model.ProviderRecord, 0, len(parsed.Records))
	for _, r := range parsed.Records {
		if !isSupportedType(r.Type) {
			continue
		}
		out = append(out, toProviderRecord(r))
	}
	return out, nil
}

// CreateRecord creates a record of the type described by d.
func (b *Backend) CreateRecord(ctx context.Context, d model.DesiredRecord) (model.ProviderRecord, error) {
	params := addParams(b.zoneName, d)
	if _, err := b.doRequest(ctx, "/api/zones/records/add", params); err != nil {
		return model.ProviderRecord{}, mapError(err, "creating record "+d.Name)
	}
	return providerRecordFromDesired(d), nil
}

// UpdateRecord replaces the record identified by externalID with d.
// Technitium's update endpoint requires the previous rdata to locate the
// record, so this decodes it from externalID and issues an update call.
func (b *Backend) UpdateRecord(ctx context.Context, externalID string, d model.DesiredRecord) (model.ProviderRecord, error) {
	prevName, prevType, prevContent, ok := splitExternalID(externalID)
	if !ok {
		return model.ProviderRecord{}, model.NewError(model.KindValidationFailed, "malformed technitium external id "+externalID, nil)
	}
	params := addParams(b.zoneName, d)
	params.Set("domain", model.NormalizeHostname(prevName))
	params.Set("type", prevType)
	params.Set("value", prevContent)
	params.Set("newDomain", model.NormalizeHostname(d.Name))

	if _, err := b.doRequest(ctx, "/api/zones/records/update", params); err != nil {
		return model.ProviderRecord{}, mapError(err, "updating record "+d.Name)
	}
	return providerRecordFromDesired(d), nil
}

// DeleteRecord deletes the record identified by externalID.
func (b *Backend) DeleteRecord(ctx context.Context, externalID string) error {
	name, typ, content, ok := splitExternalID(externalID)
	if !ok {
		return model.NewError(model.KindValidationFailed, "malformed technitium external id "+externalID, nil)
	}
	params := url.Values{}
	params.Set("zone", model.NormalizeHostname(b.zoneName))
	params.Set("domain", model.NormalizeHostname(name))
	params.Set("type", typ)
	if content != "" {
		params.Set("value", content)
	}
	if _, err := b.doRequest(ctx, "/api/zones/records/delete", params); err != nil {
		return mapError(err, "deleting record "+externalID)
	}
	return nil
}

func isSupportedType(typ string) bool {
	switch strings.ToUpper(typ) {
	case "A", "AAAA", "CNAME", "MX", "TXT", "SRV", "CAA":
		return true
	default:
		return false
	}
}

func contentOf(r record) string {
	switch strings.ToUpper(r.Type) {
	case "A", "AAAA":
		return r.RData.IPAddress
	case "CNAME":
		return r.RData.CNAME
	case "MX":
		return r.RData.Exchange
	case "TXT":
		return r.RData.Text
	case "SRV":
		return r.RData.Target
	case "CAA":
		return r.RData.Value
	default:
		return r.RData.Value
	}
}

func externalIDFor(name, typ, content string) string {
	return fmt.Sprintf("%s|%s|%s", model.NormalizeHostname(name), strings.ToUpper(typ), content)
}

func splitExternalID(id string) (name, typ, content string, ok bool) {
	parts := strings.SplitN(id, "|", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func toProviderRecord(r record) model.ProviderRecord {
	content := contentOf(r)
	d := model.DesiredRecord{
		Type:    model.RecordType(strings.ToUpper(r.Type)),
		Name:    model.NormalizeHostname(r.Name),
		Content: content,
		TTL:     r.TTL,
	}
	switch d.Type {
	case model.TypeMX:
		d.Priority = r.RData.Preference
	case model.TypeSRV:
		d.Priority = r.RData.Priority
		d.Weight = r.RData.Weight
		d.Port = r.RData.Port
	case model.TypeCAA:
		d.Flags = r.RData.Flags
		d.Tag = r.RData.Tag
	}
	pr := model.ProviderRecord{DesiredRecord: d, ExternalID: externalIDFor(r.Name, r.Type, content)}
	pr.Fingerprint = model.Fingerprint(d)
	return pr
}

func providerRecordFromDesired(d model.DesiredRecord) model.ProviderRecord {
	pr := model.ProviderRecord{DesiredRecord: d, ExternalID: externalIDFor(d.Name, string(d.Type), d.Content)}
	pr.Fingerprint = model.Fingerprint(d)
	return pr
}

func addParams(zone string, d model.DesiredRecord) url.Values {
	params := url.Values{}
	params.Set("zone", model.NormalizeHostname(zone))
	params.Set("domain", model.NormalizeHostname(d.Name))
	params.Set("type", string(d.Type))
	if d.TTL != model.TTLAuto {
		params.Set("ttl", strconv.Itoa(d.TTL))
	}
	switch d.Type {
	case model.TypeA, model.TypeAAAA:
		params.Set("ipAddress", d.Content)
	case model.TypeCNAME:
		params.Set("cname", model.Fqdn(d.Content))
	case model.TypeMX:
		params.Set("exchange", model.Fqdn(d.Content))
		params.Set("preference", strconv.Itoa(d.Priority))
	case model.TypeTXT:
		params.Set("text", d.Content)
	case model.TypeSRV:
		params.Set("target", model.Fqdn(d.Content))
		params.Set("priority", strconv.Itoa(d.Priority))
		params.Set("weight", strconv.Itoa(d.Weight))
		params.Set("port", strconv.Itoa(d.Port))
	case model.TypeCAA:
		params.Set("flags", strconv.Itoa(d.Flags))
		params.Set("tag", d.Tag)
		params.Set("value", d.Content)
	}
	return params
}

// apiResponse is the standard Technitium API response wrapper.
type apiResponse struct {
	Status       string          `json:"status"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
}

func (b *Backend) doRequest(ctx context.Context, endpoint string, params url.Values) (*apiResponse, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("token", b.token)

	reqURL := fmt.Sprintf("%s%s?%s", b.baseURL, endpoint, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, authError{status: resp.StatusCode}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, rateLimitError{}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if apiResp.Status == "error" {
		if strings.Contains(strings.ToLower(apiResp.ErrorMessage), "not found") {
			return nil, notFoundError{msg: apiResp.ErrorMessage}
		}
		if strings.Contains(strings.ToLower(apiResp.ErrorMessage), "invalid token") {
			return nil, authError{status: http.StatusUnauthorized}
		}
		return nil, fmt.Errorf("api error: %s", apiResp.ErrorMessage)
	}

	b.logger.Debug("technitium api request completed", slog.String("endpoint", endpoint))
	return &apiResp, nil
}

type authError struct{ status int }

func (e authError) Error() string { return fmt.Sprintf("technitium auth failed (status %d)", e.status) }

type rateLimitError struct{}

func (rateLimitError) Error() string { return "technitium rate limited" }

type notFoundError struct{ msg string }

func (e notFoundError) Error() string { return e.msg }

// mapError classifies a technitium client error into the abstract
// taxonomy.
func mapError(err error, reason string) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case authError:
		return model.NewError(model.KindAuthFailed, reason, err)
	case rateLimitError:
		return model.NewError(model.KindRateLimited, reason, err)
	case notFoundError:
		return model.NewError(model.KindNotFound, reason, err)
	default:
		return model.NewError(model.KindNetworkFailed, reason, err)
	}
}
