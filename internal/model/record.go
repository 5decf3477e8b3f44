// Package model defines the data types shared across the reconciliation
// engine: DNS record intent, provider-observed records, durable tracked
// state, and the error taxonomy used in place of ad-hoc error strings.
package model

import (
	"strings"

	"github.com/miekg/dns"
)

// RecordType is one of the record kinds the engine understands.
type RecordType string

const (
	TypeA     RecordType = "A"
	TypeAAAA  RecordType = "AAAA"
	TypeCNAME RecordType = "CNAME"
	TypeMX    RecordType = "MX"
	TypeTXT   RecordType = "TXT"
	TypeSRV   RecordType = "SRV"
	TypeCAA   RecordType = "CAA"
)

// TTLAuto is the provider sentinel meaning "let the provider pick a TTL".
const TTLAuto = 1

// NormalizeHostname lowercases a hostname and strips surrounding
// whitespace and any trailing dot, so the engine and every provider agree
// on one representation.
func NormalizeHostname(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = strings.TrimSuffix(h, ".")
	return h
}

// Fqdn returns the fully-qualified (trailing-dot) form of a hostname, as
// most DNS wire protocols and SDKs expect.
func Fqdn(h string) string {
	return dns.Fqdn(NormalizeHostname(h))
}

// DesiredRecord is the engine's intent for one DNS name.
type DesiredRecord struct {
	Type    RecordType
	Name    string
	Content string
	TTL     int
	Proxied *bool

	// Priority applies to MX and SRV.
	Priority int
	// Weight and Port apply to SRV.
	Weight int
	Port   int
	// Flags and Tag apply to CAA.
	Flags int
	Tag   string
}

// Skip marks a DesiredRecord as a no-op, recognized by IsSkip; the engine
// must not push it into a provider batch. The intent extractor does not
// return it: it signals a skip with its own Result.Skip flag.
var Skip = DesiredRecord{Type: "", Name: "__skip__"}

// IsSkip reports whether d is the skip marker.
func (d DesiredRecord) IsSkip() bool {
	return d.Type == "" && d.Name == Skip.Name
}

// ProviderRecord is what a provider returned: the desired fields plus
// provider-assigned identity and a drift-detection fingerprint.
type ProviderRecord struct {
	DesiredRecord
	ExternalID  string
	Fingerprint string
}

// Source identifies how a TrackedRecord came to exist.
type Source string

const (
	SourceProxy      Source = "proxy"
	SourceDirect     Source = "direct"
	SourceAPI        Source = "api"
	SourceManaged    Source = "managed"
	SourceDiscovered Source = "discovered"
)

// TrackedRecord is the engine's durable tombstone for one record it owns.
// Identity is (ProviderID, ExternalID).
type TrackedRecord struct {
	ProviderID   string
	ExternalID   string
	Record       DesiredRecord
	Source       Source
	Managed      bool
	OrphanedAt   *int64 // unix seconds, nil when active
	LastSyncedAt int64
}

// Key returns the (providerID, externalID) identity tuple as a map key.
func (t TrackedRecord) Key() TrackedKey {
	return TrackedKey{ProviderID: t.ProviderID, ExternalID: t.ExternalID}
}

// TrackedKey is the unique identity of a TrackedRecord.
type TrackedKey struct {
	ProviderID string
	ExternalID string
}

// ManagedHostname is an externally configured hostname the engine ensures
// exists regardless of discovery.
type ManagedHostname struct {
	Hostname   string
	Record     DesiredRecord
	ProviderID string
}

// IngressRoute is a tunnel-mode HTTP ingress route.
type IngressRoute struct {
	TunnelID   string
	Hostname   string
	Service    string
	Path       string
	Source     Source
	OrphanedAt *int64
}
