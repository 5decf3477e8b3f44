package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint computes a stable hash of the canonical fields of a
// DesiredRecord, used by providers to detect drift without a
// field-by-field compare.
func Fingerprint(d DesiredRecord) string {
	proxied := "nil"
	if d.Proxied != nil {
		proxied = fmt.Sprintf("%v", *d.Proxied)
	}
	canonical := fmt.Sprintf(
		"%s|%s|%s|%d|%s|%d|%d|%d|%d|%s",
		d.Type, NormalizeHostname(d.Name), d.Content, d.TTL, proxied,
		d.Priority, d.Weight, d.Port, d.Flags, d.Tag,
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

// Matches reports whether a ProviderRecord and a DesiredRecord describe
// the same logical record slot, using the type's discriminator fields:
// MX priority, SRV target+port, CAA tag, TXT content, plain name+type
// otherwise.
func Matches(pr ProviderRecord, d DesiredRecord) bool {
	if pr.Type != d.Type || NormalizeHostname(pr.Name) != NormalizeHostname(d.Name) {
		return false
	}
	switch d.Type {
	case TypeMX:
		return pr.Priority == d.Priority
	case TypeSRV:
		return pr.Content == d.Content && pr.Port == d.Port
	case TypeCAA:
		return pr.Tag == d.Tag
	case TypeTXT:
		return pr.Content == d.Content
	default:
		return true
	}
}
