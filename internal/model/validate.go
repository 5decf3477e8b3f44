package model

import (
	"net"
	"strings"
)

// Validate checks a DesiredRecord against the type-dependent invariants
// (port and priority ranges, TTL rule, non-empty content, CNAME
// self-reference). It returns a *Error with kind ValidationFailed
// describing the first violation found, or nil.
func (d DesiredRecord) Validate(zoneApex string) *Error {
	if d.IsSkip() {
		return nil
	}

	if d.Name == "" {
		return NewError(KindValidationFailed, "record name is empty", nil)
	}

	if d.TTL != TTLAuto && d.TTL < 60 {
		return NewError(KindValidationFailed, "ttl must be 1 (auto) or >= 60", nil)
	}

	switch d.Type {
	case TypeA:
		ip := net.ParseIP(d.Content)
		if ip == nil || ip.To4() == nil {
			return NewError(KindValidationFailed, "content is not a valid IPv4 address", nil)
		}
	case TypeAAAA:
		ip := net.ParseIP(d.Content)
		if ip == nil || ip.To4() != nil {
			return NewError(KindValidationFailed, "content is not a valid IPv6 address", nil)
		}
	case TypeCNAME:
		if d.Content == "" {
			return NewError(KindValidationFailed, "cname content is empty", nil)
		}
		if zoneApex != "" && NormalizeHostname(d.Name) == NormalizeHostname(zoneApex) {
			return NewError(KindValidationFailed, "cname at zone apex is self-referencing", nil)
		}
	case TypeMX:
		if d.Content == "" {
			return NewError(KindValidationFailed, "mx content is empty", nil)
		}
		if d.Priority < 0 || d.Priority > 65535 {
			return NewError(KindValidationFailed, "mx priority out of range", nil)
		}
	case TypeSRV:
		if d.Content == "" {
			return NewError(KindValidationFailed, "srv target is empty", nil)
		}
		if d.Priority < 0 || d.Priority > 65535 {
			return NewError(KindValidationFailed, "srv priority out of range", nil)
		}
		if d.Weight < 0 || d.Weight > 65535 {
			return NewError(KindValidationFailed, "srv weight out of range", nil)
		}
		if d.Port < 1 || d.Port > 65535 {
			return NewError(KindValidationFailed, "srv port out of range", nil)
		}
	case TypeTXT:
		if d.Content == "" {
			return NewError(KindValidationFailed, "txt content is empty", nil)
		}
	case TypeCAA:
		if d.Content == "" {
			return NewError(KindValidationFailed, "caa content is empty", nil)
		}
		if d.Tag == "" {
			return NewError(KindValidationFailed, "caa tag is empty", nil)
		}
	default:
		return NewError(KindValidationFailed, "unknown record type: "+string(d.Type), nil)
	}

	return nil
}

// IsZoneApex reports whether hostname equals zone or is a bare
// trailing-dot variant of it.
func IsZoneApex(hostname, zone string) bool {
	return NormalizeHostname(hostname) == NormalizeHostname(zone)
}

// WithinZone reports whether hostname equals zone or is a subdomain of
// it.
func WithinZone(hostname, zone string) bool {
	hostname = NormalizeHostname(hostname)
	zone = NormalizeHostname(zone)
	if hostname == zone {
		return true
	}
	return strings.HasSuffix(hostname, "."+zone)
}
