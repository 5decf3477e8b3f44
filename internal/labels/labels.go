// Package labels extracts proxy hostnames and per-hostname DNS intent from
// container/service labels. The Host(`...`) rule regex matches the
// original Traefik label parser's; the label vocabulary expands from
// "one label scans for a hostname" to the full {prefix}skip/manage/type/
// content/ttl/proxied/priority/weight/port/flags/tag/provider/
// provider.id/providers/tunnel set.
package labels

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// hostRegex matches Host(`hostname`) and HostRegexp(`hostname`) patterns in
// a reverse-proxy router rule. Captures the hostname inside the backticks.
var hostRegex = regexp.MustCompile("Host(?:Regexp)?\\(`([^`]+)`\\)")

// routerRuleSuffix is the label suffix carrying a router's matching rule.
const routerRuleSuffix = ".rule"

// Parser extracts hostnames and per-hostname label maps from proxy router
// rule labels.
type Parser struct {
	logger *slog.Logger
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ParserOption {
	return func(p *Parser) { p.logger = logger }
}

// NewParser creates a new router-rule label parser.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ExtractHosts extracts all hostnames from reverse-proxy router rule
// labels (traefik.http.routers.*.rule and equivalents), deduplicated.
func (p *Parser) ExtractHosts(routerLabels map[string]string) []string {
	seen := make(map[string]struct{})
	var hosts []string

	for key, value := range routerLabels {
		if !isRouterRuleLabel(key) {
			continue
		}
		for _, hostname := range ExtractHostsFromRule(value) {
			if _, exists := seen[hostname]; !exists {
				seen[hostname] = struct{}{}
				hosts = append(hosts, hostname)
			}
		}
	}

	p.logger.Debug("extracted hosts from labels", slog.Int("count", len(hosts)))
	return hosts
}

func isRouterRuleLabel(key string) bool {
	if !strings.HasPrefix(key, "traefik.http.routers.") {
		return false
	}
	if !strings.HasSuffix(key, routerRuleSuffix) {
		return false
	}
	parts := strings.Split(key, ".")
	return len(parts) >= 5
}

// ExtractHostsFromRule extracts all hostnames from a single router rule
// string, deduplicated.
func ExtractHostsFromRule(rule string) []string {
	seen := make(map[string]struct{})
	var hosts []string
	for _, match := range hostRegex.FindAllStringSubmatch(rule, -1) {
		if len(match) < 2 {
			continue
		}
		hostname := strings.TrimSpace(match[1])
		if hostname == "" {
			continue
		}
		if _, exists := seen[hostname]; !exists {
			seen[hostname] = struct{}{}
			hosts = append(hosts, hostname)
		}
	}
	return hosts
}

// DirectHosts extracts the hostname set for direct discovery mode from
// a `{prefix}host` label containing one fqdn, or several
// space/comma-separated.
func DirectHosts(containerLabels map[string]string, prefix string) []string {
	raw, ok := containerLabels[prefix+"host"]
	if !ok {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
	seen := make(map[string]struct{})
	var hosts []string
	for _, f := range fields {
		h := strings.TrimSpace(f)
		if h == "" {
			continue
		}
		if _, exists := seen[h]; !exists {
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
	}
	return hosts
}

// Intent is the set of per-hostname label values the Intent Extractor
// reads, parsed out of a raw label map and a configurable
// prefix. Any field left as its zero value falls back to settings defaults.
type Intent struct {
	Skip      bool
	SkipSet   bool
	Manage    bool
	ManageSet bool

	Type    string
	Content string

	TTL    int
	TTLSet bool

	Proxied    bool
	ProxiedSet bool

	Priority int
	Weight   int
	Port     int
	Flags    int
	Tag      string

	// Routing labels.
	Providers  string // "all" or a comma-separated name list
	ProviderID string
	Provider   string

	TunnelEnabled bool
	TunnelSet     bool
}

// Extract reads the {prefix}-scoped DNS intent labels out of hostLabels.
func Extract(hostLabels map[string]string, prefix string) Intent {
	var in Intent

	if v, ok := hostLabels[prefix+"skip"]; ok {
		in.Skip = parseBool(v)
		in.SkipSet = true
	}
	if v, ok := hostLabels[prefix+"manage"]; ok {
		in.Manage = parseBool(v)
		in.ManageSet = true
	}
	in.Type = strings.ToUpper(strings.TrimSpace(hostLabels[prefix+"type"]))
	in.Content = strings.TrimSpace(hostLabels[prefix+"content"])

	if v, ok := hostLabels[prefix+"ttl"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			in.TTL = n
			in.TTLSet = true
		}
	}
	if v, ok := hostLabels[prefix+"proxied"]; ok {
		in.Proxied = parseBool(v)
		in.ProxiedSet = true
	}
	in.Priority = atoiOr(hostLabels[prefix+"priority"], 0)
	in.Weight = atoiOr(hostLabels[prefix+"weight"], 0)
	in.Port = atoiOr(hostLabels[prefix+"port"], 0)
	in.Flags = atoiOr(hostLabels[prefix+"flags"], 0)
	in.Tag = strings.TrimSpace(hostLabels[prefix+"tag"])

	in.Providers = strings.TrimSpace(hostLabels[prefix+"providers"])
	in.ProviderID = strings.TrimSpace(hostLabels[prefix+"provider.id"])
	in.Provider = strings.TrimSpace(hostLabels[prefix+"provider"])

	if v, ok := hostLabels[prefix+"tunnel"]; ok {
		in.TunnelEnabled = parseBool(v)
		in.TunnelSet = true
	}

	return in
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func atoiOr(s string, fallback int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
