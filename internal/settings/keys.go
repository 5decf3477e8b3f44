// Package settings implements a three-layer config precedence: persisted
// value ≻ environment variable ≻ compiled default. internal/config
// supplies the compiled-default and environment-variable layers; this
// package adds the persisted layer, typed Get/Set, and SETTINGS_CHANGED
// publication.
package settings

// ValueType is the declared type of a setting key.
type ValueType string

const (
	TypeString ValueType = "string"
	TypeInt    ValueType = "int"
	TypeBool   ValueType = "bool"
	TypeEnum   ValueType = "enum"
)

// Known setting keys.
const (
	KeyLogLevel              = "log_level"
	KeyCleanupOrphaned       = "cleanup_orphaned"
	KeyCleanupGracePeriod    = "cleanup_grace_period_seconds"
	KeyRoutingMode           = "dns_routing_mode"
	KeyMultiProviderSameZone = "dns_multi_provider_same_zone"
	KeyDefaultTTL            = "dns_default_ttl"
	KeyDefaultProxied        = "dns_default_proxied"
	KeyDefaultType           = "dns_default_type"
	KeyDefaultManage         = "dns_default_manage"
	KeyLabelPrefix           = "dns_label_prefix"
	KeyPollInterval          = "poll_interval_seconds"
	KeyIPRefreshInterval     = "ip_refresh_interval_seconds"
	KeyOperationMode         = "operation_mode" // restart-required
	KeyTunnelEnabled         = "tunnel_enabled"
)

// KeyDescriptor describes one setting key's type, default, and whether a
// process restart is required for a persisted change to take effect.
type KeyDescriptor struct {
	Key             string
	Type            ValueType
	Default         any
	EnumValues      []string
	RestartRequired bool
	// EnvVar is the environment variable this key reads as its
	// middle-precedence layer, or "" if the key has no env-var layer.
	EnvVar string
}

// Registry is the compiled-in list of every known setting key. Runtime-
// mutable keys (RestartRequired == false) are the ones the core honors
// live: log level, cleanup toggle, grace period, routing mode, default
// TTL/proxied flags, provider switch.
var Registry = []KeyDescriptor{
	{Key: KeyLogLevel, Type: TypeEnum, Default: "info", EnumValues: []string{"debug", "info", "warn", "error"}, EnvVar: "LOG_LEVEL"},
	{Key: KeyCleanupOrphaned, Type: TypeBool, Default: true, EnvVar: "CLEANUP_ORPHANED"},
	{Key: KeyCleanupGracePeriod, Type: TypeInt, Default: 15 * 60, EnvVar: "CLEANUP_GRACE_PERIOD"},
	{Key: KeyRoutingMode, Type: TypeEnum, Default: "auto-with-fallback", EnumValues: []string{"default-only", "auto", "auto-with-fallback"}, EnvVar: "DNS_ROUTING_MODE"},
	{Key: KeyMultiProviderSameZone, Type: TypeBool, Default: false, EnvVar: "DNS_MULTI_PROVIDER_SAME_ZONE"},
	{Key: KeyDefaultTTL, Type: TypeInt, Default: 300, EnvVar: "DNS_DEFAULT_TTL"},
	{Key: KeyDefaultProxied, Type: TypeBool, Default: false, EnvVar: "DNS_DEFAULT_PROXIED"},
	{Key: KeyDefaultType, Type: TypeEnum, Default: "A", EnumValues: []string{"A", "AAAA", "CNAME", "MX", "TXT", "SRV", "CAA"}, EnvVar: "DNS_DEFAULT_TYPE"},
	{Key: KeyDefaultManage, Type: TypeBool, Default: true, EnvVar: "DNS_DEFAULT_MANAGE"},
	{Key: KeyLabelPrefix, Type: TypeString, Default: "dns.", EnvVar: "DNS_LABEL_PREFIX"},
	{Key: KeyPollInterval, Type: TypeInt, Default: 30, EnvVar: "POLL_INTERVAL"},
	{Key: KeyIPRefreshInterval, Type: TypeInt, Default: 300, EnvVar: "IP_REFRESH_INTERVAL"},
	{Key: KeyOperationMode, Type: TypeEnum, Default: "traefik", EnumValues: []string{"traefik", "direct"}, RestartRequired: true, EnvVar: "OPERATION_MODE"},
	{Key: KeyTunnelEnabled, Type: TypeBool, Default: false, RestartRequired: true, EnvVar: "TUNNEL_ENABLED"},
}

func descriptor(key string) (KeyDescriptor, bool) {
	for _, d := range Registry {
		if d.Key == key {
			return d, true
		}
	}
	return KeyDescriptor{}, false
}
