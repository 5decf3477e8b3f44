// Package config loads the bootstrap configuration trafegodns needs before
// any persisted state exists: where CONFIG_DIR lives, how to reach Docker,
// the proxy API endpoint, the DNS providers to register, and the initial
// preserved/managed hostname lists. Everything the core honors live (log
// level, cleanup policy, routing mode, ...) is the settings package's
// concern instead — this package only supplies the values settings.Store
// and internal/provider need to even start up. Uses a getEnvOrFile/
// _FILE-secret idiom, generalized from one Technitium target to an
// arbitrary provider list.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// ProviderDef describes one DNS provider instance to register at startup.
type ProviderDef struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"` // cloudflare, route53, digitalocean, technitium
	Zone        string            `json:"zone"`
	IsDefault   bool              `json:"isDefault"`
	Credentials map[string]string `json:"credentials"`
}

// ManagedHostnameDef bootstraps one ManagedHostname.
type ManagedHostnameDef struct {
	Hostname   string `json:"hostname"`
	ProviderID string `json:"providerId"`
	Type       string `json:"type"`
	Content    string `json:"content"`
	TTL        int    `json:"ttl"`
}

// Config is the bootstrap configuration loaded once at startup.
type Config struct {
	ConfigDir string

	DockerHost string
	DockerMode string // "auto", "swarm", or "standalone"

	HealthPort int

	ProxyAPIURL        string
	ProxyBasicAuthUser string
	ProxyBasicAuthPass string

	Providers          []ProviderDef
	PreservedHostnames []string
	ManagedHostnames   []ManagedHostnameDef

	PublicIPv4 string
	PublicIPv6 string

	TunnelName      string
	TunnelAccountID string

	LogLevel string
}

// Defaults
const (
	DefaultConfigDir  = "/config"
	DefaultDockerHost = "unix:///var/run/docker.sock"
	DefaultDockerMode = "auto"
	DefaultHealthPort = 8080
	DefaultLogLevel   = "info"
	DefaultProxyURL   = "http://traefik:8080"
)

// Load reads configuration from environment variables. Supports a _FILE
// suffix for Docker secrets (reads the file contents) on every string
// field that can carry a credential.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.ConfigDir = os.Getenv("CONFIG_DIR")
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = DefaultConfigDir
	}

	cfg.DockerHost = os.Getenv("DOCKER_HOST")
	if cfg.DockerHost == "" {
		cfg.DockerHost = DefaultDockerHost
	}

	cfg.DockerMode = strings.ToLower(os.Getenv("DOCKER_MODE"))
	if cfg.DockerMode == "" {
		cfg.DockerMode = DefaultDockerMode
	}
	if cfg.DockerMode != "auto" && cfg.DockerMode != "swarm" && cfg.DockerMode != "standalone" {
		errs = append(errs, "DOCKER_MODE must be 'auto', 'swarm', or 'standalone'")
	}

	healthPortStr := os.Getenv("HEALTH_PORT")
	if healthPortStr != "" {
		port, err := strconv.Atoi(healthPortStr)
		if err != nil {
			errs = append(errs, fmt.Sprintf("HEALTH_PORT must be a valid integer: %v", err))
		} else if port < 1 || port > 65535 {
			errs = append(errs, "HEALTH_PORT must be between 1 and 65535")
		} else {
			cfg.HealthPort = port
		}
	} else {
		cfg.HealthPort = DefaultHealthPort
	}

	cfg.ProxyAPIURL = strings.TrimSuffix(getEnvOrFile("PROXY_API_URL"), "/")
	if cfg.ProxyAPIURL == "" {
		cfg.ProxyAPIURL = DefaultProxyURL
	}
	cfg.ProxyBasicAuthUser = getEnvOrFile("PROXY_BASIC_AUTH_USER")
	cfg.ProxyBasicAuthPass = getEnvOrFile("PROXY_BASIC_AUTH_PASS")

	providers, err := loadProviders()
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.Providers = providers
	if err := validateProviders(providers); err != nil {
		errs = append(errs, err.Error())
	}

	preserved, err := loadPreservedHostnames()
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.PreservedHostnames = preserved

	managed, err := loadManagedHostnames()
	if err != nil {
		errs = append(errs, err.Error())
	}
	cfg.ManagedHostnames = managed

	cfg.PublicIPv4 = getEnvOrFile("PUBLIC_IP")
	if cfg.PublicIPv4 != "" && net.ParseIP(cfg.PublicIPv4) == nil {
		errs = append(errs, fmt.Sprintf("PUBLIC_IP is not a valid IP address: %s", cfg.PublicIPv4))
	}
	cfg.PublicIPv6 = getEnvOrFile("PUBLIC_IPV6")
	if cfg.PublicIPv6 != "" && net.ParseIP(cfg.PublicIPv6) == nil {
		errs = append(errs, fmt.Sprintf("PUBLIC_IPV6 is not a valid IP address: %s", cfg.PublicIPv6))
	}

	cfg.TunnelName = os.Getenv("TUNNEL_NAME")
	cfg.TunnelAccountID = getEnvOrFile("TUNNEL_ACCOUNT_ID")

	cfg.LogLevel = strings.ToLower(os.Getenv("LOG_LEVEL"))
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" && cfg.LogLevel != "error" {
		errs = append(errs, "LOG_LEVEL must be 'debug', 'info', 'warn', or 'error'")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// loadProviders parses PROVIDERS_CONFIG (inline JSON array) or
// PROVIDERS_CONFIG_FILE (path to the same JSON), the bootstrap mechanism
// for "Provider" in a core with no admin API.
func loadProviders() ([]ProviderDef, error) {
	raw := os.Getenv("PROVIDERS_CONFIG")
	if raw == "" {
		if path := os.Getenv("PROVIDERS_CONFIG_FILE"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading PROVIDERS_CONFIG_FILE: %w", err)
			}
			raw = string(data)
		}
	}
	if raw == "" {
		return nil, fmt.Errorf("PROVIDERS_CONFIG or PROVIDERS_CONFIG_FILE is required: at least one provider must be configured")
	}

	var defs []ProviderDef
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, fmt.Errorf("parsing PROVIDERS_CONFIG: %w", err)
	}
	return defs, nil
}

func validateProviders(defs []ProviderDef) error {
	if len(defs) == 0 {
		return fmt.Errorf("PROVIDERS_CONFIG must declare at least one provider")
	}
	seen := make(map[string]bool, len(defs))
	defaults := 0
	for _, d := range defs {
		if d.ID == "" {
			return fmt.Errorf("provider entry missing id")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate provider id %q", d.ID)
		}
		seen[d.ID] = true
		switch d.Type {
		case "cloudflare", "route53", "digitalocean", "technitium":
		default:
			return fmt.Errorf("provider %q has unknown type %q", d.ID, d.Type)
		}
		if d.Zone == "" {
			return fmt.Errorf("provider %q missing zone", d.ID)
		}
		if d.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("only one provider may set isDefault")
	}
	return nil
}

// loadPreservedHostnames parses PRESERVED_HOSTNAMES as a comma-separated
// list of exact hostnames or single leading-wildcard patterns
// ("*.example.com").
func loadPreservedHostnames() ([]string, error) {
	raw := getEnvOrFile("PRESERVED_HOSTNAMES")
	if raw == "" {
		return nil, nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

// loadManagedHostnames parses MANAGED_HOSTNAMES (inline JSON array) or
// MANAGED_HOSTNAMES_FILE, bootstrapping ManagedHostname entries
// that do not originate from discovery.
func loadManagedHostnames() ([]ManagedHostnameDef, error) {
	raw := os.Getenv("MANAGED_HOSTNAMES")
	if raw == "" {
		if path := os.Getenv("MANAGED_HOSTNAMES_FILE"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("reading MANAGED_HOSTNAMES_FILE: %w", err)
			}
			raw = string(data)
		}
	}
	if raw == "" {
		return nil, nil
	}
	var defs []ManagedHostnameDef
	if err := json.Unmarshal([]byte(raw), &defs); err != nil {
		return nil, fmt.Errorf("parsing MANAGED_HOSTNAMES: %w", err)
	}
	return defs, nil
}

// getEnvOrFile returns the value of an environment variable, or if
// VAR_FILE is set, reads the contents from that file. Supports the Docker
// secrets pattern.
func getEnvOrFile(key string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	fileKey := key + "_FILE"
	if filePath := os.Getenv(fileKey); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
	return ""
}
