package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_RequiresProviders(t *testing.T) {
	clearEnv()
	defer clearEnv()

	_, err := Load()
	if err == nil {
		t.Error("expected error when no providers are configured")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv()
	setRequiredEnv()
	defer clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ConfigDir != DefaultConfigDir {
		t.Errorf("expected default ConfigDir %s, got %s", DefaultConfigDir, cfg.ConfigDir)
	}
	if cfg.DockerHost != DefaultDockerHost {
		t.Errorf("expected default DockerHost %s, got %s", DefaultDockerHost, cfg.DockerHost)
	}
	if cfg.DockerMode != DefaultDockerMode {
		t.Errorf("expected default DockerMode %s, got %s", DefaultDockerMode, cfg.DockerMode)
	}
	if cfg.HealthPort != DefaultHealthPort {
		t.Errorf("expected default HealthPort %d, got %d", DefaultHealthPort, cfg.HealthPort)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Errorf("expected default LogLevel %s, got %s", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.ProxyAPIURL != DefaultProxyURL {
		t.Errorf("expected default ProxyAPIURL %s, got %s", DefaultProxyURL, cfg.ProxyAPIURL)
	}
}

func TestLoad_Providers(t *testing.T) {
	clearEnv()
	setRequiredEnv()
	defer clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.ID != "cf1" || p.Type != "cloudflare" || p.Zone != "example.com" || !p.IsDefault {
		t.Errorf("unexpected provider: %+v", p)
	}
	if p.Credentials["api_token"] != "secret-token" {
		t.Errorf("expected credentials to round-trip, got %+v", p.Credentials)
	}
}

func TestLoad_ProvidersFromFile(t *testing.T) {
	clearEnv()
	defer clearEnv()

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "providers.json")
	if err := os.WriteFile(path, []byte(providersJSON), 0o600); err != nil {
		t.Fatalf("failed to write providers file: %v", err)
	}
	os.Setenv("PROVIDERS_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("expected 1 provider, got %d", len(cfg.Providers))
	}
}

func TestLoad_InvalidProvidersJSON(t *testing.T) {
	clearEnv()
	defer clearEnv()
	os.Setenv("PROVIDERS_CONFIG", `not json`)

	_, err := Load()
	if err == nil {
		t.Error("expected error for malformed PROVIDERS_CONFIG")
	}
}

func TestLoad_DuplicateProviderID(t *testing.T) {
	clearEnv()
	defer clearEnv()
	os.Setenv("PROVIDERS_CONFIG", `[
		{"id":"cf1","name":"a","type":"cloudflare","zone":"example.com","credentials":{"api_token":"x"}},
		{"id":"cf1","name":"b","type":"cloudflare","zone":"example.org","credentials":{"api_token":"y"}}
	]`)

	_, err := Load()
	if err == nil {
		t.Error("expected error for duplicate provider id")
	}
}

func TestLoad_UnknownProviderType(t *testing.T) {
	clearEnv()
	defer clearEnv()
	os.Setenv("PROVIDERS_CONFIG", `[{"id":"p1","name":"a","type":"bogus","zone":"example.com"}]`)

	_, err := Load()
	if err == nil {
		t.Error("expected error for unknown provider type")
	}
}

func TestLoad_MultipleDefaults(t *testing.T) {
	clearEnv()
	defer clearEnv()
	os.Setenv("PROVIDERS_CONFIG", `[
		{"id":"p1","name":"a","type":"cloudflare","zone":"example.com","isDefault":true,"credentials":{"api_token":"x"}},
		{"id":"p2","name":"b","type":"route53","zone":"example.org","isDefault":true,"credentials":{"access_key_id":"y"}}
	]`)

	_, err := Load()
	if err == nil {
		t.Error("expected error when more than one provider is marked default")
	}
}

func TestLoad_PreservedHostnames(t *testing.T) {
	clearEnv()
	setRequiredEnv()
	os.Setenv("PRESERVED_HOSTNAMES", "keep.example.com, *.static.example.com")
	defer clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.PreservedHostnames) != 2 {
		t.Fatalf("expected 2 preserved hostnames, got %v", cfg.PreservedHostnames)
	}
	if cfg.PreservedHostnames[1] != "*.static.example.com" {
		t.Errorf("expected trimmed pattern, got %q", cfg.PreservedHostnames[1])
	}
}

func TestLoad_ManagedHostnames(t *testing.T) {
	clearEnv()
	setRequiredEnv()
	os.Setenv("MANAGED_HOSTNAMES", `[{"hostname":"static.example.com","providerId":"cf1","type":"A","content":"10.0.0.5","ttl":300}]`)
	defer clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.ManagedHostnames) != 1 || cfg.ManagedHostnames[0].Hostname != "static.example.com" {
		t.Errorf("unexpected managed hostnames: %+v", cfg.ManagedHostnames)
	}
}

func TestLoad_InvalidPublicIP(t *testing.T) {
	clearEnv()
	setRequiredEnv()
	os.Setenv("PUBLIC_IP", "not-an-ip")
	defer clearEnv()

	_, err := Load()
	if err == nil {
		t.Error("expected error for invalid PUBLIC_IP")
	}
}

func TestLoad_InvalidDockerMode(t *testing.T) {
	clearEnv()
	setRequiredEnv()
	os.Setenv("DOCKER_MODE", "invalid")
	defer clearEnv()

	_, err := Load()
	if err == nil {
		t.Error("expected error for invalid docker mode")
	}
}

func TestLoad_InvalidHealthPort(t *testing.T) {
	tests := []struct {
		name string
		port string
	}{
		{"not a number", "abc"},
		{"too low", "0"},
		{"too high", "70000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv()
			setRequiredEnv()
			os.Setenv("HEALTH_PORT", tt.port)
			defer clearEnv()

			_, err := Load()
			if err == nil {
				t.Errorf("expected error for health port %s", tt.port)
			}
		})
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	clearEnv()
	setRequiredEnv()
	os.Setenv("LOG_LEVEL", "verbose")
	defer clearEnv()

	_, err := Load()
	if err == nil {
		t.Error("expected error for invalid log level")
	}
}

func TestLoad_ProxyBasicAuthFromFile(t *testing.T) {
	clearEnv()
	setRequiredEnv()
	tmpDir := t.TempDir()
	passFile := filepath.Join(tmpDir, "pass")
	if err := os.WriteFile(passFile, []byte("s3cret\n"), 0o600); err != nil {
		t.Fatalf("failed to write pass file: %v", err)
	}
	os.Setenv("PROXY_BASIC_AUTH_USER", "admin")
	os.Setenv("PROXY_BASIC_AUTH_PASS_FILE", passFile)
	defer clearEnv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ProxyBasicAuthUser != "admin" {
		t.Errorf("expected user admin, got %s", cfg.ProxyBasicAuthUser)
	}
	if cfg.ProxyBasicAuthPass != "s3cret" {
		t.Errorf("expected trimmed password, got %q", cfg.ProxyBasicAuthPass)
	}
}

const providersJSON = `[{"id":"cf1","name":"cloudflare-main","type":"cloudflare","zone":"example.com","isDefault":true,"credentials":{"api_token":"secret-token"}}]`

func clearEnv() {
	envVars := []string{
		"CONFIG_DIR", "DOCKER_HOST", "DOCKER_MODE", "HEALTH_PORT",
		"PROXY_API_URL", "PROXY_BASIC_AUTH_USER", "PROXY_BASIC_AUTH_PASS", "PROXY_BASIC_AUTH_PASS_FILE",
		"PROVIDERS_CONFIG", "PROVIDERS_CONFIG_FILE",
		"PRESERVED_HOSTNAMES", "MANAGED_HOSTNAMES", "MANAGED_HOSTNAMES_FILE",
		"PUBLIC_IP", "PUBLIC_IPV6",
		"TUNNEL_NAME", "TUNNEL_ACCOUNT_ID", "TUNNEL_ACCOUNT_ID_FILE",
		"LOG_LEVEL",
	}
	for _, v := range envVars {
		os.Unsetenv(v)
	}
}

func setRequiredEnv() {
	os.Setenv("PROVIDERS_CONFIG", providersJSON)
}
