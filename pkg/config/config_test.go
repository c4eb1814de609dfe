package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ListenAddr != ":8085" || cfg.DefaultBuilderSize != "small" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RetryAttempts != 5 || cfg.RetryDelay != 5*time.Second || cfg.DNSPollInterval != 5*time.Second {
		t.Fatalf("unexpected retry defaults %+v", cfg)
	}
	if cfg.Broker.Timeout != 30*time.Second || cfg.SweepInterval != time.Minute {
		t.Fatalf("unexpected duration defaults %+v", cfg)
	}
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	path := filepath.Join(dir, "config.yaml")
	content := `
namespace: ci
default_builder_size: medium
broker:
  host: broker.example.com
  username: builder
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("BUILDERCLOUD_BROKER_PASSWORD", "secret")
	t.Setenv("BUILDERCLOUD_RETRY_ATTEMPTS", "3")

	cfg, err := Load([]string{"--config", path, "--listen-addr", ":9999"})
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Namespace != "ci" || cfg.DefaultBuilderSize != "medium" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Broker.Host != "broker.example.com" || cfg.Broker.Username != "builder" || cfg.Broker.Password != "secret" {
		t.Fatalf("unexpected broker config %+v", cfg.Broker)
	}
	if cfg.RetryAttempts != 3 {
		t.Fatalf("expected env override, got %d", cfg.RetryAttempts)
	}
	if cfg.ListenAddr != ":9999" {
		t.Fatalf("expected flag override, got %s", cfg.ListenAddr)
	}
}

func TestLoadReadsTokenFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".auth"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, ".auth", "token"), []byte("tok123\n"), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Broker.Token != "tok123" {
		t.Fatalf("expected token from file, got %q", cfg.Broker.Token)
	}
}

func TestEnvironmentFallsBackToJenkinsAddress(t *testing.T) {
	vars := map[string]string{
		"OPENSHIFT_JENKINS_IP":   "10.0.0.5",
		"OPENSHIFT_JENKINS_PORT": "8080",
		"OPENSHIFT_DATA_DIR":     "/var/lib/openshift/data",
		"JENKINS_USERNAME":       "admin",
	}
	env := EnvironmentFrom(func(key string) string { return vars[key] })
	if env.CIHost != "10.0.0.5" || env.CIPort != "8080" || !env.HasCIServer() {
		t.Fatalf("unexpected CI address %+v", env)
	}

	vars["OPENSHIFT_INTERNAL_IP"] = "127.0.0.1"
	vars["OPENSHIFT_INTERNAL_PORT"] = "8081"
	env = EnvironmentFrom(func(key string) string { return vars[key] })
	if env.CIHost != "127.0.0.1" || env.CIPort != "8081" {
		t.Fatalf("expected internal address to win, got %+v", env)
	}
}
