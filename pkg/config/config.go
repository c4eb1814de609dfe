package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BrokerConfig locates and authenticates against the cloud broker.
type BrokerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Token           string        `mapstructure:"token"`
	ProxyHost       string        `mapstructure:"proxy_host"`
	ProxyPort       int           `mapstructure:"proxy_port"`
	IgnoreCertCheck bool          `mapstructure:"ignore_cert_check"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// Config captures runtime settings for the builder cloud service.
type Config struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	APIToken       string `mapstructure:"api_token"`

	Broker    BrokerConfig `mapstructure:"broker"`
	Namespace string       `mapstructure:"namespace"`

	DefaultBuilderSize string        `mapstructure:"default_builder_size"`
	DefaultIdleTTL     time.Duration `mapstructure:"default_idle_ttl"`
	JobsFile           string        `mapstructure:"jobs_file"`
	RedisURL           string        `mapstructure:"redis_url"`
	DatabaseURL        string        `mapstructure:"database_url"`

	ExecutorSize    int           `mapstructure:"executor_size"`
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	DNSPollInterval time.Duration `mapstructure:"dns_poll_interval"`
	DNSGrace        time.Duration `mapstructure:"dns_grace"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	LaunchAgents    bool          `mapstructure:"launch_agents"`
}

// Load reads configuration from defaults, an optional config file, env vars
// prefixed BUILDERCLOUD_ and command line flags, in increasing precedence.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("buildercloud", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a config file (default ./configs/config.yaml)")
	fs.String("listen-addr", ":8085", "control API listen address")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
	}
	v.SetEnvPrefix("BUILDERCLOUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := v.BindPFlag("listen_addr", fs.Lookup("listen-addr")); err != nil {
		return Config{}, err
	}
	if err := v.BindPFlag("log_level", fs.Lookup("log-level")); err != nil {
		return Config{}, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	env := FromEnvironment()
	if cfg.Namespace == "" {
		cfg.Namespace = env.Namespace
	}
	if cfg.Broker.Token == "" {
		cfg.Broker.Token = readTokenFile(env.Home)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8085")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("tracing_enabled", false)
	v.SetDefault("api_token", "")

	v.SetDefault("broker.host", "openshift.redhat.com")
	v.SetDefault("broker.port", "")
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.token", "")
	v.SetDefault("broker.proxy_host", "")
	v.SetDefault("broker.proxy_port", 0)
	v.SetDefault("broker.ignore_cert_check", false)
	v.SetDefault("broker.timeout", "30s")
	v.SetDefault("namespace", "")

	v.SetDefault("default_builder_size", "small")
	v.SetDefault("default_idle_ttl", "15m")
	v.SetDefault("jobs_file", "./configs/jobs.yaml")
	v.SetDefault("redis_url", "")
	v.SetDefault("database_url", "")

	v.SetDefault("executor_size", 4)
	v.SetDefault("retry_attempts", 5)
	v.SetDefault("retry_delay", "5s")
	v.SetDefault("dns_poll_interval", "5s")
	v.SetDefault("dns_grace", "5s")
	v.SetDefault("sweep_interval", "1m")
	v.SetDefault("launch_agents", true)
}

// readTokenFile returns the broker token stored in ~/.auth/token, if any.
func readTokenFile(home string) string {
	if home == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".auth", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
