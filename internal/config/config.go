package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application-wide configuration for the pghatch gateway,
// layered env (PGHATCH_ prefix) > yaml file > defaults by Load. The only
// command-line flag applied on top is --log-level (cmd/pghatch/root.go).
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Schema    SchemaConfig    `mapstructure:"schema"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Pagination PaginationConfig `mapstructure:"pagination"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Request   RequestConfig   `mapstructure:"request"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	OIDC      OIDCConfig      `mapstructure:"oidc"`
	BasicAuth BasicAuthConfig `mapstructure:"basicAuth"`
	AnonRole  string          `mapstructure:"anonRole"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// SchemaConfig governs what the Introspector surfaces (spec.md §6).
type SchemaConfig struct {
	IncludedNamespaces []string `mapstructure:"includedNamespaces"`
	ExcludedObjects    []string `mapstructure:"excludedObjects"`
}

// PoolConfig sizes the pgxpool used by the Schema Router.
type PoolConfig struct {
	Min         int32 `mapstructure:"min"`
	Max         int32 `mapstructure:"max"`
	MaxLifetime int   `mapstructure:"maxLifetimeSeconds"`
}

// PaginationConfig bounds the Query Compiler's default/max list size.
type PaginationConfig struct {
	DefaultLimit int `mapstructure:"defaultLimit"`
	MaxLimit     int `mapstructure:"maxLimit"`
}

// WatcherConfig tunes the DDL Watcher's debounce and heartbeat.
type WatcherConfig struct {
	DebounceMS  int `mapstructure:"debounceMs"`
	HeartbeatS  int `mapstructure:"heartbeatSeconds"`
}

// RequestConfig bounds per-request server-side work: TimeoutS > 0 puts a
// deadline on each request's context; 0 leaves requests unbounded.
type RequestConfig struct {
	TimeoutS int `mapstructure:"timeoutSeconds"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
	BaseURL    string `mapstructure:"baseURL"`
	TLSCert    string `mapstructure:"tlsCert"`
	TLSKey     string `mapstructure:"tlsKey"`
}

type OIDCConfig struct {
	ClientID     string `mapstructure:"clientID"`
	ClientSecret string `mapstructure:"clientSecret"`
	Issuer       string `mapstructure:"issuer"`
	RoleClaimKey string `mapstructure:"roleClaimKey"`
}

// BasicAuthConfig holds the static username/password table. Basic Auth is
// turned on whenever Credentials is non-empty, whether or not OIDC is also
// configured; Enabled is not read.
type BasicAuthConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	Credentials map[string]string `mapstructure:"credentials"`
}

// Version is the build-time version string, overridable via -ldflags.
var Version = "dev"

// Default returns the configuration baseline, mirroring the teacher's
// DefaultRESTConfig shape but over pghatch's key set.
func Default() Config {
	return Config{
		Schema: SchemaConfig{IncludedNamespaces: []string{"public"}},
		Pool:   PoolConfig{Min: 2, Max: 10, MaxLifetime: 3600},
		Pagination: PaginationConfig{DefaultLimit: 50, MaxLimit: 500},
		Watcher: WatcherConfig{DebounceMS: 250, HeartbeatS: 30},
		Request: RequestConfig{TimeoutS: 30},
		Log:     LogConfig{Level: "info", Format: "json"},
		HTTP:    HTTPConfig{ListenAddr: ":8080"},
		OIDC:    OIDCConfig{RoleClaimKey: ".policies.pgrole"},
	}
}

// Load reads config from a yaml file and the environment, layered over
// Default(). Environment variables take the PGHATCH_ prefix with "." in a
// key written as "_" (pool.max is PGHATCH_POOL_MAX); they override only
// keys that the config file also sets. No flags are read here.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pghatch")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PGHATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := Default()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return &cfg, nil
}
