// Package config loads service configuration from an optional YAML file,
// environment variables and defaults, in that order of precedence (env wins).
//
// Keys map to environment variables by upper-casing and replacing "." with
// "_" (model.registry_uri → MODEL_REGISTRY_URI). The variable names used by
// the training pipeline (MLFLOW_TRACKING_URI, MLFLOW_MODEL_NAME,
// MLFLOW_MODEL_STAGE, LOCAL_MODEL_PATH, MLFLOW_TRACKING_TOKEN) are honoured
// as aliases.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/creditrisk/internal/mlflow"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"github.com/jmerrifield20/creditrisk/internal/scoring"
	"github.com/jmerrifield20/creditrisk/internal/watch"
	"github.com/spf13/viper"
)

// DefaultName is the config file base name searched for in configs/ and ".".
const DefaultName = "creditrisk"

// Config is the fully resolved service configuration.
type Config struct {
	Server   ServerConfig
	Model    resolver.Config
	Registry RegistryConfig
	Scoring  ScoringConfig
	Schema   SchemaConfig
	Admin    AdminConfig
	Watch    watch.Config
	Audit    AuditConfig
	Database DatabaseConfig

	// RequireModel makes startup fail when no model can be resolved.
	RequireModel bool

	// File is the config file that was read, empty when none was found.
	File string
}

type ServerConfig struct {
	Port            int
	GRPCPort        int // 0 disables the gRPC health server
	CORSOrigins     []string
	RateLimitRPS    int
	MaxBodyBytes    int64
	ShutdownTimeout time.Duration
}

type RegistryConfig struct {
	ArtifactFile      string
	Timeout           time.Duration
	Token             string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       []string
	S3Region          string
	S3Endpoint        string
}

type ScoringConfig struct {
	Threshold       float64
	MediumThreshold float64
}

type SchemaConfig struct {
	File string // empty: built-in borrower schema
}

type AdminConfig struct {
	JWTSecret string // empty disables admin endpoints
	Issuer    string
	TokenTTL  time.Duration
}

type AuditConfig struct {
	Enabled  bool
	Capacity int
}

type DatabaseConfig struct {
	URL string // empty: decisions are kept in memory
}

// aliases lists extra environment variables per key, highest priority first.
var aliases = map[string][]string{
	"model.registry_uri": {"MODEL_REGISTRY_URI", "MLFLOW_TRACKING_URI"},
	"model.name":         {"MODEL_NAME", "MLFLOW_MODEL_NAME"},
	"model.stage":        {"MODEL_STAGE", "MLFLOW_MODEL_STAGE"},
	"model.local_path":   {"MODEL_LOCAL_PATH", "LOCAL_MODEL_PATH"},
	"registry.token":     {"REGISTRY_TOKEN", "MLFLOW_TRACKING_TOKEN"},
	"database.url":       {"DATABASE_URL"},
}

// New returns a viper instance with every default and env binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("model.registry_uri", "")
	v.SetDefault("model.name", resolver.DefaultModelName)
	v.SetDefault("model.stage", resolver.DefaultModelStage)
	v.SetDefault("model.local_path", resolver.DefaultLocalPath)
	v.SetDefault("model.require_on_startup", true)

	v.SetDefault("registry.artifact_file", "model.json")
	v.SetDefault("registry.timeout", "10s")
	v.SetDefault("registry.token", "")
	v.SetDefault("registry.oauth.client_id", "")
	v.SetDefault("registry.oauth.client_secret", "")
	v.SetDefault("registry.oauth.token_url", "")
	v.SetDefault("registry.oauth.scopes", []string{})
	v.SetDefault("registry.s3.region", "")
	v.SetDefault("registry.s3.endpoint", "")

	v.SetDefault("scoring.threshold", scoring.DefaultHighThreshold)
	v.SetDefault("scoring.medium_threshold", scoring.DefaultMediumThreshold)

	v.SetDefault("schema.file", "")

	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.issuer", "creditrisk")
	v.SetDefault("admin.token_ttl", "15m")

	v.SetDefault("watch.interval", "0s")
	v.SetDefault("watch.check_timeout", "30s")
	v.SetDefault("watch.fail_threshold", 3)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.capacity", 10000)

	v.SetDefault("database.url", "")

	for key, envs := range aliases {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	return v
}

// Load reads configuration. When file is empty, creditrisk.yaml is searched
// for in configs/ and the working directory and may be absent; an explicit
// file must exist.
func Load(file string) (*Config, error) {
	v := New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(DefaultName)
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &cfgNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

// FromViper decodes and validates an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			GRPCPort:        v.GetInt("server.grpc_port"),
			CORSOrigins:     v.GetStringSlice("server.cors_origins"),
			RateLimitRPS:    v.GetInt("server.rate_limit_rps"),
			MaxBodyBytes:    v.GetInt64("server.max_body_bytes"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Model: resolver.Config{
			RegistryURI: strings.TrimSpace(v.GetString("model.registry_uri")),
			ModelName:   v.GetString("model.name"),
			ModelStage:  v.GetString("model.stage"),
			LocalPath:   v.GetString("model.local_path"),
		}.WithDefaults(),
		Registry: RegistryConfig{
			ArtifactFile:      v.GetString("registry.artifact_file"),
			Timeout:           v.GetDuration("registry.timeout"),
			Token:             v.GetString("registry.token"),
			OAuthClientID:     v.GetString("registry.oauth.client_id"),
			OAuthClientSecret: v.GetString("registry.oauth.client_secret"),
			OAuthTokenURL:     v.GetString("registry.oauth.token_url"),
			OAuthScopes:       v.GetStringSlice("registry.oauth.scopes"),
			S3Region:          v.GetString("registry.s3.region"),
			S3Endpoint:        v.GetString("registry.s3.endpoint"),
		},
		Scoring: ScoringConfig{
			Threshold:       v.GetFloat64("scoring.threshold"),
			MediumThreshold: v.GetFloat64("scoring.medium_threshold"),
		},
		Schema: SchemaConfig{File: v.GetString("schema.file")},
		Admin: AdminConfig{
			JWTSecret: v.GetString("admin.jwt_secret"),
			Issuer:    v.GetString("admin.issuer"),
			TokenTTL:  v.GetDuration("admin.token_ttl"),
		},
		Watch: watch.Config{
			Interval:      v.GetDuration("watch.interval"),
			CheckTimeout:  v.GetDuration("watch.check_timeout"),
			FailThreshold: v.GetInt("watch.fail_threshold"),
		},
		Audit: AuditConfig{
			Enabled:  v.GetBool("audit.enabled"),
			Capacity: v.GetInt("audit.capacity"),
		},
		Database:     DatabaseConfig{URL: v.GetString("database.url")},
		RequireModel: v.GetBool("model.require_on_startup"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("server.grpc_port %d is out of range", c.Server.GRPCPort))
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		errs = append(errs, errors.New("server.grpc_port must differ from server.port"))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scoring: %w", err))
	}
	if c.Registry.Timeout <= 0 {
		errs = append(errs, errors.New("registry.timeout must be positive"))
	}
	if c.Watch.Interval < 0 {
		errs = append(errs, errors.New("watch.interval must not be negative"))
	}
	if c.Watch.Interval > 0 && c.Model.RegistryURI == "" {
		errs = append(errs, errors.New("watch.interval requires model.registry_uri"))
	}
	if c.Admin.JWTSecret != "" && len(c.Admin.JWTSecret) < 16 {
		errs = append(errs, errors.New("admin.jwt_secret must be at least 16 bytes"))
	}
	return errors.Join(errs...)
}

// Thresholds returns the scoring decision thresholds.
func (c *Config) Thresholds() scoring.Thresholds {
	return scoring.Thresholds{High: c.Scoring.Threshold, Medium: c.Scoring.MediumThreshold}
}

// MLflow returns the registry client configuration.
func (c *Config) MLflow() mlflow.Config {
	return mlflow.Config{
		TrackingURI:       c.Model.RegistryURI,
		ArtifactFile:      c.Registry.ArtifactFile,
		Timeout:           c.Registry.Timeout,
		Token:             c.Registry.Token,
		OAuthClientID:     c.Registry.OAuthClientID,
		OAuthClientSecret: c.Registry.OAuthClientSecret,
		OAuthTokenURL:     c.Registry.OAuthTokenURL,
		OAuthScopes:       c.Registry.OAuthScopes,
		S3Region:          c.Registry.S3Region,
		S3Endpoint:        c.Registry.S3Endpoint,
	}
}
