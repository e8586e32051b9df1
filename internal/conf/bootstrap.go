// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Bootstrap is the root configuration object.
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Storage    *Storage
	Providers  map[string]*ProviderAPI
	Resilience *Resilience
	Lifecycle  *Lifecycle
	Log        *Log
}

// Server holds transport configuration.
type Server struct {
	Http *Server_HTTP
}

// Server_HTTP holds HTTP server configuration.
type Server_HTTP struct {
	Network string
	Addr    string
	Timeout *durationpb.Duration
}

// Data holds database and Redis configuration.
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database holds the relational database configuration.
type Data_Database struct {
	Driver string
	Source string
}

// Data_Redis holds the Redis configuration.
type Data_Redis struct {
	Network      string
	Addr         string
	ReadTimeout  *durationpb.Duration
	WriteTimeout *durationpb.Duration
}

// Storage holds object storage (MinIO) configuration for generated artifacts.
type Storage struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ProviderAPI holds the submission endpoint and credentials for one
// upstream generation provider.
type ProviderAPI struct {
	Endpoint string
	APIKey   string
	// CallbackBase is the externally reachable base URL for webhook
	// callbacks, e.g. "https://api.mediaforge.io".
	CallbackBase string
}

// Resilience holds circuit breaker and rate limiter configuration.
type Resilience struct {
	// BreakerDefault applies to dependencies without an explicit override.
	BreakerDefault *Breaker
	// Breakers maps dependency names ("kie_ai", "runware", "storage",
	// "database") to per-name overrides.
	Breakers map[string]*Breaker
	// RateLimits maps action names to per-action limiter configuration.
	RateLimits map[string]*RateLimit
}

// Breaker holds circuit breaker thresholds for one dependency.
type Breaker struct {
	FailureThreshold    int32
	FailureRatePct      float64
	SuccessThreshold    int32
	HalfOpenMaxAttempts int32
	Timeout             *durationpb.Duration
	MonitoringWindow    *durationpb.Duration
}

// RateLimit holds fixed-window limiter configuration for one action.
type RateLimit struct {
	MaxAttempts int32
	Window      *durationpb.Duration
	Block       *durationpb.Duration
}

// Lifecycle holds generation job lifecycle configuration.
type Lifecycle struct {
	// StaleAfter is the global staleness ceiling for the reconciliation
	// sweep: pending/processing jobs older than this are failed and
	// refunded.
	StaleAfter *durationpb.Duration
	// SweepSpec is the cron expression (with seconds) for the sweep.
	SweepSpec string
	// SweepTimeout bounds one sweep run.
	SweepTimeout *durationpb.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies
// defaults, and allows overrides from environment variables prefixed with
// MEDIAFORGE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or MEDIAFORGE_DATA_DATABASE_SOURCE: MySQL connection string
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with MEDIAFORGE_ prefix
	v.SetEnvPrefix("MEDIAFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names for required/secret fields
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "MEDIAFORGE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "MEDIAFORGE_DATA_REDIS_ADDR")
	_ = v.BindEnv("storage.endpoint", "MINIO_ENDPOINT", "MEDIAFORGE_STORAGE_ENDPOINT")
	_ = v.BindEnv("storage.access_key", "MINIO_ACCESS_KEY", "MEDIAFORGE_STORAGE_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "MINIO_SECRET_KEY", "MEDIAFORGE_STORAGE_SECRET_KEY")
	_ = v.BindEnv("storage.bucket", "MINIO_BUCKET_NAME", "MEDIAFORGE_STORAGE_BUCKET")
	_ = v.BindEnv("providers.kie_ai.api_key", "KIE_AI_API_KEY", "MEDIAFORGE_PROVIDERS_KIE_AI_API_KEY")
	_ = v.BindEnv("providers.runware.api_key", "RUNWARE_API_KEY", "MEDIAFORGE_PROVIDERS_RUNWARE_API_KEY")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Storage: &Storage{
			Endpoint:  v.GetString("storage.endpoint"),
			AccessKey: v.GetString("storage.access_key"),
			SecretKey: v.GetString("storage.secret_key"),
			Bucket:    v.GetString("storage.bucket"),
			UseSSL:    v.GetBool("storage.use_ssl"),
		},
		Providers: providersAt(v, "providers"),
		Resilience: &Resilience{
			BreakerDefault: breakerAt(v, "resilience.breaker_default"),
			Breakers:       breakersAt(v, "resilience.breakers"),
			RateLimits:     rateLimitsAt(v, "resilience.rate_limits"),
		},
		Lifecycle: &Lifecycle{
			StaleAfter:   durationpb.New(v.GetDuration("lifecycle.stale_after")),
			SweepSpec:    v.GetString("lifecycle.sweep_spec"),
			SweepTimeout: durationpb.New(v.GetDuration("lifecycle.sweep_timeout")),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// breakerAt reads one breaker config block; returns nil when absent.
func breakerAt(v *viper.Viper, key string) *Breaker {
	if !v.IsSet(key) {
		return nil
	}
	return &Breaker{
		FailureThreshold:    v.GetInt32(key + ".failure_threshold"),
		FailureRatePct:      v.GetFloat64(key + ".failure_rate_pct"),
		SuccessThreshold:    v.GetInt32(key + ".success_threshold"),
		HalfOpenMaxAttempts: v.GetInt32(key + ".half_open_max_attempts"),
		Timeout:             durationpb.New(v.GetDuration(key + ".timeout")),
		MonitoringWindow:    durationpb.New(v.GetDuration(key + ".monitoring_window")),
	}
}

// breakersAt reads the per-dependency breaker override map.
func breakersAt(v *viper.Viper, key string) map[string]*Breaker {
	out := make(map[string]*Breaker)
	for name := range v.GetStringMap(key) {
		if b := breakerAt(v, key+"."+name); b != nil {
			out[name] = b
		}
	}
	return out
}

// providersAt reads the per-provider API map.
func providersAt(v *viper.Viper, key string) map[string]*ProviderAPI {
	out := make(map[string]*ProviderAPI)
	for name := range v.GetStringMap(key) {
		sub := key + "." + name
		out[name] = &ProviderAPI{
			Endpoint:     v.GetString(sub + ".endpoint"),
			APIKey:       v.GetString(sub + ".api_key"),
			CallbackBase: v.GetString(sub + ".callback_base"),
		}
	}
	return out
}

// rateLimitsAt reads the per-action rate limit map.
func rateLimitsAt(v *viper.Viper, key string) map[string]*RateLimit {
	out := make(map[string]*RateLimit)
	for name := range v.GetStringMap(key) {
		sub := key + "." + name
		out[name] = &RateLimit{
			MaxAttempts: v.GetInt32(sub + ".max_attempts"),
			Window:      durationpb.New(v.GetDuration(sub + ".window")),
			Block:       durationpb.New(v.GetDuration(sub + ".block")),
		}
	}
	return out
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 10*time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Storage defaults (local MinIO for development)
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.bucket", "mediaforge-artifacts")
	v.SetDefault("storage.use_ssl", false)

	// Provider defaults (API keys come from environment)
	v.SetDefault("providers.kie_ai.endpoint", "https://api.kie.ai/api/v1")
	v.SetDefault("providers.runware.endpoint", "https://api.runware.ai/v1")

	// Lifecycle defaults
	v.SetDefault("lifecycle.stale_after", 30*time.Minute)
	v.SetDefault("lifecycle.sweep_spec", "0 */5 * * * *")
	v.SetDefault("lifecycle.sweep_timeout", 10*time.Minute)

	// Rate limit defaults: public share links tuned separately from the
	// authenticated generation API
	v.SetDefault("resilience.rate_limits.generate.max_attempts", 30)
	v.SetDefault("resilience.rate_limits.generate.window", 1*time.Minute)
	v.SetDefault("resilience.rate_limits.generate.block", 5*time.Minute)
	v.SetDefault("resilience.rate_limits.share_link.max_attempts", 60)
	v.SetDefault("resilience.rate_limits.share_link.window", 1*time.Minute)
	v.SetDefault("resilience.rate_limits.share_link.block", 15*time.Minute)
	v.SetDefault("resilience.rate_limits.webhook.max_attempts", 300)
	v.SetDefault("resilience.rate_limits.webhook.window", 1*time.Minute)
	v.SetDefault("resilience.rate_limits.webhook.block", 1*time.Minute)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	// Check required database configuration
	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if bc.Storage == nil || bc.Storage.Bucket == "" {
		missingFields = append(missingFields, "storage.bucket (MINIO_BUCKET_NAME)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	return nil
}
