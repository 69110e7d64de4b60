package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COCONUT"

	AuthProviderSession  = "session"
	AuthProviderFirebase = "firebase"

	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultRateLimitPerMinute   = 120
	defaultDatabaseDriver       = "sqlite"
	defaultDatabaseDSN          = "coconut.db"
	defaultLogLevel             = "info"
	defaultAuthProvider         = AuthProviderSession
	defaultAuthIssuer           = "coconut-auth"
	defaultPushTransport        = "log"
	defaultDeliveryTimeout      = 10 * time.Second
	defaultDispatchWorkers      = 4
	defaultDispatchQueueSize    = 256
	defaultBroadcastConcurrency = 8
	defaultLeaderboardPolicy    = "first_wins"
	defaultLeaderboardTopK      = 3
	defaultShutdownTimeout      = 15 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	RateLimitPerMinute int
	AllowedOrigins     []string
	ShutdownTimeout    time.Duration

	DatabaseDriver string
	DatabaseDSN    string

	LogLevel string
	LogFile  string

	AuthProvider      string
	AuthSigningSecret string
	AuthIssuer        string

	FirebaseProjectID       string
	FirebaseCredentialsFile string

	PushTransport   string
	DeliveryTimeout time.Duration

	DispatchWorkers      int
	DispatchQueueSize    int
	BroadcastConcurrency int

	LeaderboardPolicy string
	LeaderboardTopK   int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.rate_limit_per_minute", defaultRateLimitPerMinute)
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownTimeout)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("auth.provider", defaultAuthProvider)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("push.transport", defaultPushTransport)
	configViper.SetDefault("push.delivery_timeout", defaultDeliveryTimeout)
	configViper.SetDefault("dispatch.workers", defaultDispatchWorkers)
	configViper.SetDefault("dispatch.queue_size", defaultDispatchQueueSize)
	configViper.SetDefault("dispatch.broadcast_concurrency", defaultBroadcastConcurrency)
	configViper.SetDefault("leaderboard.policy", defaultLeaderboardPolicy)
	configViper.SetDefault("leaderboard.top_k", defaultLeaderboardTopK)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		RateLimitPerMinute:      configViper.GetInt("http.rate_limit_per_minute"),
		AllowedOrigins:          configViper.GetStringSlice("http.allowed_origins"),
		ShutdownTimeout:         configViper.GetDuration("http.shutdown_timeout"),
		DatabaseDriver:          strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:             configViper.GetString("database.dsn"),
		LogLevel:                configViper.GetString("log.level"),
		LogFile:                 configViper.GetString("log.file"),
		AuthProvider:            strings.ToLower(strings.TrimSpace(configViper.GetString("auth.provider"))),
		AuthSigningSecret:       configViper.GetString("auth.signing_secret"),
		AuthIssuer:              configViper.GetString("auth.issuer"),
		FirebaseProjectID:       configViper.GetString("firebase.project_id"),
		FirebaseCredentialsFile: configViper.GetString("firebase.credentials_file"),
		PushTransport:           strings.ToLower(strings.TrimSpace(configViper.GetString("push.transport"))),
		DeliveryTimeout:         configViper.GetDuration("push.delivery_timeout"),
		DispatchWorkers:         configViper.GetInt("dispatch.workers"),
		DispatchQueueSize:       configViper.GetInt("dispatch.queue_size"),
		BroadcastConcurrency:    configViper.GetInt("dispatch.broadcast_concurrency"),
		LeaderboardPolicy:       configViper.GetString("leaderboard.policy"),
		LeaderboardTopK:         configViper.GetInt("leaderboard.top_k"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// UsesFirebase reports whether any component needs a Firebase app.
func (c AppConfig) UsesFirebase() bool {
	return c.AuthProvider == AuthProviderFirebase || c.PushTransport == "fcm"
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres")
	}
	switch c.AuthProvider {
	case AuthProviderSession:
		if strings.TrimSpace(c.AuthSigningSecret) == "" {
			return fmt.Errorf("auth.signing_secret is required for the session provider")
		}
		if strings.TrimSpace(c.AuthIssuer) == "" {
			return fmt.Errorf("auth.issuer is required")
		}
	case AuthProviderFirebase:
	default:
		return fmt.Errorf("auth.provider must be session or firebase")
	}
	switch c.PushTransport {
	case "log", "fcm":
	default:
		return fmt.Errorf("push.transport must be log or fcm")
	}
	if c.UsesFirebase() && strings.TrimSpace(c.FirebaseProjectID) == "" {
		return fmt.Errorf("firebase.project_id is required when firebase is enabled")
	}
	if c.DeliveryTimeout <= 0 {
		return fmt.Errorf("push.delivery_timeout must be positive")
	}
	if c.DispatchWorkers <= 0 || c.DispatchQueueSize <= 0 || c.BroadcastConcurrency <= 0 {
		return fmt.Errorf("dispatch.workers, dispatch.queue_size and dispatch.broadcast_concurrency must be positive")
	}
	if c.LeaderboardTopK <= 0 {
		return fmt.Errorf("leaderboard.top_k must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LeaderboardPolicy)) {
	case "first_wins", "best_wins":
	default:
		return fmt.Errorf("leaderboard.policy must be first_wins or best_wins")
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("http.rate_limit_per_minute must not be negative")
	}
	return nil
}
