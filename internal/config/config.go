// Package config provides application configuration loaded from environment
// variables (optionally seeded from a .env file) with defaults and
// validation. It centralizes settings for the API server, the worker, the
// database, portal OAuth clients, token encryption, rate limiting and
// observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinEncryptionKeyLen is the minimum accepted ENCRYPTION_KEY length.
const MinEncryptionKeyLen = 32

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "portal-integrator")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects and locates the database.
type DBConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres
	Path   string // DB_PATH (sqlite)
	URL    string // DATABASE_URL (postgres)
}

// DSN returns the connection string for the selected driver.
func (d DBConfig) DSN() string {
	if d.Driver == "postgres" {
		return d.URL
	}
	return d.Path
}

// OAuthClientConfig holds one portal's OAuth client and endpoints.
type OAuthClientConfig struct {
	ClientID     string
	ClientSecret string
	AuthURL      string   // authorization endpoint
	TokenURL     string   // empty means AuthURL + "/token"
	IdentityURL  string   // basic user info endpoint
	APIURL       string   // listings API base URL
	Scopes       []string // empty means the OAuth service defaults
}

// Enabled reports whether a client id is configured.
func (o OAuthClientConfig) Enabled() bool { return o.ClientID != "" }

// WorkerConfig tunes the polling worker.
type WorkerConfig struct {
	ID             string        // WORKER_ID; empty derives host-pid
	PollInterval   time.Duration // WORKER_POLL_INTERVAL
	BackoffUnit    time.Duration // WORKER_BACKOFF_UNIT (delay = attempts * unit)
	MaxAttempts    int           // WORKER_MAX_ATTEMPTS
	AdapterTimeout time.Duration // WORKER_ADAPTER_TIMEOUT
	Lease          time.Duration // WORKER_LEASE
	RefreshSkew    time.Duration // WORKER_REFRESH_SKEW
	MetricsAddr    string        // WORKER_METRICS_ADDR; empty disables
}

// PortalConfig throttles outbound portal calls.
type PortalConfig struct {
	RPS        float64 // PORTAL_RPS; 0 disables throttling
	Burst      int     // PORTAL_BURST
	DemoPortal bool    // DEMO_PORTAL_ENABLED
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	ShutdownTimeout   time.Duration // graceful shutdown budget
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for versioned API routes

	// Public URLs
	AppURL string // dealership frontend, target of OAuth redirects
	APIURL string // public URL of this API (OAuth redirect URI base)

	// Storage and secrets
	DB            DBConfig
	EncryptionKey string

	// Portals
	OLX    OAuthClientConfig
	Portal PortalConfig

	// Worker
	Worker WorkerConfig

	// Rate limiting (inbound)
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables, applies defaults,
// normalizes values, and validates the result. Variables from a .env file
// in the working directory are applied first without overriding the
// process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	appURL := trimURL(getenv("APP_URL", "http://localhost:5173"))
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   getdur("SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Public URLs
		AppURL: appURL,
		APIURL: trimURL(getenv("API_URL", appURL)),

		// Storage and secrets
		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			Path:   getenv("DB_PATH", "integrator.db"),
			URL:    getenv("DATABASE_URL", ""),
		},
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		// Portals
		OLX: OAuthClientConfig{
			ClientID:     getenv("OLX_CLIENT_ID", ""),
			ClientSecret: getenv("OLX_CLIENT_SECRET", ""),
			AuthURL:      trimURL(getenv("OLX_AUTH_URL", "https://auth.olx.com.br/oauth")),
			TokenURL:     trimURL(getenv("OLX_TOKEN_URL", "")),
			IdentityURL:  getenv("OLX_IDENTITY_URL", "https://apps.olx.com.br/oauth_api/basic_user_info"),
			APIURL:       trimURL(getenv("OLX_API_URL", "https://apps.olx.com.br/autoupload")),
			Scopes:       splitScopes(getenv("OLX_SCOPES", "")),
		},
		Portal: PortalConfig{
			RPS:        getfloat("PORTAL_RPS", 2.0),
			Burst:      getint("PORTAL_BURST", 4),
			DemoPortal: getbool("DEMO_PORTAL_ENABLED", true),
		},

		// Worker
		Worker: WorkerConfig{
			ID:             getenv("WORKER_ID", ""),
			PollInterval:   getdur("WORKER_POLL_INTERVAL", 3*time.Second),
			BackoffUnit:    getdur("WORKER_BACKOFF_UNIT", 10*time.Second),
			MaxAttempts:    getint("WORKER_MAX_ATTEMPTS", 3),
			AdapterTimeout: getdur("WORKER_ADAPTER_TIMEOUT", 30*time.Second),
			Lease:          getdur("WORKER_LEASE", 5*time.Minute),
			RefreshSkew:    getdur("WORKER_REFRESH_SKEW", 2*time.Minute),
			MetricsAddr:    getenv("WORKER_METRICS_ADDR", ":9091"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "portal-integrator"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DB.Driver == "postgresql" || cfg.DB.Driver == "pgx" {
		cfg.DB.Driver = "postgres"
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 || cfg.ShutdownTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}

	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DB.URL) == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or postgres, got %q", cfg.DB.Driver)
	}

	if len(cfg.EncryptionKey) < MinEncryptionKeyLen {
		return fmt.Errorf("ENCRYPTION_KEY must be at least %d characters", MinEncryptionKeyLen)
	}
	if cfg.OLX.Enabled() {
		if cfg.OLX.ClientSecret == "" {
			return errors.New("OLX_CLIENT_SECRET is required when OLX_CLIENT_ID is set")
		}
		if cfg.OLX.AuthURL == "" || cfg.OLX.APIURL == "" {
			return errors.New("OLX_AUTH_URL and OLX_API_URL must not be empty")
		}
	}
	if cfg.AppURL == "" {
		return errors.New("APP_URL must not be empty")
	}

	w := cfg.Worker
	if w.PollInterval <= 0 || w.BackoffUnit <= 0 || w.AdapterTimeout <= 0 || w.Lease <= 0 || w.RefreshSkew < 0 {
		return errors.New("worker durations must be positive")
	}
	// A job may refresh its token and then call the portal, each bounded by
	// the adapter timeout, while another worker waits out the lease.
	if w.Lease <= 2*w.AdapterTimeout {
		return errors.New("WORKER_LEASE must exceed twice WORKER_ADAPTER_TIMEOUT (token refresh plus portal call)")
	}
	if w.MaxAttempts < 1 {
		return errors.New("WORKER_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Portal.RPS < 0 {
		return errors.New("PORTAL_RPS must be >= 0")
	}

	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitScopes accepts space- or comma-separated scope lists.
func splitScopes(s string) []string {
	return splitCSV(strings.Join(strings.Fields(s), ","))
}

func trimURL(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), "/")
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
