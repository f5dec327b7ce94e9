package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"linkd/cmd/internal/credstore"
	"linkd/cmd/internal/transport"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	// If true the embedded schema is applied at startup.
	DBMigrate bool

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// AdminToken guards /v1/*. Empty disables auth (dev only).
	AdminToken string
	// Origins accepted on the admin event stream; empty means same host only.
	EventOrigins []string

	// If true, LINKD_CODE_HASH_KEY MUST be set (>= 32 bytes).
	RequireCodeHashKey bool

	BridgeURL   string
	BridgeToken string

	// CredentialsDir + CredentialsKey select the sealed file store; without a
	// directory credentials live in memory.
	CredentialsDir string
	CredentialsKey string

	// SettingsDir selects the JSON file settings store when no database is
	// configured.
	SettingsDir string

	AdminJID   string
	LinkedMode bool
	Server     string

	RateLimit       int
	RateLimitWindow time.Duration
	LinkTTL         time.Duration
	OutboxSize      int
	PresenceEvery   time.Duration
	StatusPollEvery time.Duration

	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	BackoffMaxAttempts int

	QuoteBaseURL   string
	WeatherBaseURL string
	WeatherAPIKey  string

	// Sessions started at boot, optionally as id=phone.
	AutoStart []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("LINKD_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("LINKD_LOG_LEVEL", "info"),
		LogFormat: EnvString("LINKD_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("LINKD_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("LINKD_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("LINKD_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("LINKD_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("LINKD_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("LINKD_DATABASE_URL", ""),
		DBSchema:    EnvString("LINKD_DB_SCHEMA", "linkd"),
		DBMaxConns:  EnvInt32("LINKD_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("LINKD_DB_MIN_CONNS", 0),
		DBMigrate:   EnvBool("LINKD_DB_MIGRATE", true),

		ReadinessRequireDB: EnvBool("LINKD_READINESS_REQUIRE_DB", false),

		AdminToken:   EnvString("LINKD_ADMIN_TOKEN", ""),
		EventOrigins: EnvCSV("LINKD_EVENT_ORIGINS"),

		RequireCodeHashKey: EnvBool("LINKD_REQUIRE_CODE_HASH_KEY", false),

		BridgeURL:   EnvString("LINKD_BRIDGE_URL", "ws://127.0.0.1:7070/v1/bridge"),
		BridgeToken: EnvString("LINKD_BRIDGE_TOKEN", ""),

		CredentialsDir: EnvString("LINKD_CREDENTIALS_DIR", ""),
		CredentialsKey: EnvString("LINKD_CREDENTIALS_KEY", ""),
		SettingsDir:    EnvString("LINKD_SETTINGS_DIR", ""),

		AdminJID:   EnvString("LINKD_ADMIN_JID", ""),
		LinkedMode: EnvBool("LINKD_LINKED_MODE", false),
		Server:     EnvString("LINKD_SERVER", transport.DefaultUserServer),

		RateLimit:       EnvInt("LINKD_RATE_LIMIT", 20),
		RateLimitWindow: EnvDuration("LINKD_RATE_LIMIT_WINDOW", 30*time.Second),
		LinkTTL:         EnvDuration("LINKD_LINK_TTL", 24*time.Hour),
		OutboxSize:      EnvInt("LINKD_OUTBOX_SIZE", 256),
		PresenceEvery:   EnvDuration("LINKD_PRESENCE_EVERY", 30*time.Second),
		StatusPollEvery: EnvDuration("LINKD_STATUS_POLL_EVERY", 60*time.Second),

		BackoffInitial:     EnvDuration("LINKD_BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:         EnvDuration("LINKD_BACKOFF_MAX", 60*time.Second),
		BackoffMaxAttempts: EnvInt("LINKD_BACKOFF_MAX_ATTEMPTS", 10),

		QuoteBaseURL:   EnvString("LINKD_QUOTE_BASE_URL", ""),
		WeatherBaseURL: EnvString("LINKD_WEATHER_BASE_URL", ""),
		WeatherAPIKey:  EnvString("LINKD_WEATHER_API_KEY", ""),

		AutoStart: EnvCSV("LINKD_AUTOSTART"),
	}
}

// Validate rejects configurations the daemon can not run with.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.LogFormat) {
	case "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("LINKD_LOG_FORMAT must be json or pretty, got %q", c.LogFormat))
	}
	if c.LinkedMode && strings.TrimSpace(c.AdminJID) == "" {
		errs = append(errs, errors.New("LINKD_LINKED_MODE requires LINKD_ADMIN_JID"))
	}
	if c.AdminJID != "" {
		if _, err := transport.NormalizeJID(c.AdminJID, c.Server); err != nil {
			errs = append(errs, fmt.Errorf("LINKD_ADMIN_JID: %w", err))
		}
	}
	if c.CredentialsDir != "" && c.CredentialsKey == "" {
		errs = append(errs, errors.New("LINKD_CREDENTIALS_DIR requires LINKD_CREDENTIALS_KEY"))
	}
	if strings.TrimSpace(c.BridgeURL) == "" {
		errs = append(errs, errors.New("LINKD_BRIDGE_URL is required"))
	}
	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		errs = append(errs, errors.New("LINKD_READINESS_REQUIRE_DB=true but LINKD_DATABASE_URL is empty"))
	}
	for _, entry := range c.AutoStart {
		id, _ := splitAutoStart(entry)
		if !credstore.ValidSessionID(id) {
			errs = append(errs, fmt.Errorf("LINKD_AUTOSTART: invalid session id %q", id))
		}
	}
	return errors.Join(errs...)
}

// splitAutoStart parses "id" or "id=phone".
func splitAutoStart(entry string) (id, phone string) {
	id, phone, _ = strings.Cut(strings.TrimSpace(entry), "=")
	return strings.TrimSpace(id), strings.TrimSpace(phone)
}
