package app

import "time"

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

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	MetricsEnabled bool

	// Seeding: when the users collection is empty, a default ADMIN account is
	// written with these credentials. An empty password means one is generated
	// and logged once at startup.
	AdminUsername string
	AdminPassword string

	// Security policy:
	// If true, LECTERN_ADMIN_PASSWORD MUST be set; a generated password is refused.
	RequireAdminPassword bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("LECTERN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("LECTERN_LOG_LEVEL", "info"),
		LogFormat: EnvString("LECTERN_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("LECTERN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("LECTERN_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("LECTERN_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("LECTERN_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("LECTERN_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("LECTERN_DATABASE_URL", ""),
		DBSchema:    EnvString("LECTERN_DB_SCHEMA", "lectern"),
		DBMaxConns:  EnvInt32("LECTERN_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("LECTERN_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("LECTERN_READINESS_REQUIRE_DB", false),

		MetricsEnabled: EnvBool("LECTERN_METRICS_ENABLED", true),

		AdminUsername: EnvString("LECTERN_ADMIN_USERNAME", "admin"),
		AdminPassword: EnvString("LECTERN_ADMIN_PASSWORD", ""),

		RequireAdminPassword: EnvBool("LECTERN_REQUIRE_ADMIN_PASSWORD", false),

		CORSAllowedOrigins:   EnvCSV("LECTERN_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("LECTERN_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("LECTERN_CORS_MAX_AGE_SECONDS", 600),
	}
}
