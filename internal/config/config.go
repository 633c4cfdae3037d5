package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BradenHooton/bastion/internal/models"
	"github.com/joho/godotenv"
)

// Challenge session store backends
const (
	ChallengeStorePostgres = "postgres"
	ChallengeStoreBolt     = "bolt"
)

type Config struct {
	Database    DatabaseConfig
	Server      ServerConfig
	Auth        AuthConfig
	Lockout     LockoutConfig
	TwoFactor   TwoFactorConfig
	Email       EmailConfig
	Storage     StorageConfig
	Maintenance MaintenanceConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
	// LockTimeout bounds waits on attempt-record row locks and attribute
	// advisory locks; zero leaves the server default
	LockTimeout     time.Duration
	ApplicationName string
}

type ServerConfig struct {
	Port         string
	Env          string
	LogLevel     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type AuthConfig struct {
	JWTSecret         string
	Issuer            string
	AccessTokenExpiry time.Duration
	// EncryptionKey seals authenticator secrets at rest (32 bytes)
	EncryptionKey      []byte
	TrustedProxies     []string
	FailureDelayBase   time.Duration
	FailureDelayJitter time.Duration
	LoginRatePerMinute int
	// CodeRatePerMinute caps code checks on the account 2FA routes
	CodeRatePerMinute int
	CookieDomain      string
	CookieSecure      bool
	CookieSameSite    string
}

// LockoutConfig seeds the security settings used until an administrator
// stores their own
type LockoutConfig struct {
	MaxAttempts          int
	LockoutDuration      time.Duration
	LongLockoutThreshold int
	LongLockoutDuration  time.Duration
	AutoBlacklist        bool
	NotifyAdmin          bool
	BlockType            string
	SiteWideBlock        bool
	HistoryRetention     time.Duration
	StaleAfter           time.Duration
}

type TwoFactorConfig struct {
	Issuer          string
	Method          string
	RequiredRoles   []string
	SessionLifetime time.Duration
	VerifyWindow    int
}

type EmailConfig struct {
	AWSRegion       string
	FromAddress     string
	AdminAddress    string
	NotifyPerMinute float64
	NotifyBurst     int
}

type StorageConfig struct {
	ChallengeStore string
	BoltPath       string
}

type MaintenanceConfig struct {
	Interval time.Duration
}

// Load reads the full server configuration, including the secrets
func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	cfg, err := fromEnv()
	if err != nil {
		return nil, err
	}
	cfg.Auth.JWTSecret = jwtSecret

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, cfg.Server.Env); err != nil {
		return nil, err
	}

	key, err := parseEncryptionKey(getEnv("TWOFA_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, err
	}
	cfg.Auth.EncryptionKey = key

	return cfg, nil
}

// LoadForMaintenance reads the configuration needed by offline tooling. The
// token and sealing secrets are neither required nor loaded.
func LoadForMaintenance() (*Config, error) {
	_ = godotenv.Load()
	return fromEnv()
}

func fromEnv() (*Config, error) {
	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "bastion"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
			LockTimeout:       getEnvAsDuration("DB_LOCK_TIMEOUT", 5*time.Second),
			ApplicationName:   getEnv("DB_APPLICATION_NAME", "bastion"),
		},
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Env:          env,
			LogLevel:     getEnv("LOG_LEVEL", "info"),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: AuthConfig{
			Issuer:             getEnv("JWT_ISSUER", "bastion"),
			AccessTokenExpiry:  getEnvAsDuration("ACCESS_TOKEN_EXPIRY", 15*time.Minute),
			TrustedProxies:     getEnvAsList("TRUSTED_PROXIES", nil),
			FailureDelayBase:   getEnvAsDuration("AUTH_FAILURE_DELAY", 500*time.Millisecond),
			FailureDelayJitter: getEnvAsDuration("AUTH_FAILURE_JITTER", 250*time.Millisecond),
			LoginRatePerMinute: getEnvAsInt("LOGIN_RATE_PER_MINUTE", 20),
			CodeRatePerMinute:  getEnvAsInt("CODE_RATE_PER_MINUTE", 5),
			CookieDomain:       getEnv("COOKIE_DOMAIN", ""),
			CookieSecure:       getEnvAsBool("COOKIE_SECURE", env == "production"),
			CookieSameSite:     getEnv("COOKIE_SAMESITE", "strict"),
		},
		Lockout: LockoutConfig{
			MaxAttempts:          getEnvAsInt("LOCKOUT_MAX_ATTEMPTS", 5),
			LockoutDuration:      getEnvAsDuration("LOCKOUT_DURATION", 15*time.Minute),
			LongLockoutThreshold: getEnvAsInt("LOCKOUT_LONG_THRESHOLD", 3),
			LongLockoutDuration:  getEnvAsDuration("LOCKOUT_LONG_DURATION", 24*time.Hour),
			AutoBlacklist:        getEnvAsBool("LOCKOUT_AUTO_BLACKLIST", false),
			NotifyAdmin:          getEnvAsBool("LOCKOUT_NOTIFY_ADMIN", false),
			BlockType:            getEnv("LOCKOUT_BLOCK_TYPE", models.BlockTypeMessage),
			SiteWideBlock:        getEnvAsBool("LOCKOUT_SITE_WIDE_BLOCK", false),
			HistoryRetention:     getEnvAsDuration("LOGIN_HISTORY_RETENTION", 30*24*time.Hour),
			StaleAfter:           getEnvAsDuration("LOGIN_ATTEMPT_STALE_AFTER", 60*24*time.Hour),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:          getEnv("TWOFA_ISSUER", "Bastion"),
			Method:          getEnv("TWOFA_METHOD", models.TwoFactorMethodAuthenticator),
			RequiredRoles:   getEnvAsList("TWOFA_REQUIRED_ROLES", []string{models.RoleAdministrator}),
			SessionLifetime: getEnvAsDuration("TWOFA_SESSION_LIFETIME", 15*time.Minute),
			VerifyWindow:    getEnvAsInt("TWOFA_VERIFY_WINDOW", 1),
		},
		Email: EmailConfig{
			AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
			FromAddress:     getEnv("EMAIL_FROM_ADDRESS", ""),
			AdminAddress:    getEnv("ADMIN_NOTIFY_EMAIL", ""),
			NotifyPerMinute: getEnvAsFloat("ADMIN_NOTIFY_PER_MINUTE", 6),
			NotifyBurst:     getEnvAsInt("ADMIN_NOTIFY_BURST", 3),
		},
		Storage: StorageConfig{
			ChallengeStore: getEnv("CHALLENGE_STORE", ChallengeStorePostgres),
			BoltPath:       getEnv("CHALLENGE_BOLT_PATH", "bastion-challenges.db"),
		},
		Maintenance: MaintenanceConfig{
			Interval: getEnvAsDuration("MAINTENANCE_INTERVAL", 1*time.Hour),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.ChallengeStore {
	case ChallengeStorePostgres, ChallengeStoreBolt:
	default:
		return fmt.Errorf("CHALLENGE_STORE must be %q or %q", ChallengeStorePostgres, ChallengeStoreBolt)
	}
	if c.Lockout.MaxAttempts < 1 {
		return fmt.Errorf("LOCKOUT_MAX_ATTEMPTS must be at least 1")
	}
	if c.TwoFactor.SessionLifetime <= 0 {
		return fmt.Errorf("TWOFA_SESSION_LIFETIME must be positive")
	}
	if c.Maintenance.Interval <= 0 {
		return fmt.Errorf("MAINTENANCE_INTERVAL must be positive")
	}
	return nil
}

// SecurityDefaults returns the security settings seeded from the environment
func (c *Config) SecurityDefaults() models.SecuritySettings {
	return models.SecuritySettings{
		MaxAttempts:          c.Lockout.MaxAttempts,
		LockoutDuration:      c.Lockout.LockoutDuration,
		LongLockoutThreshold: c.Lockout.LongLockoutThreshold,
		LongLockoutDuration:  c.Lockout.LongLockoutDuration,
		AutoBlacklist:        c.Lockout.AutoBlacklist,
		NotifyAdmin:          c.Lockout.NotifyAdmin,
		AdminEmail:           c.Email.AdminAddress,
		BlockType:            c.Lockout.BlockType,
		SiteWideBlock:        c.Lockout.SiteWideBlock,
		TwoFactorRoles:       c.TwoFactor.RequiredRoles,
		TwoFactorMethod:      c.TwoFactor.Method,
	}
}

// parseEncryptionKey decodes the base64 sealing key
func parseEncryptionKey(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("TWOFA_ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("TWOFA_ENCRYPTION_KEY must be base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("TWOFA_ENCRYPTION_KEY must decode to 32 bytes (got %d)", len(key))
	}
	return key, nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsList splits a comma separated value, dropping empty items
func getEnvAsList(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
