package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server        ServerConfig
	Session       SessionConfig
	RateLimit     RateLimitConfig
	TOTP          TOTPConfig
	Store         StoreConfig
	Database      DatabaseConfig
	SecurityLog   SecurityLogConfig
	Location      LocationConfig
	Notifications NotificationConfig
}

type ServerConfig struct {
	Port            string
	Env             string
	LogLevel        string
	TrustedProxies  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	LoginFloodLimit int // Coarse POST /login requests per minute per IP
	SetupEnabled    bool
}

type SessionConfig struct {
	Secret        string
	MaxAge        time.Duration
	WarningTime   time.Duration
	ExtendTime    time.Duration
	CheckInterval time.Duration
	SweepInterval time.Duration
	CookieSecure  bool
	CookieDomain  string
}

type RateLimitConfig struct {
	MaxAttempts        int
	LockoutDuration    time.Duration
	ProgressiveLockout bool
	MaxLockoutDuration time.Duration
	Retention          time.Duration
	CleanupInterval    time.Duration
	BaseDelayMs        int // Failure delay applied to invalid codes
	RandomDelayMs      int
}

type TOTPConfig struct {
	Secret        string // Optional fixed secret (base32)
	SecretFile    string
	EncryptionKey string // Passphrase for encrypting the secret file at rest
	Issuer        string
	ServiceName   string
	Skew          uint
}

type StoreConfig struct {
	Backend       string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type DatabaseConfig struct {
	Enabled           bool
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
}

type SecurityLogConfig struct {
	File            string
	MaxEntries      int
	Retention       time.Duration
	CleanupInterval time.Duration
}

type LocationConfig struct {
	Enabled  bool
	Token    string
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

type NotificationConfig struct {
	Enabled  bool
	Types    NotificationTypes
	Telegram TelegramConfig
	Email    EmailConfig
	SendGrid SendGridConfig
	SES      SESConfig
}

// NotificationTypes toggles delivery per event class
type NotificationTypes struct {
	LoginSuccess   bool
	LoginFailed    bool
	RateLimited    bool
	AdminActions   bool
	SessionExpired bool
}

type TelegramConfig struct {
	Enabled  bool
	BotToken string
	ChatID   string
	APIURL   string
}

type EmailConfig struct {
	Enabled       bool
	Host          string
	Port          int
	Secure        bool
	User          string
	Password      string
	From          string
	To            string
	RetryAttempts int
	RetryDelay    time.Duration
}

type SendGridConfig struct {
	Enabled   bool
	APIKey    string
	FromEmail string
	FromName  string
	ToEmail   string
}

type SESConfig struct {
	Enabled bool
	Region  string
	From    string
	To      string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "3000"),
			Env:             env,
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			TrustedProxies:  getEnvAsList("TRUSTED_PROXIES"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			LoginFloodLimit: getEnvAsInt("LOGIN_FLOOD_LIMIT", 30),
			SetupEnabled:    getEnvAsBool("SETUP_ENABLED", env != "production"),
		},
		Session: SessionConfig{
			Secret:        getEnv("SESSION_SECRET", ""),
			MaxAge:        getEnvAsDuration("SESSION_MAX_AGE", 30*time.Minute),
			WarningTime:   getEnvAsDuration("SESSION_WARNING_TIME", 5*time.Minute),
			ExtendTime:    getEnvAsDuration("SESSION_EXTEND_TIME", 15*time.Minute),
			CheckInterval: getEnvAsDuration("SESSION_CHECK_INTERVAL", 1*time.Minute),
			SweepInterval: getEnvAsDuration("SESSION_CLEANUP_INTERVAL", 5*time.Minute),
			CookieSecure:  getEnvAsBool("COOKIE_SECURE", env == "production"),
			CookieDomain:  getEnv("COOKIE_DOMAIN", ""),
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:        getEnvAsInt("RATE_LIMIT_MAX_ATTEMPTS", 5),
			LockoutDuration:    getEnvAsDuration("RATE_LIMIT_LOCKOUT_DURATION", 15*time.Minute),
			ProgressiveLockout: getEnvAsBool("RATE_LIMIT_PROGRESSIVE", true),
			MaxLockoutDuration: getEnvAsDuration("RATE_LIMIT_MAX_LOCKOUT", 24*time.Hour),
			Retention:          getEnvAsDuration("RATE_LIMIT_RETENTION", 24*time.Hour),
			CleanupInterval:    getEnvAsDuration("RATE_LIMIT_CLEANUP_INTERVAL", 1*time.Hour),
			BaseDelayMs:        getEnvAsInt("FAILURE_DELAY_BASE_MS", 250),
			RandomDelayMs:      getEnvAsInt("FAILURE_DELAY_RANDOM_MS", 250),
		},
		TOTP: TOTPConfig{
			Secret:        strings.ToUpper(strings.ReplaceAll(getEnv("TOTP_SECRET", ""), " ", "")),
			SecretFile:    getEnv("TOTP_SECRET_FILE", ".secret-key.json"),
			EncryptionKey: getEnv("SECRET_ENCRYPTION_KEY", ""),
			Issuer:        getEnv("TOTP_ISSUER", "SecureWebApp"),
			ServiceName:   getEnv("SERVICE_NAME", "Secure Web App"),
			Skew:          uint(getEnvAsInt("TOTP_SKEW", 2)),
		},
		Store: StoreConfig{
			Backend:       strings.ToLower(getEnv("STORE_BACKEND", "memory")),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvAsInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Enabled:           getEnvAsBool("DB_ENABLED", false),
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "totpgate"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 10)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 1)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		SecurityLog: SecurityLogConfig{
			File:            getEnv("SECURITY_LOG_FILE", ".security-logs.json"),
			MaxEntries:      getEnvAsInt("SECURITY_LOG_MAX_ENTRIES", 1000),
			Retention:       getEnvAsDuration("SECURITY_LOG_RETENTION", 30*24*time.Hour),
			CleanupInterval: getEnvAsDuration("SECURITY_LOG_CLEANUP_INTERVAL", 24*time.Hour),
		},
		Location: LocationConfig{
			Enabled:  getEnvAsBool("IPINFO_ENABLED", true),
			Token:    getEnv("IPINFO_TOKEN", ""),
			BaseURL:  getEnv("IPINFO_URL", "https://ipinfo.io"),
			Timeout:  getEnvAsDuration("IPINFO_TIMEOUT", 5*time.Second),
			CacheTTL: getEnvAsDuration("IPINFO_CACHE_TTL", 24*time.Hour),
		},
		Notifications: NotificationConfig{
			Enabled: getEnvAsBool("NOTIFICATIONS_ENABLED", true),
			Types: NotificationTypes{
				LoginSuccess:   getEnvAsBool("NOTIFY_LOGIN_SUCCESS", true),
				LoginFailed:    getEnvAsBool("NOTIFY_LOGIN_FAILED", false),
				RateLimited:    getEnvAsBool("NOTIFY_RATE_LIMITED", true),
				AdminActions:   getEnvAsBool("NOTIFY_ADMIN_ACTIONS", true),
				SessionExpired: getEnvAsBool("NOTIFY_SESSION_EXPIRED", false),
			},
			Telegram: TelegramConfig{
				Enabled:  getEnvAsBool("TELEGRAM_ENABLED", false),
				BotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
				ChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
				APIURL:   getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
			},
			Email: EmailConfig{
				Enabled:       getEnvAsBool("EMAIL_ENABLED", false),
				Host:          getEnv("EMAIL_HOST", "smtp.gmail.com"),
				Port:          getEnvAsInt("EMAIL_PORT", 587),
				Secure:        getEnvAsBool("EMAIL_SECURE", false),
				User:          getEnv("EMAIL_USER", ""),
				Password:      getEnv("EMAIL_PASS", ""),
				From:          getEnv("EMAIL_FROM", getEnv("EMAIL_USER", "")),
				To:            getEnv("EMAIL_TO", ""),
				RetryAttempts: getEnvAsInt("EMAIL_RETRY_ATTEMPTS", 3),
				RetryDelay:    getEnvAsDuration("EMAIL_RETRY_DELAY", 5*time.Second),
			},
			SendGrid: SendGridConfig{
				Enabled:   getEnvAsBool("SENDGRID_ENABLED", false),
				APIKey:    getEnv("SENDGRID_API_KEY", ""),
				FromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
				FromName:  getEnv("SENDGRID_FROM_NAME", "Secure Web App"),
				ToEmail:   getEnv("SENDGRID_TO_EMAIL", ""),
			},
			SES: SESConfig{
				Enabled: getEnvAsBool("SES_ENABLED", false),
				Region:  getEnv("AWS_REGION", "us-east-1"),
				From:    getEnv("SES_FROM_EMAIL", ""),
				To:      getEnv("SES_TO_EMAIL", ""),
			},
		},
	}

	if err := validateSessionSecret(cfg.Session.Secret, env); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.RateLimit.MaxAttempts < 1 {
		return fmt.Errorf("RATE_LIMIT_MAX_ATTEMPTS must be at least 1")
	}
	if c.RateLimit.LockoutDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_LOCKOUT_DURATION must be positive")
	}
	if c.RateLimit.MaxLockoutDuration < c.RateLimit.LockoutDuration {
		return fmt.Errorf("RATE_LIMIT_MAX_LOCKOUT must not be shorter than RATE_LIMIT_LOCKOUT_DURATION")
	}
	if c.Session.MaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive")
	}
	if c.Session.WarningTime >= c.Session.MaxAge {
		return fmt.Errorf("SESSION_WARNING_TIME must be shorter than SESSION_MAX_AGE")
	}
	if c.Store.Backend != "memory" && c.Store.Backend != "redis" {
		return fmt.Errorf("STORE_BACKEND must be \"memory\" or \"redis\", got %q", c.Store.Backend)
	}
	if c.Database.Enabled && c.Database.Password == "" {
		return fmt.Errorf("DB_PASSWORD is required when DB_ENABLED is set")
	}
	return nil
}

// validateSessionSecret enforces minimum security standards for the cookie signing secret
func validateSessionSecret(secret, env string) error {
	if secret == "" {
		if env == "production" {
			return fmt.Errorf("SESSION_SECRET is required in production")
		}
		return nil // Development falls back to a random per-process secret
	}

	minLength := 16
	if env == "production" {
		minLength = 32
	}

	if len(secret) < minLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
		"your-secret-key-change-this-in-production",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("SESSION_SECRET cannot be a common weak value")
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

// IsProduction reports whether the server runs with production defaults
func (c *ServerConfig) IsProduction() bool {
	return c.Env == "production"
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

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

// getEnvAsDuration accepts Go duration syntax ("15m") or a bare integer
// number of milliseconds ("900000")
func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if ms, err := strconv.ParseInt(value, 10, 64); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
