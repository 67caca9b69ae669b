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
	Database DatabaseConfig
	Server   ServerConfig
	Recovery RecoveryConfig
	Precheck PrecheckConfig
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
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	TrustedProxies []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

/// RecoveryConfig holds the abuse-gate settings: the shared caller secret,
// the sliding window, the three scope ceilings, and the lockout tiers.
type RecoveryConfig struct {
	InternalKey         string
	Window              time.Duration
	MaxAttemptsPerKey   int
	MaxAttemptsPerEmail int
	MaxAttemptsPerIP    int
	CooldownFirst       time.Duration
	CooldownSecond      time.Duration
	CooldownThird       time.Duration
	RetentionPeriod     time.Duration
	CleanupInterval     time.Duration
}

// PrecheckConfig holds settings for the public precheck edge endpoint
type PrecheckConfig struct {
	Enabled            bool
	TurnstileSecretKey string
	JitterMinMs        int
	JitterMaxMs        int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	internalKey := getEnv("RECOVERY_INTERNAL_KEY", "")
	if internalKey == "" {
		return nil, fmt.Errorf("RECOVERY_INTERNAL_KEY is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "recoverygate"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			TrustedProxies: parseCSV(getEnv("TRUSTED_PROXIES", "")),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Recovery: RecoveryConfig{
			InternalKey:         internalKey,
			Window:              getEnvAsDuration("RECOVERY_WINDOW", 10*time.Minute),
			MaxAttemptsPerKey:   getEnvAsInt("RECOVERY_MAX_ATTEMPTS_PER_KEY", 5),
			MaxAttemptsPerEmail: getEnvAsInt("RECOVERY_MAX_ATTEMPTS_PER_EMAIL", 10),
			MaxAttemptsPerIP:    getEnvAsInt("RECOVERY_MAX_ATTEMPTS_PER_IP", 30),
			CooldownFirst:       getEnvAsDuration("RECOVERY_COOLDOWN_FIRST", 5*time.Minute),
			CooldownSecond:      getEnvAsDuration("RECOVERY_COOLDOWN_SECOND", 15*time.Minute),
			CooldownThird:       getEnvAsDuration("RECOVERY_COOLDOWN_THIRD", 60*time.Minute),
			RetentionPeriod:     getEnvAsDuration("RECOVERY_RETENTION_PERIOD", 24*time.Hour),
			CleanupInterval:     getEnvAsDuration("RECOVERY_CLEANUP_INTERVAL", 1*time.Hour),
		},
		Precheck: PrecheckConfig{
			Enabled:            getEnvAsBool("RECOVERY_PRECHECK_ENABLED", false),
			TurnstileSecretKey: getEnv("TURNSTILE_SECRET_KEY", ""),
			JitterMinMs:        getEnvAsInt("PRECHECK_JITTER_MIN_MS", 150),
			JitterMaxMs:        getEnvAsInt("PRECHECK_JITTER_MAX_MS", 350),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	// The internal key is the only thing standing between the public internet
	// and the gate's state, so enforce minimum strength
	if err := validateInternalKey(internalKey, env); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateInternalKey enforces minimum security standards for the caller secret
func validateInternalKey(secret, env string) error {
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("RECOVERY_INTERNAL_KEY must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("RECOVERY_INTERNAL_KEY cannot be a common weak value")
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

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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

func parseCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{} // Default to no origins in production
		}
		return parseCSV(originsStr)
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
