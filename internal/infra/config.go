package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string
	StoragePath string
	GeoIPDBPath string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdmissionBackend  string
	AdmissionCooldown time.Duration
	AdmissionSlots    int
	AdmissionMaxWait  time.Duration

	ServerPool        []string
	LocalServerURL    string
	LocalMode         bool
	LocalProxyBase    string
	RestrictedServers []string
	ElevatedRoles     []string
	BackendTimeout    time.Duration
	TokenCacheTTL     time.Duration

	CaptchaBaseURL    string
	CaptchaWebsiteURL string
	CaptchaWebsiteKey string
	CaptchaPageAction string
	CaptchaProjectID  string

	BatchStagger  time.Duration
	BatchMaxUnits int
	JobTTL        time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string
}

const (
	AdmissionBackendSQL   = "sql"
	AdmissionBackendRedis = "redis"
	AdmissionBackendNone  = "none"
)

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		StoragePath: getEnv("STORAGE_PATH", "./storage"),
		GeoIPDBPath: os.Getenv("GEOIP_DB_PATH"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		AdmissionBackend:  strings.ToLower(getEnv("ADMISSION_BACKEND", AdmissionBackendSQL)),
		AdmissionCooldown: time.Second * time.Duration(getEnvInt("ADMISSION_COOLDOWN_SECONDS", 10)),
		AdmissionSlots:    getEnvInt("ADMISSION_SLOTS_PER_WINDOW", 4),
		AdmissionMaxWait:  time.Second * time.Duration(getEnvInt("ADMISSION_MAX_WAIT_SECONDS", 30)),

		ServerPool:        getEnvList("SERVER_POOL", nil),
		LocalServerURL:    getEnv("LOCAL_SERVER_URL", "http://localhost:3001"),
		LocalMode:         getEnvBool("LOCAL_MODE", false),
		LocalProxyBase:    os.Getenv("LOCAL_PROXY_BASE"),
		RestrictedServers: getEnvList("RESTRICTED_SERVERS", nil),
		ElevatedRoles:     getEnvList("ELEVATED_ROLES", []string{"admin", "special_user"}),
		BackendTimeout:    time.Second * time.Duration(getEnvInt("BACKEND_TIMEOUT_SECONDS", 120)),
		TokenCacheTTL:     time.Second * time.Duration(getEnvInt("TOKEN_CACHE_TTL_SECONDS", 600)),

		CaptchaBaseURL:    getEnv("CAPTCHA_BASE_URL", "https://api.anti-captcha.com"),
		CaptchaWebsiteURL: getEnv("CAPTCHA_WEBSITE_URL", "https://labs.google/fx/tools/flow/project/{projectId}"),
		CaptchaWebsiteKey: os.Getenv("CAPTCHA_WEBSITE_KEY"),
		CaptchaPageAction: getEnv("CAPTCHA_PAGE_ACTION", "FLOW_GENERATION"),
		CaptchaProjectID:  os.Getenv("CAPTCHA_PROJECT_ID"),

		BatchStagger:  time.Millisecond * time.Duration(getEnvInt("BATCH_STAGGER_MS", 500)),
		BatchMaxUnits: getEnvInt("BATCH_MAX_UNITS", 4),
		JobTTL:        time.Minute * time.Duration(getEnvInt("JOB_TTL_MINUTES", 120)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 300)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS", nil),
	}

	switch cfg.AdmissionBackend {
	case AdmissionBackendSQL, AdmissionBackendNone:
	case AdmissionBackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when ADMISSION_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported ADMISSION_BACKEND %q", cfg.AdmissionBackend)
	}

	if cfg.BatchMaxUnits <= 0 {
		cfg.BatchMaxUnits = 1
	}

	return cfg, nil
}

// Validate checks the settings every service binary needs.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.ServerPool) == 0 && !c.LocalMode {
		return fmt.Errorf("SERVER_POOL is required")
	}
	return nil
}

// ValidateAPI additionally checks the settings of the HTTP API.
func (c *Config) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
