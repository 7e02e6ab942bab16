package config

import (
	"log"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Environment string
	AppPort     string

	DBDriver    string
	DBPath      string
	DatabaseURL string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string

	RefreshInterval   time.Duration
	RefreshOnStart    bool
	FetchTimeout      time.Duration
	EnrichTimeout     time.Duration
	EnrichConcurrency int
	QueueWorkers      int
	QueueSize         int
	TaskRetention     time.Duration
	UserAgent         string

	CredentialsFile string
	EnvFile         string

	// AI_* values present in the process environment before the env file
	// was loaded into it.
	aiEnv map[string]string
}

func Load() *Config {
	envFile := getEnv("ENV_FILE", ".env")
	aiEnv := snapshotAIEnv()
	if err := godotenv.Load(envFile); err != nil {
		if _, statErr := os.Stat(envFile); statErr == nil {
			log.Printf("Warning: %s exists but couldn't be loaded: %v", envFile, err)
		}
	}

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		AppPort:     getEnv("APP_PORT", "8080"),

		DBDriver:    strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:      getEnv("DB_PATH", "rss_data.db"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		RefreshInterval:   getDuration("REFRESH_INTERVAL", 300*time.Second),
		RefreshOnStart:    getBool("REFRESH_ON_START", false),
		FetchTimeout:      getDuration("FETCH_TIMEOUT", 30*time.Second),
		EnrichTimeout:     getDuration("ENRICH_TIMEOUT", 30*time.Second),
		EnrichConcurrency: getInt("ENRICH_CONCURRENCY", 4),
		QueueWorkers:      getInt("QUEUE_WORKERS", 2),
		QueueSize:         getInt("QUEUE_SIZE", 100),
		TaskRetention:     getDuration("TASK_RETENTION", time.Hour),
		UserAgent:         getEnv("USER_AGENT", "rss-service/1.0"),

		CredentialsFile: getEnv("CREDENTIALS_FILE", "credentials.toml"),
		EnvFile:         envFile,
		aiEnv:           aiEnv,
	}

	if cfg.DatabaseURL != "" {
		cfg.DBDriver = "postgres"
		cfg.parseDBURL()
	} else {
		cfg.DBHost = getEnv("DB_HOST", "localhost")
		cfg.DBPort = getEnv("DB_PORT", "5432")
		cfg.DBUser = getEnv("DB_USER", "postgres")
		cfg.DBPassword = getEnv("DB_PASSWORD", "password")
		cfg.DBName = getEnv("DB_NAME", "rss_reader")
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getDuration accepts Go durations ("5m") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	value = strings.TrimSpace(value)
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Printf("Warning: invalid %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		log.Printf("Warning: invalid %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return b
}

func (c *Config) parseDBURL() {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		log.Printf("Error parsing DATABASE_URL: %v", err)
		return
	}

	c.DBHost = u.Hostname()
	c.DBPort = u.Port()
	if c.DBPort == "" {
		c.DBPort = "5432"
	}

	c.DBUser = u.User.Username()
	if password, ok := u.User.Password(); ok {
		c.DBPassword = password
	}

	c.DBName = strings.TrimPrefix(u.Path, "/")
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
