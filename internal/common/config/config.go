package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Travel-time cache backends.
const (
	CacheBackendFile     = "file"
	CacheBackendPostgres = "postgres"
	CacheBackendNone     = "none"
)

type Config struct {
	Input     InputConfig
	Engine    EngineConfig
	Estimator EstimatorConfig
	Cache     CacheConfig
	Database  DatabaseConfig
	Output    OutputConfig
	Logging   LoggingConfig
}

// InputConfig locates the station snapshots. URL, when set, is downloaded
// into DownloadDir and replaces Path.
type InputConfig struct {
	Path        string
	URL         string
	DownloadDir string
	ExportPath  string
}

type EngineConfig struct {
	MaxPendingAge time.Duration
	Workers       int
}

type EstimatorConfig struct {
	GoogleAPIKey    string
	UseGoogleAPI    bool
	AllowFallback   bool
	BaseURL         string
	RateLimitPerMin int
	Timeout         time.Duration
	BikeScaleFactor float64
	BikeCIPercent   float64
}

type CacheConfig struct {
	Backend    string
	FilePath   string
	FlushEvery int
	MemorySize int
	PruneStale bool
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

type OutputConfig struct {
	TopologyPath string
	NATSURL      string
	NATSSubject  string
	MetricsAddr  string
}

type LoggingConfig struct {
	Level          string
	FilePath       string
	DiscordWebhook string
}

// Load reads the configuration from the environment. Malformed numbers,
// durations and booleans are reported together.
func Load() (*Config, error) {
	var errs []error

	cfg := &Config{
		Input: InputConfig{
			Path:        getEnv("INPUT_PATH", "data.json"),
			URL:         getEnv("INPUT_URL", ""),
			DownloadDir: getEnv("DOWNLOAD_DIR", "/tmp/bicingtrips"),
			ExportPath:  getEnv("EXPORT_DATA_PATH", ""),
		},
		Engine: EngineConfig{
			MaxPendingAge: getDurationEnv("MAX_PENDING_AGE", 35*time.Minute, &errs),
			Workers:       getIntEnv("ESTIMATOR_WORKERS", 8, &errs),
		},
		Estimator: EstimatorConfig{
			GoogleAPIKey:    getEnv("GOOGLE_API_KEY", ""),
			UseGoogleAPI:    getBoolEnv("USE_GOOGLE_API", true, &errs),
			AllowFallback:   getBoolEnv("ESTIMATOR_FALLBACK", true, &errs),
			BaseURL:         getEnv("DISTANCE_MATRIX_URL", "https://maps.googleapis.com/maps/api/distancematrix/json"),
			RateLimitPerMin: getIntEnv("ESTIMATOR_RATE_LIMIT_PER_MIN", 600, &errs),
			Timeout:         getDurationEnv("ESTIMATOR_TIMEOUT", 10*time.Second, &errs),
			BikeScaleFactor: getFloatEnv("BIKE_SCALE_FACTOR", 2.13, &errs),
			BikeCIPercent:   getFloatEnv("BIKE_CI_PERCENTAGE", 0.2, &errs),
		},
		Cache: CacheConfig{
			Backend:    strings.ToLower(getEnv("CACHE_BACKEND", CacheBackendFile)),
			FilePath:   getEnv("CACHE_FILE", "walking_cache.json"),
			FlushEvery: getIntEnv("CACHE_FLUSH_EVERY", 50, &errs),
			MemorySize: getIntEnv("CACHE_MEMORY_SIZE", 10000, &errs),
			PruneStale: getBoolEnv("CACHE_PRUNE_STALE", true, &errs),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "bicingtrips"),
		},
		Output: OutputConfig{
			TopologyPath: getEnv("OUTPUT_PATH", "topology.jsonl"),
			NATSURL:      getEnv("NATS_URL", ""),
			NATSSubject:  getEnv("NATS_SUBJECT", "bicing.topology"),
			MetricsAddr:  getEnv("METRICS_ADDR", ""),
		},
		Logging: LoggingConfig{
			Level:          getEnv("LOG_LEVEL", "info"),
			FilePath:       getEnv("LOG_FILE", "bicingtrips.log"),
			DiscordWebhook: getEnv("LOG_DISCORD_WEBHOOK", ""),
		},
	}

	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	if c.Engine.MaxPendingAge < time.Second {
		errs = append(errs, fmt.Errorf("MAX_PENDING_AGE must be at least 1s, got %s", c.Engine.MaxPendingAge))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("ESTIMATOR_WORKERS must be at least 1"))
	}
	if c.Estimator.BikeScaleFactor <= 0 {
		errs = append(errs, fmt.Errorf("BIKE_SCALE_FACTOR must be positive"))
	}
	if c.Estimator.BikeCIPercent < 0 || c.Estimator.BikeCIPercent >= 1 {
		errs = append(errs, fmt.Errorf("BIKE_CI_PERCENTAGE must be in [0, 1)"))
	}
	switch c.Cache.Backend {
	case CacheBackendFile, CacheBackendPostgres, CacheBackendNone:
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND %q is not one of file, postgres, none", c.Cache.Backend))
	}
	if c.Input.Path == "" && c.Input.URL == "" {
		errs = append(errs, fmt.Errorf("one of INPUT_PATH or INPUT_URL is required"))
	}
	return errs
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return duration
}

func getIntEnv(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getFloatEnv(key string, defaultValue float64, errs *[]error) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return f
}

func getBoolEnv(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}
