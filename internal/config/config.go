// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"ledgerbot/internal/ledger"
	"ledgerbot/internal/ratelimit"
	"ledgerbot/internal/services"
	"ledgerbot/internal/worker"
)

// ScheduleParser accepts standard five-field specs, an optional leading
// seconds field and descriptors such as "@every 2m".
var ScheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

type Config struct {
	// HTTP Server
	Port               string
	CORSAllowedOrigins []string
	ShutdownTimeout    time.Duration
	// WritesPerMinute caps POST/PUT requests per client; 0 disables it.
	WritesPerMinute int

	LogLevel string

	// Backend selection
	DataBackend string
	DataDir     string

	// Database
	SQLiteDBPath string

	// Google Sheets
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
	SheetsRowIndexTTL        time.Duration

	// AMQP (optional)
	AMQPURL        string
	AMQPExchange   string
	AMQPQueue      string
	AMQPRoutingKey string
	InstanceID     string

	// Store rate limiting
	StoreRequestsPerWindow int
	StoreWindow            time.Duration
	StoreCallTimeout       time.Duration
	StoreBaseBackoff       time.Duration
	StoreMaxBackoff        time.Duration
	StoreCooldown          time.Duration

	// Ledger cache
	CacheFreshFor    time.Duration
	CacheRefreshWait time.Duration
	RefreshSchedule  string

	// Sync worker
	SyncMaxAttempts int
	SyncRetryPause  time.Duration

	// Queries
	HistoryDefaultLimit int
	MemoSize            int
	MemoTTL             time.Duration
}

func Load() *Config {
	hostname, _ := os.Hostname()
	rl := ratelimit.DefaultConfig()
	lc := ledger.DefaultConfig()
	wc := worker.DefaultConfig()
	sc := services.DefaultConfig()

	return &Config{
		Port:               getEnv("PORT", "8081"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		WritesPerMinute:    getEnvInt("HTTP_WRITES_PER_MINUTE", 60),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		DataBackend: getEnv("DATA_BACKEND", "memory"),
		DataDir:     getEnv("DATA_DIR", "data"),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/ledger.db"),

		GoogleSpreadsheetID:      getEnv("GOOGLE_SPREADSHEET_ID", ""),
		GoogleSheetName:          getEnv("GOOGLE_SHEET_NAME", "Transactions"),
		GoogleServiceAccountJSON: getEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		GoogleServiceAccountFile: getEnv("GOOGLE_SERVICE_ACCOUNT_FILE", ""),
		SheetsRowIndexTTL:        getEnvDuration("SHEETS_ROW_INDEX_TTL", 10*time.Minute),

		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "ledger"),
		AMQPQueue:      getEnv("AMQP_QUEUE", "ledger_events"),
		AMQPRoutingKey: getEnv("AMQP_ROUTING_KEY", "ledger.events"),
		InstanceID:     getEnv("INSTANCE_ID", hostname),

		StoreRequestsPerWindow: getEnvInt("STORE_REQUESTS_PER_WINDOW", rl.Requests),
		StoreWindow:            getEnvDuration("STORE_WINDOW", rl.Window),
		StoreCallTimeout:       getEnvDuration("STORE_CALL_TIMEOUT", rl.CallTimeout),
		StoreBaseBackoff:       getEnvDuration("STORE_BASE_BACKOFF", rl.BaseBackoff),
		StoreMaxBackoff:        getEnvDuration("STORE_MAX_BACKOFF", rl.MaxBackoff),
		StoreCooldown:          getEnvDuration("STORE_COOLDOWN", rl.Cooldown),

		CacheFreshFor:    getEnvDuration("CACHE_FRESH_FOR", lc.FreshFor),
		CacheRefreshWait: getEnvDuration("CACHE_REFRESH_WAIT", lc.RefreshWait),
		RefreshSchedule:  getEnv("REFRESH_SCHEDULE", "@every 5m"),

		SyncMaxAttempts: getEnvInt("SYNC_MAX_ATTEMPTS", wc.MaxAttempts),
		SyncRetryPause:  getEnvDuration("SYNC_RETRY_PAUSE", wc.RetryPause),

		HistoryDefaultLimit: getEnvInt("HISTORY_DEFAULT_LIMIT", sc.HistoryLimit),
		MemoSize:            getEnvInt("MEMO_SIZE", sc.MemoSize),
		MemoTTL:             getEnvDuration("MEMO_TTL", sc.MemoTTL),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	validBackends := []string{"memory", "sheets", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	if c.DataBackend == "sheets" {
		if c.GoogleSpreadsheetID == "" {
			errors = append(errors, "Google Spreadsheet ID is required when using sheets backend")
		}
		if c.GoogleSheetName == "" {
			errors = append(errors, "Google Sheet name is required when using sheets backend")
		}
		hasFile := c.GoogleServiceAccountFile != ""
		hasJSON := c.GoogleServiceAccountJSON != ""
		if !hasFile && !hasJSON && os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") == "" {
			errors = append(errors, "either GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_SERVICE_ACCOUNT_JSON must be provided for sheets backend")
		}
		if hasFile {
			if _, err := os.Stat(c.GoogleServiceAccountFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google service account file does not exist: %s", c.GoogleServiceAccountFile))
			}
		}
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
		if c.InstanceID == "" {
			errors = append(errors, "INSTANCE_ID cannot be empty when AMQP URL is provided")
		}
	}

	if c.StoreRequestsPerWindow < 1 {
		errors = append(errors, fmt.Sprintf("invalid store request budget %d: must be at least 1", c.StoreRequestsPerWindow))
	}
	if c.StoreWindow < time.Second {
		errors = append(errors, fmt.Sprintf("invalid store window %v: must be at least 1 second", c.StoreWindow))
	}
	if c.StoreCallTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid store call timeout %v: must be positive", c.StoreCallTimeout))
	}
	if c.StoreBaseBackoff <= 0 || c.StoreMaxBackoff < c.StoreBaseBackoff {
		errors = append(errors, fmt.Sprintf("invalid store backoff %v..%v: base must be positive and not above max", c.StoreBaseBackoff, c.StoreMaxBackoff))
	}

	if c.CacheFreshFor < 0 {
		errors = append(errors, fmt.Sprintf("invalid cache freshness %v: must not be negative", c.CacheFreshFor))
	}
	if c.CacheRefreshWait < 0 {
		errors = append(errors, fmt.Sprintf("invalid cache refresh wait %v: must not be negative", c.CacheRefreshWait))
	}
	if c.RefreshSchedule != "" {
		if _, err := ScheduleParser.Parse(c.RefreshSchedule); err != nil {
			errors = append(errors, fmt.Sprintf("invalid refresh schedule '%s': %v", c.RefreshSchedule, err))
		}
	}

	if c.SyncMaxAttempts < 1 {
		errors = append(errors, fmt.Sprintf("invalid sync max attempts %d: must be at least 1", c.SyncMaxAttempts))
	} else if c.SyncMaxAttempts > 100 {
		errors = append(errors, fmt.Sprintf("invalid sync max attempts %d: must be at most 100", c.SyncMaxAttempts))
	}
	if c.SyncRetryPause < 0 {
		errors = append(errors, fmt.Sprintf("invalid sync retry pause %v: must not be negative", c.SyncRetryPause))
	}

	if c.WritesPerMinute < 0 {
		errors = append(errors, fmt.Sprintf("invalid HTTP write limit %d: must not be negative", c.WritesPerMinute))
	}

	if c.HistoryDefaultLimit < 1 {
		errors = append(errors, fmt.Sprintf("invalid history default limit %d: must be at least 1", c.HistoryDefaultLimit))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// RateLimit is the store limiter configuration.
func (c *Config) RateLimit() ratelimit.Config {
	return ratelimit.Config{
		Requests:    c.StoreRequestsPerWindow,
		Window:      c.StoreWindow,
		BaseBackoff: c.StoreBaseBackoff,
		MaxBackoff:  c.StoreMaxBackoff,
		Cooldown:    c.StoreCooldown,
		CallTimeout: c.StoreCallTimeout,
	}
}

// Ledger is the ledger cache configuration.
func (c *Config) Ledger() ledger.Config {
	return ledger.Config{
		FreshFor:    c.CacheFreshFor,
		RefreshWait: c.CacheRefreshWait,
	}
}

// Worker is the sync worker configuration.
func (c *Config) Worker() worker.Config {
	return worker.Config{
		MaxAttempts: c.SyncMaxAttempts,
		RetryPause:  c.SyncRetryPause,
	}
}

// Services is the ledger service configuration.
func (c *Config) Services() services.Config {
	return services.Config{
		HistoryLimit: c.HistoryDefaultLimit,
		MemoSize:     c.MemoSize,
		MemoTTL:      c.MemoTTL,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
