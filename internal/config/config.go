package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
	Mode      string // http, mcp or both
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string // text or json
}

// EngineConfig holds execution engine tuning.
type EngineConfig struct {
	PollInterval   time.Duration
	Workers        int
	DefaultTimeout time.Duration
	CancelGrace    time.Duration
	LeaseGrace     time.Duration
	HistoryKeep    int
	TriggerRPS     float64
	TriggerBurst   int
}

// NotifyConfig holds notification settings.
type NotifyConfig struct {
	WebhookURL string
	Channels   []string // default channels for tasks that name none
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server ServerConfig
	Log    LogConfig
	Engine EngineConfig
	Notify NotifyConfig

	DBPath        string
	WatchDirs     string
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "0.0.0.0:8484"
	defaultMode          = "http"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultPollInterval  = 15 * time.Second
	defaultWorkers       = 4
	defaultTimeout       = 5 * time.Minute
	defaultCancelGrace   = 10 * time.Second
	defaultLeaseGrace    = 30 * time.Second
	defaultHistoryKeep   = 50
	defaultTriggerRPS    = 2.0
	defaultTriggerBurst  = 4
	defaultShutdownGrace = 10 * time.Second
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvFloat returns the environment variable as float64 or default
func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse() (*Config, error) {
	// Load .env file if exists (silent fail if not present)
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "taskmill", ".env"))
	}
	_ = godotenv.Load(envFiles...) // Ignore error - file is optional

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("TASKMILL_ADDR", defaultAddr),
			AuthToken: getEnvString("TASKMILL_AUTH_TOKEN", ""),
			Mode:      getEnvString("TASKMILL_MODE", defaultMode),
		},
		Log: LogConfig{
			Level:  getEnvString("TASKMILL_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("TASKMILL_LOG_FORMAT", defaultLogFormat),
		},
		Engine: EngineConfig{
			PollInterval:   getEnvDuration("TASKMILL_POLL_INTERVAL", defaultPollInterval),
			Workers:        getEnvInt("TASKMILL_WORKERS", defaultWorkers),
			DefaultTimeout: getEnvDuration("TASKMILL_DEFAULT_TIMEOUT", defaultTimeout),
			CancelGrace:    getEnvDuration("TASKMILL_CANCEL_GRACE", defaultCancelGrace),
			LeaseGrace:     getEnvDuration("TASKMILL_LEASE_GRACE", defaultLeaseGrace),
			HistoryKeep:    getEnvInt("TASKMILL_HISTORY_KEEP", defaultHistoryKeep),
			TriggerRPS:     getEnvFloat("TASKMILL_TRIGGER_RPS", defaultTriggerRPS),
			TriggerBurst:   getEnvInt("TASKMILL_TRIGGER_BURST", defaultTriggerBurst),
		},
		Notify: NotifyConfig{
			WebhookURL: getEnvString("TASKMILL_NOTIFY_WEBHOOK_URL", ""),
			Channels:   splitList(getEnvString("TASKMILL_NOTIFY_CHANNELS", "")),
		},
		DBPath:        getEnvString("TASKMILL_DB_PATH", ""),
		WatchDirs:     getEnvString("TASKMILL_WATCH_DIRS", ""),
		ShutdownGrace: getEnvDuration("TASKMILL_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	var addr, mode, dbPath, logLevel, logFormat string
	var workers, historyKeep int
	var pollInterval, shutdownGrace time.Duration

	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides env)")
	flag.StringVar(&mode, "mode", "", "Serve mode: http, mcp or both")
	flag.StringVar(&dbPath, "db-path", "", "Path to the SQLite database file")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&logFormat, "log-format", "", "Log format (text, json)")
	flag.IntVar(&workers, "workers", 0, "Number of concurrent execution workers")
	flag.IntVar(&historyKeep, "history-keep", 0, "Executions retained per task")
	flag.DurationVar(&pollInterval, "poll-interval", 0, "How often due tasks are polled")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	flag.Parse()

	if addr != "" {
		cfg.Server.Addr = addr
	}
	if mode != "" {
		cfg.Server.Mode = mode
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if workers > 0 {
		cfg.Engine.Workers = workers
	}
	if pollInterval > 0 {
		cfg.Engine.PollInterval = pollInterval
	}
	// History and grace may be set to zero explicitly, so check the flag set.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "history-keep":
			cfg.Engine.HistoryKeep = historyKeep
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})

	switch cfg.Server.Mode {
	case "http", "mcp", "both":
	default:
		return nil, fmt.Errorf("invalid mode %q, want http, mcp or both", cfg.Server.Mode)
	}
	if cfg.Engine.Workers < 1 {
		cfg.Engine.Workers = defaultWorkers
	}
	if cfg.Engine.HistoryKeep < 0 {
		cfg.Engine.HistoryKeep = defaultHistoryKeep
	}

	if cfg.DBPath == "" {
		path, err := defaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve default db path: %w", err)
		}
		cfg.DBPath = path
	}

	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func defaultDBPath() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(baseDir, "taskmill")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "taskmill.db"), nil
}
