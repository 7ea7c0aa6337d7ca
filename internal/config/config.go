package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/scan-worker/internal/auth"
	"github.com/masa-finance/scan-worker/internal/jobserver"
	"github.com/masa-finance/scan-worker/internal/sandbox"
	"github.com/masa-finance/scan-worker/internal/vault"
)

const defaultDataDir = "/home/masa"
const defaultListenAddress = ":8080"

// ErrMissingSecret is returned when no JWT_SECRET is configured.
var ErrMissingSecret = errors.New("JWT_SECRET is required")

// JobConfiguration is the flat view of the environment. The typed getters
// below turn it into the configuration of each component.
type JobConfiguration map[string]any

// envInt reads a positive integer, falling back to def on absence or garbage.
func envInt(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		logrus.Errorf("Error parsing %s=%q. Setting to default %d.", key, s, def)
		return def
	}
	return v
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}

func envString(key, def string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return def
}

func envList(key, def string) []string {
	var out []string
	for _, s := range strings.Split(envString(key, def), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ReadConfig loads $DATA_DIR/.env and reads the environment. The env file is
// optional in standalone mode and simulation, required otherwise.
func ReadConfig() (JobConfiguration, error) {
	jc := JobConfiguration{}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir
		if err := os.Setenv("DATA_DIR", dataDir); err != nil {
			return nil, fmt.Errorf("failed to set DATA_DIR: %w", err)
		}
	}
	jc["data_dir"] = dataDir

	// Read the env file
	if err := godotenv.Load(filepath.Join(dataDir, ".env")); err != nil {
		if os.Getenv("STANDALONE") != "true" && os.Getenv("OE_SIMULATION") == "" {
			return nil, fmt.Errorf("failed reading env file: %w", err)
		}
		logrus.Info("No env file found, reading from environment variables")
	}

	level := ParseLogLevel(os.Getenv("LOG_LEVEL"))
	jc["log_level"] = level.String()
	SetLogLevel(level)

	jc["listen_address"] = envString("LISTEN_ADDRESS", defaultListenAddress)
	jc["standalone_mode"] = os.Getenv("STANDALONE") == "true"
	jc["profiling_enabled"] = os.Getenv("ENABLE_PPROF") == "true"
	jc["stats_buf_size"] = envInt("STATS_BUF_SIZE", 128)

	// Auth
	jc["jwt_secret"] = os.Getenv("JWT_SECRET")
	jc["required_tiers"] = envList("REQUIRED_TIERS", "pro,enterprise")
	jc["priority_tiers"] = envList("PRIORITY_TIERS", "enterprise")
	jc["priority_endpoint"] = os.Getenv("PRIORITY_ENDPOINT")
	jc["priority_refresh_interval"] = envSeconds("PRIORITY_REFRESH_INTERVAL_SECONDS", 900)
	jc["scan_quota_per_hour"] = envInt("SCAN_QUOTA_PER_HOUR", 20)

	// Storage
	jc["store_driver"] = envString("STORE_DRIVER", "sqlite")
	jc["store_dsn"] = envString("STORE_DSN", filepath.Join(dataDir, "scans.db"))
	jc["vault_dsn"] = envString("VAULT_DSN", filepath.Join(dataDir, "vault.db"))
	jc["sealing_key"] = os.Getenv("SEALING_KEY")
	jc["session_freshness"] = time.Duration(envInt("SESSION_FRESHNESS_HOURS", 24)) * time.Hour
	jc["session_max_reads"] = envInt("SESSION_MAX_READS", vault.DefaultMaxReads)

	// Sandboxes
	jc["sandbox_provider"] = envString("SANDBOX_PROVIDER", "local")
	jc["sandbox_url"] = os.Getenv("SANDBOX_URL")
	if key := os.Getenv("SANDBOX_API_KEY"); key != "" {
		jc["sandbox_api_key"] = key
	}
	jc["max_sandboxes"] = envInt("MAX_SANDBOXES", 10)
	jc["max_followers"] = envInt("MAX_FOLLOWERS", 1000)
	jc["artifact_poll_interval"] = envSeconds("ARTIFACT_POLL_INTERVAL_SECONDS", 2)

	// Job server
	jc["artifact_timeout"] = envSeconds("ARTIFACT_TIMEOUT_SECONDS", 600)
	jc["auth_wait_timeout"] = envSeconds("AUTH_WAIT_TIMEOUT_SECONDS", 60)
	jc["job_ceiling"] = envSeconds("JOB_CEILING_SECONDS", 1800)
	jc["watchdog_interval"] = envSeconds("WATCHDOG_INTERVAL_SECONDS", 60)
	jc["fast_queue_size"] = envInt("FAST_QUEUE_SIZE", 100)
	jc["slow_queue_size"] = envInt("SLOW_QUEUE_SIZE", 1000)
	jc["view_cache_max_size"] = envInt("VIEW_CACHE_MAX_SIZE", 1000)
	jc["view_cache_max_age"] = envSeconds("VIEW_CACHE_MAX_AGE_SECONDS", 600)

	return jc, nil
}

// Unmarshal unmarshals the job configuration into the supplied interface.
func (jc JobConfiguration) Unmarshal(v any) error {
	data, err := json.Marshal(jc)
	if err != nil {
		return fmt.Errorf("error marshalling job configuration: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshalling job configuration: %w", err)
	}

	return nil
}

func (jc JobConfiguration) DataDir() string {
	return jc.GetString("data_dir", defaultDataDir)
}

func (jc JobConfiguration) IsStandaloneMode() bool {
	return jc.GetBool("standalone_mode", false)
}

// GetInt safely extracts an int from JobConfiguration, with a default fallback
func (jc JobConfiguration) GetInt(key string, def int) (int, error) {
	if v, ok := jc[key]; ok {
		switch val := v.(type) {
		case int:
			return val, nil
		case int64:
			return int(val), nil
		case float64:
			return int(val), nil
		case float32:
			return int(val), nil
		default:
			return def, fmt.Errorf("value %v for key %q cannot be converted to int", val, key)
		}
	}
	return def, nil
}

// getInt drops the conversion error; every int key is written by ReadConfig.
func (jc JobConfiguration) getInt(key string, def int) int {
	v, err := jc.GetInt(key, def)
	if err != nil {
		logrus.WithError(err).Warn("Using default")
	}
	return v
}

func (jc JobConfiguration) GetDuration(key string, defSecs int) time.Duration {
	if v, ok := jc[key]; ok {
		if val, ok := v.(time.Duration); ok {
			return val
		}
	}
	return time.Duration(defSecs) * time.Second
}

func (jc JobConfiguration) GetString(key string, def string) string {
	if v, ok := jc[key]; ok {
		if val, ok := v.(string); ok {
			return val
		}
	}
	return def
}

// GetStringSlice safely extracts a string slice from JobConfiguration, with a default fallback
func (jc JobConfiguration) GetStringSlice(key string, def []string) []string {
	if v, ok := jc[key]; ok {
		if val, ok := v.([]string); ok {
			return val
		}
	}
	return def
}

// GetBool safely extracts a bool from JobConfiguration, with a default fallback
func (jc JobConfiguration) GetBool(key string, def bool) bool {
	if v, ok := jc[key]; ok {
		if val, ok := v.(bool); ok {
			return val
		}
	}
	return def
}

type ServerConfig struct {
	ListenAddress string
	LogLevel      string
	Standalone    bool
	EnablePprof   bool
	StatsBufSize  uint
}

func (jc JobConfiguration) ServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddress: jc.GetString("listen_address", defaultListenAddress),
		LogLevel:      jc.GetString("log_level", "info"),
		Standalone:    jc.IsStandaloneMode(),
		EnablePprof:   jc.GetBool("profiling_enabled", false),
		StatsBufSize:  uint(jc.getInt("stats_buf_size", 128)),
	}
}

// StoreConfig selects the scan record store. Driver "memory" ignores DSN.
type StoreConfig struct {
	Driver string
	DSN    string
}

func (jc JobConfiguration) StoreConfig() StoreConfig {
	return StoreConfig{
		Driver: jc.GetString("store_driver", "sqlite"),
		DSN:    jc.GetString("store_dsn", filepath.Join(jc.DataDir(), "scans.db")),
	}
}

// VaultConfig describes the session vault. It shares the scan store's driver
// but always lives in its own database.
type VaultConfig struct {
	Driver     string
	DSN        string
	SealingKey string
	Options    vault.Options
}

func (jc JobConfiguration) VaultConfig() VaultConfig {
	return VaultConfig{
		Driver:     jc.GetString("store_driver", "sqlite"),
		DSN:        jc.GetString("vault_dsn", filepath.Join(jc.DataDir(), "vault.db")),
		SealingKey: jc.GetString("sealing_key", ""),
		Options: vault.Options{
			Freshness: jc.GetDuration("session_freshness", int(vault.DefaultFreshness/time.Second)),
			MaxReads:  jc.getInt("session_max_reads", vault.DefaultMaxReads),
		},
	}
}

// DispatcherConfig describes the sandbox provider and the dispatcher bounds.
type DispatcherConfig struct {
	Provider   string
	RemoteURL  string
	RemoteKey  string
	Dispatcher sandbox.DispatcherConfig
}

func (jc JobConfiguration) DispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Provider:  jc.GetString("sandbox_provider", "local"),
		RemoteURL: jc.GetString("sandbox_url", ""),
		RemoteKey: jc.GetString("sandbox_api_key", ""),
		Dispatcher: sandbox.DispatcherConfig{
			MaxSandboxes: jc.getInt("max_sandboxes", 10),
			PollInterval: jc.GetDuration("artifact_poll_interval", 2),
		},
	}
}

// GateConfig holds the token secret and the tier gate.
type GateConfig struct {
	JWTSecret []byte
	Tiers     auth.TierGateConfig
}

// GateConfig fails when no token secret is configured.
func (jc JobConfiguration) GateConfig() (GateConfig, error) {
	secret := jc.GetString("jwt_secret", "")
	if secret == "" {
		return GateConfig{}, ErrMissingSecret
	}
	return GateConfig{
		JWTSecret: []byte(secret),
		Tiers: auth.TierGateConfig{
			RequiredTiers: jc.GetStringSlice("required_tiers", []string{"pro", "enterprise"}),
			QuotaPerHour:  jc.getInt("scan_quota_per_hour", 20),
		},
	}, nil
}

func (jc JobConfiguration) JobServerConfig() jobserver.Config {
	return jobserver.Config{
		MaxConcurrent:           jc.getInt("max_sandboxes", 10),
		MaxFollowers:            jc.getInt("max_followers", 1000),
		ArtifactTimeout:         jc.GetDuration("artifact_timeout", 600),
		AuthWaitTimeout:         jc.GetDuration("auth_wait_timeout", 60),
		JobCeiling:              jc.GetDuration("job_ceiling", 1800),
		WatchdogInterval:        jc.GetDuration("watchdog_interval", 60),
		FastQueueSize:           jc.getInt("fast_queue_size", 100),
		SlowQueueSize:           jc.getInt("slow_queue_size", 1000),
		ViewCacheMaxSize:        jc.getInt("view_cache_max_size", 1000),
		ViewCacheMaxAge:         jc.GetDuration("view_cache_max_age", 600),
		PriorityTiers:           jc.GetStringSlice("priority_tiers", []string{"enterprise"}),
		PriorityEndpoint:        jc.GetString("priority_endpoint", ""),
		PriorityRefreshInterval: jc.GetDuration("priority_refresh_interval", 900),
	}
}

// ParseLogLevel parses a string and returns the corresponding logrus.Level.
func ParseLogLevel(logLevel string) logrus.Level {
	switch strings.ToLower(logLevel) {
	case "debug":
		return logrus.DebugLevel
	case "info", "":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		logrus.Error("Invalid log level", "level", logLevel, "setting_to", logrus.InfoLevel.String())
		return logrus.InfoLevel
	}
}

// SetLogLevel sets the log level for the application.
func SetLogLevel(level logrus.Level) {
	logrus.SetLevel(level)
}
