package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig
	Log         LogConfig
	Persistence PersistenceConfig
	Audit       AuditConfig
	Ledger      LedgerConfig
	Policy      PolicyConfig
	Approval    ApprovalConfig
	Anomaly     AnomalyConfig
	Vault       VaultConfig
	Auth        AuthConfig
	Tracing     TracingConfig
	Feed        FeedConfig
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string
	Port int
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// PersistenceConfig selects the storage engine shared by the ledger, approvals,
// anomalies, audit log and vault.
type PersistenceConfig struct {
	Enabled    bool
	Type       string // "memory", "badger", "sqlite"
	DataDir    string
	SyncWrites bool
}

// AuditConfig controls the query-side audit log and its optional external sink.
type AuditConfig struct {
	Sink          string // "none", "stdout", "file"
	FilePath      string
	BufferSize    int
	FlushInterval time.Duration
	DropPolicy    string // "drop", "block"
	Retention     int    // max entries kept in memory
	WriteTimeout  time.Duration
}

// LedgerConfig controls the hash-chained ledger writer.
type LedgerConfig struct {
	QueueSize int
}

// PolicyConfig controls rule loading and anomaly consultation.
type PolicyConfig struct {
	RuleFile        string
	AnomalyLookback time.Duration
	AnomalyTimeout  time.Duration
}

// ApprovalConfig controls human approval gates.
type ApprovalConfig struct {
	TTL time.Duration
}

// AnomalyConfig controls the decision-stream monitor.
type AnomalyConfig struct {
	BurstThreshold  int
	BurstWindow     time.Duration
	VolumeThreshold int
	MonitorBuffer   int
}

// VaultConfig controls the credential vault. When PassphraseEnv names a populated
// environment variable the vault is initialized at startup.
type VaultConfig struct {
	PassphraseEnv string
}

// AuthConfig contains operator authentication configuration
type AuthConfig struct {
	Enabled     bool
	JWTSecret   string
	JWTExpiry   time.Duration
	Issuer      string
	PublicPaths []string
}

// TracingConfig contains OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRatio  float64
	InsecureConn   bool
}

// FeedConfig controls the live governance event feed.
type FeedConfig struct {
	BufferSize   int
	MaxPerClient int
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host: getEnvString("OVERSEER_HOST", ""),
			Port: getEnvInt("OVERSEER_PORT", 8890),
		},
		Log: LogConfig{
			Level:  getEnvString("OVERSEER_LOG_LEVEL", "info"),
			Format: getEnvString("OVERSEER_LOG_FORMAT", "text"),
		},
		Persistence: PersistenceConfig{
			Enabled:    getEnvBool("OVERSEER_PERSISTENCE_ENABLED", false),
			Type:       getEnvString("OVERSEER_PERSISTENCE_TYPE", "badger"),
			DataDir:    getEnvString("OVERSEER_DATA_DIR", "./data"),
			SyncWrites: getEnvBool("OVERSEER_SYNC_WRITES", true),
		},
		Audit: AuditConfig{
			Sink:          getEnvString("OVERSEER_AUDIT_SINK", "none"),
			FilePath:      getEnvString("OVERSEER_AUDIT_FILE", "./data/audit.log"),
			BufferSize:    getEnvInt("OVERSEER_AUDIT_BUFFER", 1024),
			FlushInterval: getEnvDuration("OVERSEER_AUDIT_FLUSH_INTERVAL", time.Second),
			DropPolicy:    getEnvString("OVERSEER_AUDIT_DROP_POLICY", "drop"),
			Retention:     getEnvInt("OVERSEER_AUDIT_RETENTION", 50000),
			WriteTimeout:  getEnvDuration("OVERSEER_AUDIT_WRITE_TIMEOUT", 2*time.Second),
		},
		Ledger: LedgerConfig{
			QueueSize: getEnvInt("OVERSEER_LEDGER_QUEUE", 256),
		},
		Policy: PolicyConfig{
			RuleFile:        getEnvString("OVERSEER_POLICY_FILE", ""),
			AnomalyLookback: getEnvDuration("OVERSEER_ANOMALY_LOOKBACK", 15*time.Minute),
			AnomalyTimeout:  getEnvDuration("OVERSEER_ANOMALY_TIMEOUT", 250*time.Millisecond),
		},
		Approval: ApprovalConfig{
			TTL: getEnvDuration("OVERSEER_APPROVAL_TTL", 15*time.Minute),
		},
		Anomaly: AnomalyConfig{
			BurstThreshold:  getEnvInt("OVERSEER_ANOMALY_BURST_THRESHOLD", 5),
			BurstWindow:     getEnvDuration("OVERSEER_ANOMALY_BURST_WINDOW", 10*time.Minute),
			VolumeThreshold: getEnvInt("OVERSEER_ANOMALY_VOLUME_THRESHOLD", 60),
			MonitorBuffer:   getEnvInt("OVERSEER_ANOMALY_MONITOR_BUFFER", 512),
		},
		Vault: VaultConfig{
			PassphraseEnv: getEnvString("OVERSEER_VAULT_PASSPHRASE_ENV", ""),
		},
		Auth: AuthConfig{
			Enabled:     getEnvBool("OVERSEER_AUTH_ENABLED", false),
			JWTSecret:   getEnvString("OVERSEER_JWT_SECRET", ""),
			JWTExpiry:   getEnvDuration("OVERSEER_JWT_EXPIRY", 8*time.Hour),
			Issuer:      getEnvString("OVERSEER_JWT_ISSUER", "overseer"),
			PublicPaths: getEnvStringSlice("OVERSEER_PUBLIC_PATHS", []string{"/health", "/metrics"}),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("OVERSEER_TRACING_ENABLED", false),
			Endpoint:       getEnvString("OVERSEER_TRACING_ENDPOINT", "otel-collector:4318"),
			ServiceName:    getEnvString("OVERSEER_TRACING_SERVICE_NAME", "overseer"),
			ServiceVersion: getEnvString("OVERSEER_TRACING_SERVICE_VERSION", "0.1.0"),
			Environment:    getEnvString("OVERSEER_TRACING_ENVIRONMENT", "development"),
			SamplingRatio:  getEnvFloat("OVERSEER_TRACING_SAMPLING_RATIO", 1.0),
			InsecureConn:   getEnvBool("OVERSEER_TRACING_INSECURE", true),
		},
		Feed: FeedConfig{
			BufferSize:   getEnvInt("OVERSEER_FEED_BUFFER", 64),
			MaxPerClient: getEnvInt("OVERSEER_FEED_MAX_PER_CLIENT", 4),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	if c.Persistence.Enabled {
		validPersistenceTypes := map[string]bool{
			"memory": true,
			"badger": true,
			"sqlite": true,
		}
		if !validPersistenceTypes[c.Persistence.Type] {
			return fmt.Errorf("invalid persistence type: %s (must be memory, badger or sqlite)", c.Persistence.Type)
		}

		if c.Persistence.DataDir == "" {
			return fmt.Errorf("data directory must be specified when persistence is enabled")
		}
	}

	switch c.Audit.Sink {
	case "none", "stdout":
	case "file":
		if c.Audit.FilePath == "" {
			return fmt.Errorf("audit file path must be specified for the file sink")
		}
	default:
		return fmt.Errorf("invalid audit sink: %s (must be none, stdout or file)", c.Audit.Sink)
	}
	if c.Audit.DropPolicy != "drop" && c.Audit.DropPolicy != "block" {
		return fmt.Errorf("invalid audit drop policy: %s (must be drop or block)", c.Audit.DropPolicy)
	}
	if c.Audit.Retention <= 0 {
		return fmt.Errorf("audit retention must be positive")
	}
	if c.Audit.WriteTimeout <= 0 {
		return fmt.Errorf("audit write timeout must be positive")
	}

	if c.Ledger.QueueSize <= 0 {
		return fmt.Errorf("ledger queue size must be positive")
	}

	if c.Policy.AnomalyLookback <= 0 || c.Policy.AnomalyTimeout <= 0 {
		return fmt.Errorf("anomaly lookback and timeout must be positive")
	}

	if c.Approval.TTL <= 0 {
		return fmt.Errorf("invalid approval TTL: %v (must be positive)", c.Approval.TTL)
	}

	if c.Anomaly.BurstThreshold <= 0 || c.Anomaly.VolumeThreshold <= 0 {
		return fmt.Errorf("anomaly thresholds must be positive")
	}
	if c.Anomaly.BurstWindow <= 0 {
		return fmt.Errorf("anomaly burst window must be positive")
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT secret must be specified when auth is enabled")
		}

		if c.Auth.JWTExpiry <= 0 {
			return fmt.Errorf("JWT expiry must be positive")
		}

		if c.Auth.Issuer == "" {
			return fmt.Errorf("JWT issuer must be specified when auth is enabled")
		}
	}

	if c.Tracing.SamplingRatio < 0 || c.Tracing.SamplingRatio > 1 {
		return fmt.Errorf("tracing sampling ratio must be between 0 and 1")
	}

	return nil
}

// Address returns the server address in host:port format
func (c *Config) Address() string {
	if c.Server.Host == "" {
		return fmt.Sprintf(":%d", c.Server.Port)
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// VaultPassphrase returns the passphrase named by Vault.PassphraseEnv, if any.
func (c *Config) VaultPassphrase() string {
	if c.Vault.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Vault.PassphraseEnv)
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvStringSlice gets a comma-separated string environment variable as a slice with a default value
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		result := []string{}
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
