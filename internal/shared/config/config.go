package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are joined
// with a double underscore: MESSAGELOG_TSA__URLS sets tsa.urls.
const EnvPrefix = "MESSAGELOG_"

type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	KurrentDB  KurrentDBConfig  `koanf:"kurrentdb"`
	Auth       AuthConfig       `koanf:"auth"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	MessageLog MessageLogConfig `koanf:"messagelog"`
	TSA        TSAConfig        `koanf:"tsa"`
	Archive    ArchiveConfig    `koanf:"archive"`
	OCSP       OCSPConfig       `koanf:"ocsp"`
}

type ServerConfig struct {
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`
}

type DatabaseConfig struct {
	// Driver selects the store: "postgres", "sqlite" or "memory"
	Driver   string `koanf:"driver"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
	SSLMode  string `koanf:"sslmode"`
	MaxConns int    `koanf:"max_conns"`
	MinConns int    `koanf:"min_conns"`
	// SQLitePath is the database file for the sqlite driver
	SQLitePath string `koanf:"sqlite_path"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	// Enabled publishes timestamp and archive events
	Enabled bool `koanf:"enabled"`
	// Host is the KurrentDB server hostname
	Host string `koanf:"host"`
	// Port is the gRPC/HTTP port (default 2113)
	Port int `koanf:"port"`
	// Insecure disables TLS (for development)
	Insecure bool   `koanf:"insecure"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	// Stream receives every message log event
	Stream string `koanf:"stream"`
}

type AuthConfig struct {
	// Enabled protects the evidence API with bearer tokens
	Enabled   bool   `koanf:"enabled"`
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

type TelemetryConfig struct {
	TracingEnabled bool   `koanf:"tracing_enabled"`
	ServiceName    string `koanf:"service_name"`
}

// MessageLogConfig drives ingestion and the timestamping job.
type MessageLogConfig struct {
	// TimestampSchedule is a cron expression, "with <d> interval",
	// "continuously" or "manual"
	TimestampSchedule string        `koanf:"timestamp_schedule"`
	MaxBatchSize      int           `koanf:"max_batch_size"`
	TSATimeout        time.Duration `koanf:"tsa_timeout"`
	// RetryDelay is the wait before the next cycle after a failed one
	RetryDelay time.Duration `koanf:"retry_delay"`
	// MaxAttempts marks records FAILED after that many failed cycles,
	// 0 retries forever
	MaxAttempts      int           `koanf:"max_attempts"`
	SyncTimestamping bool          `koanf:"sync_timestamping"`
	SyncWaitTimeout  time.Duration `koanf:"sync_wait_timeout"`
	HashAlgorithm    string        `koanf:"hash_algorithm"`
	MaxLoggableBody  int64         `koanf:"max_loggable_body_size"`
	TruncatedBodyOK  bool          `koanf:"truncated_body_allowed"`
	// MessageBodyLogging is the global body setting. EnabledBodyLogging
	// applies when it is off and DisabledBodyLogging when it is on; both
	// list producer subsystems or services.
	MessageBodyLogging  bool     `koanf:"message_body_logging"`
	EnabledBodyLogging  []string `koanf:"enabled_body_logging"`
	DisabledBodyLogging []string `koanf:"disabled_body_logging"`
}

// BodyLoggingOverrides returns the subsystems whose body setting differs
// from the global one.
func (c MessageLogConfig) BodyLoggingOverrides() []string {
	if c.MessageBodyLogging {
		return c.DisabledBodyLogging
	}
	return c.EnabledBodyLogging
}

// TSAConfig holds configuration for the Time Stamping Authority.
type TSAConfig struct {
	// URLs are tried in order within one cycle
	URLs                []string      `koanf:"urls"`
	ConnectTimeout      time.Duration `koanf:"connect_timeout"`
	ReadTimeout         time.Duration `koanf:"read_timeout"`
	RequestCertificates bool          `koanf:"request_certificates"`
	MaxResponseSize     int64         `koanf:"max_response_size"`

	// Local serves an RFC 3161 authority from this process (development)
	Local     bool   `koanf:"local"`
	PolicyOID string `koanf:"policy_oid"`
	OrgName   string `koanf:"org_name"`
}

type ArchiveConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Schedule string `koanf:"schedule"`
	// Period is the rotation period; no unit straddles a boundary
	Period time.Duration `koanf:"period"`
	// CutoffLag keeps the newest records in the hot store
	CutoffLag time.Duration `koanf:"cutoff_lag"`
	Path      string        `koanf:"path"`
	// Grouping is "none" or "client"
	Grouping        string `koanf:"grouping"`
	MaxFileSize     int64  `koanf:"max_file_size"`
	MaxRecordsCycle int    `koanf:"max_records_per_cycle"`
}

type OCSPConfig struct {
	Freshness         time.Duration `koanf:"freshness"`
	SkipNextUpdate    bool          `koanf:"skip_next_update"`
	ResponderURL      string        `koanf:"responder_url"`
	IssuersPath       string        `koanf:"issuers_path"`
	RespondersPath    string        `koanf:"responders_path"`
	FetchTimeout      time.Duration `koanf:"fetch_timeout"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	EvictionInterval  time.Duration `koanf:"eviction_interval"`
}

var defaults = map[string]any{
	"server.port": 8080,
	"server.env":  "development",

	"database.driver":      "postgres",
	"database.host":        "localhost",
	"database.port":        5432,
	"database.user":        "messagelog",
	"database.password":    "messagelog",
	"database.database":    "messagelog",
	"database.sslmode":     "disable",
	"database.max_conns":   25,
	"database.min_conns":   5,
	"database.sqlite_path": "messagelog.db",

	"kurrentdb.host":     "localhost",
	"kurrentdb.port":     2113,
	"kurrentdb.insecure": true,
	"kurrentdb.stream":   "messagelog",

	"auth.jwt_secret": "dev-secret-change-in-prod",

	"telemetry.service_name": "messagelog",

	"messagelog.timestamp_schedule":     "with 60s interval",
	"messagelog.max_batch_size":         10000,
	"messagelog.tsa_timeout":            "30s",
	"messagelog.retry_delay":            "60s",
	"messagelog.sync_wait_timeout":      "5s",
	"messagelog.hash_algorithm":         "SHA-256",
	"messagelog.max_loggable_body_size": 10 << 20,
	"messagelog.message_body_logging":   true,

	"tsa.connect_timeout":      "20s",
	"tsa.read_timeout":         "60s",
	"tsa.request_certificates": true,
	"tsa.max_response_size":    1 << 20,
	"tsa.policy_oid":           "1.3.6.1.4.1.99999.1.1",
	"tsa.org_name":             "Message Log Development TSA",

	"archive.enabled":               true,
	"archive.schedule":              "0 0 * * *",
	"archive.period":                "24h",
	"archive.cutoff_lag":            "1h",
	"archive.path":                  "archive",
	"archive.grouping":              "none",
	"archive.max_file_size":         100 << 20,
	"archive.max_records_per_cycle": 50000,

	"ocsp.freshness":           "1h",
	"ocsp.fetch_timeout":       "20s",
	"ocsp.requests_per_second": 10.0,
	"ocsp.burst":               5,
	"ocsp.eviction_interval":   "5m",
}

// Load reads config.yaml from the working directory when present, then
// applies MESSAGELOG_ environment overrides and defaults.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit YAML path. A missing file is not an
// error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate fails fast on settings that would otherwise surface only at the
// first scheduled run.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver))
	}

	if c.MessageLog.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("messagelog.max_batch_size must be positive"))
	}
	if c.MessageLog.TSATimeout <= 0 {
		errs = append(errs, errors.New("messagelog.tsa_timeout must be positive"))
	}
	if c.MessageLog.SyncTimestamping && c.MessageLog.SyncWaitTimeout <= 0 {
		errs = append(errs, errors.New("messagelog.sync_wait_timeout must be positive in synchronous mode"))
	}
	if len(c.TSA.URLs) == 0 && !c.TSA.Local {
		errs = append(errs, errors.New("tsa.urls: no time-stamping authority configured"))
	}

	if c.Archive.Enabled {
		if c.Archive.Period <= 0 {
			errs = append(errs, errors.New("archive.period must be positive"))
		}
		if c.Archive.Grouping != "none" && c.Archive.Grouping != "client" {
			errs = append(errs, fmt.Errorf("archive.grouping: unknown grouping %q", c.Archive.Grouping))
		}
		if err := checkWritable(c.Archive.Path); err != nil {
			errs = append(errs, fmt.Errorf("archive.path: %w", err))
		}
		if c.OCSP.Freshness <= 0 {
			errs = append(errs, errors.New("ocsp.freshness must be positive"))
		}
	}

	return errors.Join(errs...)
}

func checkWritable(dir string) error {
	if dir == "" {
		return errors.New("not set")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writecheck-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
