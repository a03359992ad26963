package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/viper"

	"github.com/katasec/dstream-snapshot-mssql/internal/encoding"
	"github.com/katasec/dstream-snapshot-mssql/internal/utils"
	"github.com/katasec/dstream-snapshot-mssql/pkg/snapshot"
)

// Config holds the configuration for a snapshot process. It is built once by Load
// and passed explicitly to every component.
type Config struct {
	Source      SourceConfig          `mapstructure:"source" json:"source"`
	Tables      []snapshot.SyncTarget `mapstructure:"tables" json:"tables" validate:"dive"`
	Sink        SinkConfig            `mapstructure:"sink" json:"sink"`
	Watermarks  WatermarkConfig       `mapstructure:"watermarks" json:"watermarks"`
	Lock        LockConfig            `mapstructure:"lock" json:"lock"`
	Concurrency int                   `mapstructure:"concurrency" json:"concurrency" validate:"min=1"`
	Polling     PollingConfig         `mapstructure:"polling" json:"polling"`
	Server      ServerConfig          `mapstructure:"server" json:"server"`
}

// SourceConfig describes the SQL Server database tables are read from
type SourceConfig struct {
	ConnectionString string `mapstructure:"connection_string" json:"connection_string"`
	Host             string `mapstructure:"host" json:"host"`
	Port             int    `mapstructure:"port" json:"port"`
	User             string `mapstructure:"user" json:"user"`
	Password         string `mapstructure:"password" json:"password"`
	Database         string `mapstructure:"database" json:"database"`
	Schema           string `mapstructure:"schema" json:"schema"`
}

// DSN returns the connection string, building one from the discrete fields when needed
func (s SourceConfig) DSN() string {
	if s.ConnectionString != "" {
		return s.ConnectionString
	}
	if s.Host == "" {
		return ""
	}
	return utils.BuildConnectionString(s.Host, s.Port, s.User, s.Password, s.Database)
}

// SinkConfig describes where snapshot objects are written
type SinkConfig struct {
	Type             string `mapstructure:"type" json:"type" validate:"required,oneof=azure_blob gcs s3 local memory"`
	Format           string `mapstructure:"format" json:"format"`
	Prefix           string `mapstructure:"prefix" json:"prefix"`
	Timezone         string `mapstructure:"timezone" json:"timezone"`
	Bucket           string `mapstructure:"bucket" json:"bucket"`
	ContainerName    string `mapstructure:"container_name" json:"container_name"`
	ConnectionString string `mapstructure:"connection_string" json:"connection_string"`
	Region           string `mapstructure:"region" json:"region"`
	Endpoint         string `mapstructure:"endpoint" json:"endpoint"`
	AccessKey        string `mapstructure:"access_key" json:"access_key"`
	SecretKey        string `mapstructure:"secret_key" json:"secret_key"`
	Path             string `mapstructure:"path" json:"path"`
	RetryMaxElapsed  string `mapstructure:"retry_max_elapsed" json:"retry_max_elapsed"`
}

// GetRetryMaxElapsed returns RetryMaxElapsed as a time.Duration, zero when unset
func (s SinkConfig) GetRetryMaxElapsed() (time.Duration, error) {
	if s.RetryMaxElapsed == "" {
		return 0, nil
	}
	return time.ParseDuration(s.RetryMaxElapsed)
}

// Location returns the time zone object names are rendered in
func (s SinkConfig) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// WatermarkConfig describes where per-table watermarks are persisted
type WatermarkConfig struct {
	Type             string `mapstructure:"type" json:"type" validate:"omitempty,oneof=sqlserver bigquery sqlite memory"`
	ConnectionString string `mapstructure:"connection_string" json:"connection_string"`
	Table            string `mapstructure:"table" json:"table"`
	Project          string `mapstructure:"project" json:"project"`
	Dataset          string `mapstructure:"dataset" json:"dataset"`
	Location         string `mapstructure:"location" json:"location"`
	Path             string `mapstructure:"path" json:"path"`
}

// LockConfig represents the configuration for per-table locking
type LockConfig struct {
	Type             string `mapstructure:"type" json:"type" validate:"oneof=none memory azure_blob"`
	ConnectionString string `mapstructure:"connection_string" json:"connection_string"`
	ContainerName    string `mapstructure:"container_name" json:"container_name"`
}

// PollingConfig controls the optional polling loop of the run command
type PollingConfig struct {
	Interval    string `mapstructure:"interval" json:"interval"`
	MaxInterval string `mapstructure:"max_interval" json:"max_interval"`
}

// GetPollInterval returns the Interval as a time.Duration, zero when unset
func (p PollingConfig) GetPollInterval() (time.Duration, error) {
	if p.Interval == "" {
		return 0, nil
	}
	return time.ParseDuration(p.Interval)
}

// GetMaxPollInterval returns the MaxInterval as a time.Duration, defaulting to the poll interval
func (p PollingConfig) GetMaxPollInterval() (time.Duration, error) {
	if p.MaxInterval == "" {
		return p.GetPollInterval()
	}
	return time.ParseDuration(p.MaxInterval)
}

// ServerConfig configures the HTTP trigger
type ServerConfig struct {
	Address string `mapstructure:"address" json:"address"`
}

// envBindings maps config keys to the environment variables that may set them.
// The SQL_SERVER_*, GCS_BUCKET and BIGQUERY_* names match the existing Cloud Functions deployment.
var envBindings = map[string][]string{
	"source.connection_string":     {"DSTREAM_SOURCE_CONNECTION_STRING"},
	"source.host":                  {"DSTREAM_SOURCE_HOST", "SQL_SERVER_HOST"},
	"source.port":                  {"DSTREAM_SOURCE_PORT", "SQL_SERVER_PORT"},
	"source.user":                  {"DSTREAM_SOURCE_USER", "SQL_SERVER_USER"},
	"source.password":              {"DSTREAM_SOURCE_PASSWORD", "SQL_SERVER_PASSWORD"},
	"source.database":              {"DSTREAM_SOURCE_DATABASE", "SQL_SERVER_DATABASE"},
	"source.schema":                {"DSTREAM_SOURCE_SCHEMA"},
	"sink.type":                    {"DSTREAM_SINK_TYPE"},
	"sink.format":                  {"DSTREAM_SINK_FORMAT"},
	"sink.prefix":                  {"DSTREAM_SINK_PREFIX"},
	"sink.timezone":                {"DSTREAM_SINK_TIMEZONE"},
	"sink.bucket":                  {"DSTREAM_SINK_BUCKET", "GCS_BUCKET"},
	"sink.container_name":          {"DSTREAM_SINK_CONTAINER_NAME"},
	"sink.connection_string":       {"DSTREAM_SINK_CONNECTION_STRING"},
	"sink.region":                  {"DSTREAM_SINK_REGION"},
	"sink.endpoint":                {"DSTREAM_SINK_ENDPOINT"},
	"sink.access_key":              {"DSTREAM_SINK_ACCESS_KEY"},
	"sink.secret_key":              {"DSTREAM_SINK_SECRET_KEY"},
	"sink.path":                    {"DSTREAM_SINK_PATH"},
	"sink.retry_max_elapsed":       {"DSTREAM_SINK_RETRY_MAX_ELAPSED"},
	"watermarks.type":              {"DSTREAM_WATERMARKS_TYPE"},
	"watermarks.connection_string": {"DSTREAM_WATERMARKS_CONNECTION_STRING"},
	"watermarks.table":             {"DSTREAM_WATERMARKS_TABLE"},
	"watermarks.project":           {"DSTREAM_WATERMARKS_PROJECT", "BIGQUERY_PROJECT"},
	"watermarks.dataset":           {"DSTREAM_WATERMARKS_DATASET", "BIGQUERY_DATASET"},
	"watermarks.location":          {"DSTREAM_WATERMARKS_LOCATION", "BIGQUERY_LOCATION"},
	"watermarks.path":              {"DSTREAM_WATERMARKS_PATH"},
	"lock.type":                    {"DSTREAM_LOCK_TYPE"},
	"lock.connection_string":       {"DSTREAM_LOCK_CONNECTION_STRING"},
	"lock.container_name":          {"DSTREAM_LOCK_CONTAINER_NAME"},
	"concurrency":                  {"DSTREAM_CONCURRENCY"},
	"polling.interval":             {"DSTREAM_POLLING_INTERVAL"},
	"polling.max_interval":         {"DSTREAM_POLLING_MAX_INTERVAL"},
	"server.address":               {"DSTREAM_SERVER_ADDRESS"},
}

// tablesEnv holds the table map used by the Cloud Functions deployment
const tablesEnv = "SYNC_TABLES_CONFIG"

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.port", 1433)
	v.SetDefault("source.schema", "dbo")
	v.SetDefault("sink.format", "csv")
	v.SetDefault("sink.timezone", "UTC")
	v.SetDefault("lock.type", "none")
	v.SetDefault("lock.container_name", "locks")
	v.SetDefault("concurrency", 1)
	v.SetDefault("server.address", ":8080")
}

// Load reads the optional config file at path, applies environment overrides and validates the result
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}
	if err := v.BindEnv("sync_tables", tablesEnv); err != nil {
		return nil, fmt.Errorf("failed to bind env for %s: %w", tablesEnv, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if len(cfg.Tables) == 0 {
		if raw := v.GetString("sync_tables"); raw != "" {
			tables, err := ParseTablesJSON([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", tablesEnv, err)
			}
			cfg.Tables = tables
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseTablesJSON parses the {"table": {"timestamp_column": "col"}} form.
// Object keys carry no order, so targets are sorted by name.
func ParseTablesJSON(data []byte) ([]snapshot.SyncTarget, error) {
	var raw map[string]struct {
		TimestampColumn *string `json:"timestamp_column"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	targets := make([]snapshot.SyncTarget, 0, len(raw))
	for name, t := range raw {
		target := snapshot.SyncTarget{Name: name}
		if t.TimestampColumn != nil {
			target.TimestampColumn = *t.TimestampColumn
		}
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
	return targets, nil
}

// Validate checks the configuration, reporting every problem found
func (c *Config) Validate() error {
	var problems []string
	if err := validateStruct(c); err != nil {
		problems = append(problems, err.Error())
	}

	if len(c.Tables) == 0 {
		problems = append(problems, "at least one table must be configured")
	}
	if err := snapshot.ValidateTargets(c.Tables); err != nil {
		problems = append(problems, err.Error())
	}

	switch c.Sink.Type {
	case "gcs", "s3":
		if c.Sink.Bucket == "" {
			problems = append(problems, fmt.Sprintf("sink.bucket is required for %s", c.Sink.Type))
		}
	case "azure_blob":
		if c.Sink.ConnectionString == "" || c.Sink.ContainerName == "" {
			problems = append(problems, "sink.connection_string and sink.container_name are required for azure_blob")
		}
	case "local":
		if c.Sink.Path == "" {
			problems = append(problems, "sink.path is required for local")
		}
	}
	if _, err := encoding.ForFormat(c.Sink.Format); err != nil {
		problems = append(problems, fmt.Sprintf("invalid sink.format: %v", err))
	}
	if _, err := c.Sink.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("invalid sink.timezone: %v", err))
	}
	if _, err := c.Sink.GetRetryMaxElapsed(); err != nil {
		problems = append(problems, fmt.Sprintf("invalid sink.retry_max_elapsed: %v", err))
	}

	switch c.Watermarks.Type {
	case "":
		problems = append(problems, "watermarks.type is required: one of sqlserver, bigquery, sqlite or memory")
	case "bigquery":
		if c.Watermarks.Project == "" || c.Watermarks.Dataset == "" {
			problems = append(problems, "watermarks.project and watermarks.dataset are required for bigquery")
		}
	case "sqlite":
		if c.Watermarks.Path == "" {
			problems = append(problems, "watermarks.path is required for sqlite")
		}
	case "sqlserver":
		if c.Watermarks.ConnectionString == "" && c.Source.DSN() == "" {
			problems = append(problems, "watermarks.connection_string or a source connection is required for sqlserver")
		}
	}

	if c.Lock.Type == "azure_blob" && c.Lock.ConnectionString == "" {
		problems = append(problems, "lock.connection_string is required for azure_blob")
	}

	if _, err := c.Polling.GetPollInterval(); err != nil {
		problems = append(problems, fmt.Sprintf("invalid polling.interval: %v", err))
	}
	if _, err := c.Polling.GetMaxPollInterval(); err != nil {
		problems = append(problems, fmt.Sprintf("invalid polling.max_interval: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
