package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied before the YAML file is decoded.
const (
	defaultBatchSize        = 500
	defaultWatermarkTable   = "lastendtime"
	defaultMaxWorkers       = 200
	defaultInnerWorkers     = 16
	defaultGlobalLimit      = 256
	defaultSchemaCacheTTL   = 5 * time.Minute
	defaultScriptsCommand   = "Rscript"
	defaultMetricsAddr      = ":9108"
	defaultCheckpointPeriod = 10 * time.Minute
)

// Named type to allow reuse and clearer code
type KafkaConfig struct {
	Brokers        []string `yaml:"brokers"`
	SchemaRegistry string   `yaml:"schemaRegistry"`
	UseAvro        bool     `yaml:"useAvro"`
	EventsTopic    string   `yaml:"eventsTopic"`
}

// DatabaseConfig selects a database/sql driver ("pgx", "sqlite", "duckdb").
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

type DestinationConfig struct {
	DatabaseConfig `yaml:",inline"`
	WatermarkTable string `yaml:"watermarkTable"`
	BatchSize      int    `yaml:"batchSize"`
	CreateTables   bool   `yaml:"createTables"`
}

type S3Config struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Endpoint  string `yaml:"endpoint"`
	Prefix    string `yaml:"prefix"`
}

type CheckpointConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	S3       S3Config      `yaml:"s3"`
}

// StateConfig chooses where watermarks live. "warehouse" keeps them in the
// destination database, "badger" in a local BadgerDB directory.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Badger  struct {
		Path       string           `yaml:"path"`
		Checkpoint CheckpointConfig `yaml:"checkpoint"`
	} `yaml:"badger"`
}

type SchemaConfig struct {
	Policy         string        `yaml:"policy"` // degrade | strict
	CacheTTL       time.Duration `yaml:"cacheTTL"`
	AutoAddColumns bool          `yaml:"autoAddColumns"`
}

// FanOutConfig bounds the report fan-out. TaskTimeout applies to each query
// call separately; wrap the run in a context deadline to bound a whole key.
type FanOutConfig struct {
	MaxWorkers   int           `yaml:"maxWorkers"`
	InnerWorkers int           `yaml:"innerWorkers"`
	GlobalLimit  int           `yaml:"globalLimit"`
	TaskTimeout  time.Duration `yaml:"taskTimeout"`
}

// ReportConfig drives `edcsync report`: OuterQuery lists the sub-keys of a
// report key, InnerQuery fetches the rows of one sub-key.
type ReportConfig struct {
	OuterQuery string `yaml:"outerQuery"`
	InnerQuery string `yaml:"innerQuery"`
	OutputDir  string `yaml:"outputDir"`
	Topic      string `yaml:"topic"`
}

type ScriptsConfig struct {
	Command string        `yaml:"command"`
	Dir     string        `yaml:"dir"`
	Timeout time.Duration `yaml:"timeout"`
}

type AppConfig struct {
	Source      DatabaseConfig    `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	State       StateConfig       `yaml:"state"`
	Schema      SchemaConfig      `yaml:"schema"`
	FanOut      FanOutConfig      `yaml:"fanout"`
	Report      ReportConfig      `yaml:"report"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Scripts     ScriptsConfig     `yaml:"scripts"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Default returns a config with every default filled in.
func Default() AppConfig {
	cfg := AppConfig{}
	cfg.Destination.WatermarkTable = defaultWatermarkTable
	cfg.Destination.BatchSize = defaultBatchSize
	cfg.State.Backend = "warehouse"
	cfg.State.Badger.Checkpoint.Interval = defaultCheckpointPeriod
	cfg.Schema.Policy = "degrade"
	cfg.Schema.CacheTTL = defaultSchemaCacheTTL
	cfg.FanOut.MaxWorkers = defaultMaxWorkers
	cfg.FanOut.InnerWorkers = defaultInnerWorkers
	cfg.FanOut.GlobalLimit = defaultGlobalLimit
	cfg.Scripts.Command = defaultScriptsCommand
	cfg.Metrics.Addr = defaultMetricsAddr
	return cfg
}

// Load reads and parses a YAML config file into an AppConfig struct.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be defaulted.
func (c *AppConfig) Validate() error {
	if c.Source.Driver == "" || c.Source.DSN == "" {
		return fmt.Errorf("source driver and dsn are required")
	}
	if c.Destination.Driver == "" || c.Destination.DSN == "" {
		return fmt.Errorf("destination driver and dsn are required")
	}
	switch c.State.Backend {
	case "warehouse":
	case "badger":
		if c.State.Badger.Path == "" {
			return fmt.Errorf("state.badger.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	switch c.Schema.Policy {
	case "degrade", "strict":
	default:
		return fmt.Errorf("unknown schema policy %q", c.Schema.Policy)
	}
	if c.Destination.BatchSize <= 0 {
		return fmt.Errorf("destination.batchSize must be positive")
	}
	if c.FanOut.MaxWorkers <= 0 || c.FanOut.InnerWorkers <= 0 || c.FanOut.GlobalLimit <= 0 {
		return fmt.Errorf("fanout worker limits must be positive")
	}
	if c.Kafka.UseAvro && c.Kafka.SchemaRegistry == "" {
		return fmt.Errorf("schema registry is required when using Avro")
	}
	return nil
}
