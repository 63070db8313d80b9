// Package config loads service settings from defaults, an optional YAML file and
// the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key when read from the environment, with dots
// replaced by underscores (jobs.dir becomes SQLIMPORT_JOBS_DIR)
const EnvPrefix = "SQLIMPORT"

// Config is the complete service configuration
type Config struct {
	Server struct {
		Host         string
		Port         int
		TLSCert      string `mapstructure:"tls_cert"`
		TLSKey       string `mapstructure:"tls_key"`
		ClientCACert string `mapstructure:"client_ca_cert"`
		TokensFile   string `mapstructure:"tokens_file"`
	}
	Jobs struct {
		Dir        string
		Lifetime   time.Duration
		ChunkSize  int64 `mapstructure:"chunk_size"`
		MaxUpload  int64 `mapstructure:"max_upload"`
		LogEntries int   `mapstructure:"log_entries"`
		GCSample   int   `mapstructure:"gc_sample"`
		MaxEntries int   `mapstructure:"max_entries"`
	}
	Process struct {
		ChunkBytes    int           `mapstructure:"chunk_bytes"`
		MaxIterations int           `mapstructure:"max_iterations"`
		StepDeadline  time.Duration `mapstructure:"step_deadline"`
	}
	Database struct {
		DSN             string
		ConnectAttempts int `mapstructure:"connect_attempts"`
	}
	History struct {
		Path      string
		Retention time.Duration
	}
	Log struct {
		Level  string
		Format string
	}
	Minio struct {
		Endpoint  string
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
	}
}

// envAliases keeps the unprefixed variable names deployments already use
var envAliases = map[string][]string{
	"server.host":           {"HOST"},
	"server.port":           {"PORT"},
	"server.client_ca_cert": {"CLIENT_CA_CERT"},
	"server.tokens_file":    {"API_TOKENS_FILE"},
	"database.dsn":          {"DATABASE_URL"},
	"minio.endpoint":        {"MINIO_ENDPOINT"},
	"minio.access_key":      {"MINIO_ACCESS_KEY", "MINIO_ACCESS_KEY_ID"},
	"minio.secret_key":      {"MINIO_SECRET_KEY", "MINIO_SECRET_ACCESS_KEY"},
}

// SetDefaults registers the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.client_ca_cert", "/etc/ssl/certs/client-ca.pem")
	v.SetDefault("server.tokens_file", "/etc/sqlimport/api-tokens")

	v.SetDefault("jobs.dir", "/var/lib/sqlimport/jobs")
	v.SetDefault("jobs.lifetime", 24*time.Hour)
	v.SetDefault("jobs.chunk_size", 8<<20)
	v.SetDefault("jobs.max_upload", 20<<30)
	v.SetDefault("jobs.log_entries", 200)
	v.SetDefault("jobs.gc_sample", 3)
	v.SetDefault("jobs.max_entries", 1000)

	v.SetDefault("process.chunk_bytes", 1<<20)
	v.SetDefault("process.max_iterations", 20)
	v.SetDefault("process.step_deadline", 20*time.Second)

	v.SetDefault("database.dsn", "postgres://postgres@localhost:5432/postgres")
	v.SetDefault("database.connect_attempts", 3)

	v.SetDefault("history.path", "/var/lib/sqlimport/history.db")
	v.SetDefault("history.retention", 30*24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. configFile may be empty.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, aliases := range envAliases {
		names := append([]string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	switch {
	case c.Jobs.Dir == "":
		return fmt.Errorf("jobs.dir must be set")
	case c.Jobs.ChunkSize <= 0:
		return fmt.Errorf("jobs.chunk_size must be positive")
	case c.Process.ChunkBytes <= 0:
		return fmt.Errorf("process.chunk_bytes must be positive")
	case c.Process.MaxIterations <= 0:
		return fmt.Errorf("process.max_iterations must be positive")
	case c.Process.StepDeadline <= 0:
		return fmt.Errorf("process.step_deadline must be positive")
	case (c.Server.TLSCert == "") != (c.Server.TLSKey == ""):
		return fmt.Errorf("server.tls_cert and server.tls_key must be set together")
	}
	return nil
}

// ConfigureLogging applies the log level and format to the standard logrus logger
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}
	logrus.SetLevel(level)

	switch c.Log.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("invalid log.format %q: use text or json", c.Log.Format)
	}
	return nil
}
