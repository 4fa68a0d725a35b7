// Package config loads worker configuration from a YAML file and the
// environment and hands every other package its settings section.
//
// Sources, highest precedence first:
//  1. Environment variables (SEQVAULT_*)
//  2. Configuration file (--config flag, CONFIGFILE env, or ./config.yaml)
//
// Each worker names itself when loading so only the sections it
// actually uses are required.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"seqvault/internal/broker"
	"seqvault/internal/database"
	"seqvault/internal/keys"
	"seqvault/internal/storage"
)

// Worker service names.
const (
	ServiceIngest   = "ingest"
	ServiceVerify   = "verify"
	ServiceFinalize = "finalize"
)

// Config is the full settings tree shared by the workers.
type Config struct {
	// Service is the worker this configuration was loaded for. Set by
	// NewConfig, not read from file.
	Service string `mapstructure:"-"`

	Log       LogConfig       `mapstructure:"log"`
	Broker    broker.Conf     `mapstructure:"broker"`
	Database  database.Conf   `mapstructure:"db"`
	Inbox     storage.Conf    `mapstructure:"inbox"`
	Archive   storage.Conf    `mapstructure:"archive"`
	MasterKey keys.Conf       `mapstructure:"master_key"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is the minimum level to emit. logrus level names,
	// case-insensitive. Default: info.
	Level string `mapstructure:"level"`

	// Format is text or json. Default: text.
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
}

// OpsConfig configures the operational HTTP endpoint serving metrics
// and health probes.
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port the ops server listens on. Default: 8080.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// TelemetryConfig controls OpenTelemetry tracing and, nested under it,
// continuous profiling. Both are opt-in.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string `mapstructure:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `mapstructure:"insecure"`

	// SampleRate is the fraction of traces kept, 0.0 to 1.0.
	SampleRate float64 `mapstructure:"sample_rate" validate:"omitempty,gte=0,lte=1"`

	Profiling ProfilingConfig `mapstructure:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Endpoint is the Pyroscope server URL.
	Endpoint string `mapstructure:"endpoint"`

	// ProfileTypes selects what to collect. Defaults to cpu, heap and
	// goroutine profiles.
	ProfileTypes []string `mapstructure:"profile_types"`
}

// requiredKeys lists the settings each worker cannot run without.
var requiredKeys = map[string][]string{
	ServiceIngest: {
		"broker.host", "broker.user", "broker.password", "broker.queue",
		"db.host", "db.user", "db.password", "db.database",
		"inbox.driver", "archive.driver",
	},
	ServiceVerify: {
		"broker.host", "broker.user", "broker.password", "broker.queue",
		"db.host", "db.user", "db.password", "db.database",
		"archive.driver", "master_key.loader",
	},
	ServiceFinalize: {
		"broker.host", "broker.user", "broker.password", "broker.queue",
		"db.host", "db.user", "db.password", "db.database",
	},
}

// NewConfig loads, defaults and validates the configuration for the
// named service, then applies the logging settings process-wide.
// configFile overrides the search; empty falls back to the CONFIGFILE
// environment variable and then ./config.yaml.
func NewConfig(service, configFile string) (*Config, error) {
	if _, ok := requiredKeys[service]; !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}

	v := viper.New()
	setupViper(v, configFile)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || os.IsNotExist(err) {
			log.Info("no config file found, relying on environment variables")
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		log.Infof("using config file %s", v.ConfigFileUsed())
	}

	var missing []string
	for _, key := range requiredKeys[service] {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration for %s: %s",
			service, strings.Join(missing, ", "))
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	cfg.Service = service
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	setupLogging(cfg.Log)

	return &cfg, nil
}

// ApplyDefaults fills unset values, section by section.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	c.Broker.ApplyDefaults()
	c.Database.ApplyDefaults()

	if c.Ops.Port == 0 {
		c.Ops.Port = 8080
	}

	if c.Telemetry.Endpoint == "" {
		c.Telemetry.Endpoint = "localhost:4317"
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1.0
	}
	if c.Telemetry.Profiling.Endpoint == "" {
		c.Telemetry.Profiling.Endpoint = "http://localhost:4040"
	}
	if len(c.Telemetry.Profiling.ProfileTypes) == 0 {
		c.Telemetry.Profiling.ProfileTypes = []string{"cpu", "inuse_space", "goroutines"}
	}
}

// Validate checks the sections the service uses. Struct tags do the
// field-level checks; the rest is cross-field.
func (c *Config) Validate() error {
	if err := c.Broker.Validate(); err != nil {
		return fmt.Errorf("broker: %w", err)
	}

	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("db: %w", err)
	}

	validate := validator.New()

	if err := validate.Struct(c.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := validate.Struct(c.Ops); err != nil {
		return fmt.Errorf("ops: %w", err)
	}
	if err := validate.Struct(c.Telemetry); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	switch c.Service {
	case ServiceIngest:
		if err := validate.Struct(c.Inbox); err != nil {
			return fmt.Errorf("inbox: %w", err)
		}
		if err := validate.Struct(c.Archive); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
	case ServiceVerify:
		if err := validate.Struct(c.Archive); err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		if err := validate.Struct(c.MasterKey); err != nil {
			return fmt.Errorf("master_key: %w", err)
		}
	}

	return nil
}

// setupViper wires the environment and the config file search.
func setupViper(v *viper.Viper, configFile string) {
	v.SetEnvPrefix("SEQVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv alone does not surface env-only keys to Unmarshal,
	// so every known key is bound explicitly.
	for _, key := range confKeys() {
		_ = v.BindEnv(key)
	}

	if configFile == "" {
		configFile = os.Getenv("CONFIGFILE")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// confKeys enumerates every settings key the workers understand.
func confKeys() []string {
	keys := []string{
		"log.level", "log.format",
		"broker.host", "broker.port", "broker.user", "broker.password",
		"broker.vhost", "broker.queue", "broker.exchange",
		"broker.routing_key", "broker.routing_error",
		"broker.ssl", "broker.verify_peer", "broker.cacert",
		"broker.client_cert", "broker.client_key", "broker.server_name",
		"broker.prefetch_count",
		"db.host", "db.port", "db.user", "db.password", "db.database",
		"db.sslmode", "db.cacert", "db.clientcert", "db.clientkey",
		"db.try_attempts", "db.try_interval", "db.connect_timeout",
		"db.max_conns", "db.auto_migrate",
		"master_key.loader", "master_key.filepath", "master_key.passphrase",
		"ops.enabled", "ops.port",
		"telemetry.enabled", "telemetry.endpoint", "telemetry.insecure",
		"telemetry.sample_rate",
		"telemetry.profiling.enabled", "telemetry.profiling.endpoint",
		"telemetry.profiling.profile_types",
	}

	for _, section := range []string{"inbox", "archive"} {
		keys = append(keys,
			section+".driver",
			section+".posix.location", section+".posix.separator",
			section+".s3.url", section+".s3.region", section+".s3.bucket",
			section+".s3.accesskey", section+".s3.secretkey",
			section+".s3.pathstyle", section+".s3.cacert",
			section+".s3.clientcert", section+".s3.clientkey",
			section+".s3.connecttimeout", section+".s3.chunksize",
			section+".s3.concurrency",
		)
	}

	return keys
}

// durationDecodeHook converts config file strings like "30s" and raw
// integers (nanoseconds) into time.Duration fields.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}
