package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "gateway"
	envPrefix  = "GATEWAY"
)

type Settings struct {
	Database        DbSettings      `mapstructure:"database"`
	Broker          BrokerSettings  `mapstructure:"broker"`
	Storage         StorageSettings `mapstructure:"storage"`
	Payload         PayloadSettings `mapstructure:"payload"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout" validate:"gt=0"`
	Logging         LogSettings     `mapstructure:"logging"`
	Observability   Observability   `mapstructure:"observability"`
}

// PayloadSettings controls how buckets are assembled.
type PayloadSettings struct {
	DefaultTimeout uint          `mapstructure:"default_timeout" validate:"gt=0"` // seconds
	ScanInterval   time.Duration `mapstructure:"scan_interval" validate:"gt=0"`
	// Owner identifies this instance on the payloads it opens. Defaults to the host name.
	Owner          string        `mapstructure:"owner"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=logfmt json"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// LoadFromFile reads gateway.yaml from filePath, merges gateway.<ENVIRONMENT>.yaml when present and
// applies GATEWAY_* environment overrides.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetConfigName(configName)
	v.AddConfigPath(filePath)
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := mergeConfig(v, filePath, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	cfg := &Settings{}
	if err := cfg.loadFromEnv(v); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv populates the settings from defaults and GATEWAY_* environment variables only.
func (c *Settings) LoadFromEnv() error {
	v := viper.New()
	setDefaults(v)
	return c.loadFromEnv(v)
}

func (c *Settings) loadFromEnv(v *viper.Viper) error {
	v.AutomaticEnv()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like GATEWAY_DATABASE_TYPE

	for _, key := range []string{
		"database.type",
		"database.dsn",
		"database.uri",
		"database.db_name",
		"database.collection",
		"database.retries.delays_milliseconds",
		"broker.type",
		"broker.url",
		"broker.exchange",
		"broker.project_id",
		"broker.pool_size",
		"broker.brokers",
		"broker.topic",
		"broker.application_id",
		"broker.retries.delays_milliseconds",
		"storage.endpoint",
		"storage.access_key",
		"storage.secret_key",
		"storage.use_ssl",
		"storage.region",
		"storage.bucket_name",
		"storage.temporary_path",
		"storage.concurrent_uploads",
		"storage.retries.delays_milliseconds",
		"payload.default_timeout",
		"payload.scan_interval",
		"payload.owner",
		"shutdown_timeout",
		"logging.level",
		"logging.format",
		"observability.service_name",
		"observability.tracing_url",
	} {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	return v.Unmarshal(c)
}

func setDefaults(v *viper.Viper) {
	defaultDelays := []int{250, 500, 1000}

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.db_name", "informatics_gateway")
	v.SetDefault("database.collection", "payloads")
	v.SetDefault("database.retries.delays_milliseconds", defaultDelays)
	v.SetDefault("broker.type", "rabbitmq")
	v.SetDefault("broker.exchange", "monaideploy")
	v.SetDefault("broker.pool_size", 2)
	v.SetDefault("broker.topic", "md.workflow.request")
	v.SetDefault("broker.application_id", "16988a78-87b5-4168-a5c3-2cfc2bab8e54")
	v.SetDefault("broker.retries.delays_milliseconds", defaultDelays)
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.temporary_path", "/payloads")
	v.SetDefault("storage.concurrent_uploads", 2)
	v.SetDefault("storage.retries.delays_milliseconds", defaultDelays)
	v.SetDefault("payload.default_timeout", 5)
	v.SetDefault("payload.scan_interval", time.Second)
	if hostname, err := os.Hostname(); err == nil {
		v.SetDefault("payload.owner", hostname)
	}
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "logfmt")
	v.SetDefault("observability.service_name", "payload-gateway")
}

func mergeConfig(v *viper.Viper, path string, name string) error {
	v.SetConfigName(name)
	v.AddConfigPath(path)
	return v.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
