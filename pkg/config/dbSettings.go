package config

// DbSettings selects and configures the payload repository.
type DbSettings struct {
	Type       string        `mapstructure:"type" validate:"oneof=postgres mongo spanner memory"`
	DSN        string        `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI        string        `mapstructure:"uri" validate:"required_if=Type mongo,required_if=Type spanner"`
	DBName     string        `mapstructure:"db_name"`
	Collection string        `mapstructure:"collection"`
	Retries    RetrySettings `mapstructure:"retries"`
}
