package config

// StorageSettings configures the blob storage payloads are uploaded to and the local temporary store files are read from.
type StorageSettings struct {
	Endpoint          string        `mapstructure:"endpoint" validate:"required"`
	AccessKey         string        `mapstructure:"access_key"`
	SecretKey         string        `mapstructure:"secret_key"`
	UseSSL            bool          `mapstructure:"use_ssl"`
	Region            string        `mapstructure:"region"`
	BucketName        string        `mapstructure:"bucket_name" validate:"required"`
	TemporaryPath     string        `mapstructure:"temporary_path" validate:"required"`
	ConcurrentUploads int           `mapstructure:"concurrent_uploads" validate:"min=1"`
	Retries           RetrySettings `mapstructure:"retries"`
}
