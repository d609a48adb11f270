package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (COUPON_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (COUPON_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKey      string `usage:"Key expected in the access_token header (COUPON_API_KEY)" flag:"api-key"`
	ServiceName string `default:"core-commerce-coupon" usage:"Service name reported by /health" flag:"service-name"`
	Timezone    string `default:"UTC" usage:"IANA zone used to render timestamps and compute today" flag:"timezone"`
	// IsolationLevel of the redemption transactions.
	IsolationLevel string `default:"read committed" usage:"read committed, repeatable read or serializable" flag:"isolation-level"`
	LockOnReserve  bool   `default:"true" usage:"Lock the coupon row while reserving" flag:"lock-on-reserve"`
	MaxBodySize    int64  `default:"16777216" usage:"Maximum request body size in bytes" flag:"max-body-size"`
	CORS           CORSConfig
	Graceful       GracefulConfig
	Kafka          KafkaConfig
	S3             S3Config
	Bulk           BulkConfig
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins []string `default:"*" usage:"Allowed CORS origins"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// KafkaConfig enables redemption events when Brokers is set.
type KafkaConfig struct {
	Brokers []string `usage:"Kafka bootstrap brokers" flag:"kafka-brokers"`
	Topic   string   `default:"coupon-usage" usage:"Topic for redemption events" flag:"kafka-topic"`
}

// S3Config enables archiving of bulk upload files when Bucket is set.
type S3Config struct {
	Bucket          string `usage:"Bucket for bulk upload files" flag:"s3-bucket"`
	Region          string `default:"us-east-1" usage:"S3 region" flag:"s3-region"`
	Endpoint        string `usage:"Custom S3 endpoint, e.g. MinIO" flag:"s3-endpoint"`
	AccessKeyID     string `usage:"Static access key id" flag:"s3-access-key-id"`
	SecretAccessKey string `usage:"Static secret access key" flag:"s3-secret-access-key"`
}

// BulkConfig limits bulk creation requests.
type BulkConfig struct {
	MaxFileSize int64 `default:"10485760" usage:"Maximum customer keys file size in bytes" flag:"bulk-max-file-size"`
	QueueSize   int   `default:"16" usage:"Pending bulk tasks before submissions block" flag:"bulk-queue-size"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(aconfig.Config{
		EnvPrefix: "COUPON",
		Files:     []string{"config.yaml", "/etc/coupon/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
}

func loadConfig(ac aconfig.Config) (*Config, error) {
	var cfg Config
	if err := aconfig.LoaderFor(&cfg, ac).Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT to the COUPON_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set COUPON_DATABASE_URL or DATABASE_URL")
	}
	if c.APIKey == "" {
		return errors.New("API key is required: set COUPON_API_KEY")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", c.Timezone)
	}
	return loc, nil
}
