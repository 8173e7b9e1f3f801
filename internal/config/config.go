package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Uploads  UploadsConfig  `mapstructure:"uploads"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres, sqlite

	// SQLite
	Path string `mapstructure:"path"`

	// PostgreSQL
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	default:
		return c.Path
	}
}

type StorageConfig struct {
	Driver    string `mapstructure:"driver"` // minio, s3
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	PublicURL string `mapstructure:"public_url"`
}

type AuthConfig struct {
	JWKSURL             string        `mapstructure:"jwks_url"`
	Issuer              string        `mapstructure:"issuer"`
	Audience            string        `mapstructure:"audience"`
	KeysetTTL           time.Duration `mapstructure:"keyset_ttl"`
	AllowClaimsFallback bool          `mapstructure:"allow_claims_fallback"`
	ServiceSecret       string        `mapstructure:"service_secret"`
}

type UploadsConfig struct {
	UploadURLTTL   time.Duration `mapstructure:"upload_url_ttl"`
	DownloadURLTTL time.Duration `mapstructure:"download_url_ttl"`
	MaxUploadSize  int64         `mapstructure:"max_upload_size"`
}

type JobsConfig struct {
	StaleClaimAfter time.Duration  `mapstructure:"stale_claim_after"`
	Dispatch        DispatchConfig `mapstructure:"dispatch"`
}

type DispatchConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WorkerConfig struct {
	APIURL       string            `mapstructure:"api_url"`
	Token        string            `mapstructure:"token"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	Types        []string          `mapstructure:"types"`
	Tools        map[string]string `mapstructure:"tools"` // job type -> converter command
	WorkDir      string            `mapstructure:"workdir"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	// Set config file path
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/polyscape.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("storage.driver", "minio")
	v.SetDefault("storage.endpoint", "localhost:9000")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.bucket", "polyscape-assets")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("auth.keyset_ttl", time.Hour)
	v.SetDefault("auth.allow_claims_fallback", false)
	v.SetDefault("uploads.upload_url_ttl", 15*time.Minute)
	v.SetDefault("uploads.download_url_ttl", 15*time.Minute)
	v.SetDefault("uploads.max_upload_size", int64(10)<<30)
	v.SetDefault("jobs.stale_claim_after", time.Duration(0))
	v.SetDefault("jobs.dispatch.enabled", false)
	v.SetDefault("jobs.dispatch.timeout", 5*time.Second)
	v.SetDefault("worker.api_url", "http://localhost:8080")
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.types", []string{})
	v.SetDefault("worker.workdir", "./data/work")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.use_ssl", "STORAGE_USE_SSL")
	v.BindEnv("auth.jwks_url", "AUTH_JWKS_URL")
	v.BindEnv("auth.service_secret", "AUTH_SERVICE_SECRET")
	v.BindEnv("worker.token", "WORKER_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
