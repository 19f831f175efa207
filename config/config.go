// Package config loads media client and gateway settings from a YAML file or
// the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/wolfeidau/signed-media/cache"
	"github.com/wolfeidau/signed-media/staged"
	"github.com/wolfeidau/signed-media/telemetry"
	"github.com/wolfeidau/signed-media/upstream/s3sign"
)

// Config is the complete configuration.
type Config struct {
	API     API     `yaml:"api"`
	S3      S3      `yaml:"s3"`
	Upload  Upload  `yaml:"upload"`
	Cache   Cache   `yaml:"cache"`
	Undo    Undo    `yaml:"undo"`
	Log     Log     `yaml:"log"`
	Metrics Metrics `yaml:"metrics"`
	Server  Server  `yaml:"server"`
	Store   Store   `yaml:"store"`
	Objects Objects `yaml:"objects"`
}

// API is the signing gateway and record service the client talks to.
type API struct {
	BaseURL string `yaml:"base_url" env:"MEDIA_API_BASE_URL" env-default:"http://localhost:8080" validate:"required,url"`
	Token   string `yaml:"token" env:"MEDIA_API_TOKEN"`
}

// S3 configures presigning for the gateway.
type S3 struct {
	Endpoint  string        `yaml:"endpoint" env:"MEDIA_S3_ENDPOINT" env-default:"s3.amazonaws.com" validate:"required,hostname_port|hostname"`
	Region    string        `yaml:"region" env:"MEDIA_S3_REGION" env-default:"us-east-1"`
	Bucket    string        `yaml:"bucket" env:"MEDIA_S3_BUCKET"`
	AccessKey string        `yaml:"access_key" env:"MEDIA_S3_ACCESS_KEY"`
	SecretKey string        `yaml:"secret_key" env:"MEDIA_S3_SECRET_KEY"`
	UseSSL    bool          `yaml:"use_ssl" env:"MEDIA_S3_USE_SSL" env-default:"true"`
	Prefix    string        `yaml:"prefix" env:"MEDIA_S3_PREFIX" env-default:"prod/profiles"`
	ViewTTL   time.Duration `yaml:"view_ttl" env:"MEDIA_S3_VIEW_TTL" env-default:"5m" validate:"gt=0"`
	UploadTTL time.Duration `yaml:"upload_ttl" env:"MEDIA_S3_UPLOAD_TTL" env-default:"60s" validate:"gt=0"`
}

// Upload is the picked file policy.
type Upload struct {
	AllowedTypes []string `yaml:"allowed_types" env:"MEDIA_UPLOAD_ALLOWED_TYPES" env-default:"image/png,image/jpeg,image/webp" validate:"min=1,dive,required"`
	MaxBytes     int64    `yaml:"max_bytes" env:"MEDIA_UPLOAD_MAX_BYTES" env-default:"8388608" validate:"gt=0"`
}

// Cache sizes the resolution cache. A negative SignedTTL keeps signed URLs
// for the whole session.
type Cache struct {
	SignedEntries     int           `yaml:"signed_entries" env:"MEDIA_CACHE_SIGNED_ENTRIES" env-default:"1024" validate:"gt=0"`
	SignedTTL         time.Duration `yaml:"signed_ttl" env:"MEDIA_CACHE_SIGNED_TTL" env-default:"4m"`
	BlobEntries       int           `yaml:"blob_entries" env:"MEDIA_CACHE_BLOB_ENTRIES" env-default:"256" validate:"gt=0"`
	BlobBytes         int64         `yaml:"blob_bytes" env:"MEDIA_CACHE_BLOB_BYTES" env-default:"268435456" validate:"gt=0"`
	SmallQueuePercent int           `yaml:"small_queue_percent" env:"MEDIA_CACHE_SMALL_QUEUE_PERCENT" env-default:"10" validate:"gte=1,lte=50"`
}

// Undo configures delete-with-undo.
type Undo struct {
	Window time.Duration `yaml:"window" env:"MEDIA_UNDO_WINDOW" env-default:"5s" validate:"gt=0"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level" env:"MEDIA_LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"MEDIA_LOG_FORMAT" env-default:"text" validate:"oneof=text json"`
}

// Metrics configures exporters.
type Metrics struct {
	Prometheus   bool   `yaml:"prometheus" env:"MEDIA_METRICS_PROMETHEUS" env-default:"true"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"MEDIA_METRICS_OTLP_ENDPOINT"`
}

// Server configures the signing gateway.
type Server struct {
	Address     string `yaml:"address" env:"MEDIA_SERVER_ADDRESS" env-default:":8080" validate:"required"`
	AuthToken   string `yaml:"auth_token" env:"MEDIA_SERVER_AUTH_TOKEN"`
	DefaultUser string `yaml:"default_user" env:"MEDIA_SERVER_DEFAULT_USER"`
}

// Store is the local record store.
type Store struct {
	Path string `yaml:"path" env:"MEDIA_STORE_PATH" env-default:"./media.db" validate:"required"`
}

// Objects selects where local objects live. Dir is only used by the
// filesystem backend.
type Objects struct {
	Backend string `yaml:"backend" env:"MEDIA_OBJECTS_BACKEND" env-default:"filesystem" validate:"oneof=filesystem memory"`
	Dir     string `yaml:"dir" env:"MEDIA_OBJECTS_DIR" env-default:"./objects" validate:"required_if=Backend filesystem"`
}

// Load reads the configuration from path, or from the environment alone
// when path is empty, and validates it.
func Load(path string) (*Config, error) {
	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and reports every failing field.
func (c *Config) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(c)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("validating config: %w", err)
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// CacheConfig maps the cache section.
func (c *Config) CacheConfig(logger *slog.Logger) cache.Config {
	return cache.Config{
		MaxSignedEntries:  c.Cache.SignedEntries,
		SignedTTL:         c.Cache.SignedTTL,
		MaxBlobEntries:    c.Cache.BlobEntries,
		MaxBlobBytes:      c.Cache.BlobBytes,
		SmallQueuePercent: c.Cache.SmallQueuePercent,
		Logger:            logger,
	}
}

// Policy maps the upload section.
func (c *Config) Policy() staged.Policy {
	return staged.Policy{
		AllowedTypes: c.Upload.AllowedTypes,
		MaxBytes:     c.Upload.MaxBytes,
	}
}

// SignerConfig maps the s3 section.
func (c *Config) SignerConfig(logger *slog.Logger) s3sign.Config {
	return s3sign.Config{
		Endpoint:  c.S3.Endpoint,
		Region:    c.S3.Region,
		Bucket:    c.S3.Bucket,
		AccessKey: c.S3.AccessKey,
		SecretKey: c.S3.SecretKey,
		UseSSL:    c.S3.UseSSL,
		Prefix:    c.S3.Prefix,
		ViewTTL:   c.S3.ViewTTL,
		UploadTTL: c.S3.UploadTTL,
		Logger:    logger,
	}
}

// MetricsConfig maps the metrics section.
func (c *Config) MetricsConfig(version string) telemetry.MetricsConfig {
	return telemetry.MetricsConfig{
		ServiceName:      "signed-media",
		ServiceVersion:   version,
		OTLPEndpoint:     c.Metrics.OTLPEndpoint,
		EnablePrometheus: c.Metrics.Prometheus,
	}
}
