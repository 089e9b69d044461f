package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrMissingAppKey = errors.New("config: APP_KEY is required")

type Config struct {
	AppEnv         string `mapstructure:"APP_ENV"`
	AppName        string `mapstructure:"APP_NAME"`
	AppVersion     string `mapstructure:"APP_VERSION"`
	AppURL         string `mapstructure:"APP_URL"`
	AppKey         string `mapstructure:"APP_KEY"`
	TimezoneOffset string `mapstructure:"TIMEZONE_OFFSET"`
	TLS            struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Metrics struct {
		Enable bool `mapstructure:"ENABLE"`
	} `mapstructure:"METRICS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Auth struct {
		Secret        string        `mapstructure:"SECRET"`
		AccessTTL     time.Duration `mapstructure:"ACCESS_TTL"`
		AdminEmail    string        `mapstructure:"ADMIN_EMAIL"`
		AdminPassword string        `mapstructure:"ADMIN_PASSWORD"`
	} `mapstructure:"AUTH"`
	License struct {
		SweepCron      string        `mapstructure:"SWEEP_CRON"`
		SweepTimeout   time.Duration `mapstructure:"SWEEP_TIMEOUT"`
		SweepBatchSize int           `mapstructure:"SWEEP_BATCH_SIZE"`
		TransitionBand time.Duration `mapstructure:"TRANSITION_BAND"`
		EncryptionKey  string        `mapstructure:"ENCRYPTION_KEY"`
	} `mapstructure:"LICENSE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Warn("config file not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if p.Vault != nil {
		if err := overlayVault(context.Background(), p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a meaningful default are still registered so AutomaticEnv
	// picks them up during Unmarshal.
	for _, key := range []string{
		"APP_KEY", "APP_VERSION",
		"TLS.CERT_PATH", "TLS.KEY_PATH",
		"OTEL.ADDR", "PYROSCOPE.ADDR",
		"DATABASE.HOST", "DATABASE.PORT", "DATABASE.DBNAME", "DATABASE.USER", "DATABASE.PASSWORD",
		"REDIS.PASSWORD",
		"MINIO.ENDPOINT", "MINIO.ACCESS_KEY", "MINIO.SECRET_KEY",
		"AUTH.SECRET", "AUTH.ADMIN_EMAIL", "AUTH.ADMIN_PASSWORD",
		"LICENSE.ENCRYPTION_KEY",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("TLS.ENABLE", false)
	v.SetDefault("METRICS.ENABLE", false)
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("MINIO.SECURE", false)

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "labdesk-controlplane")
	v.SetDefault("APP_URL", "http://localhost:8080")
	v.SetDefault("TIMEZONE_OFFSET", "+05:30")
	v.SetDefault("OTEL.PROTOCOL", "grpc")

	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)

	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "Asia/Kolkata")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 10)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 50)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)

	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)

	v.SetDefault("MINIO.BUCKET_NAME", "labdesk")

	v.SetDefault("AUTH.ACCESS_TTL", time.Hour)

	v.SetDefault("LICENSE.SWEEP_CRON", "@every 1m")
	v.SetDefault("LICENSE.SWEEP_TIMEOUT", 50*time.Second)
	v.SetDefault("LICENSE.SWEEP_BATCH_SIZE", 200)
	v.SetDefault("LICENSE.TRANSITION_BAND", 60*time.Second)
}

func overlayVault(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return fmt.Errorf("vault read: %w", err)
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.AppKey = get("app_key", cfg.AppKey)
	cfg.Auth.Secret = get("auth_secret", cfg.Auth.Secret)
	cfg.Auth.AdminPassword = get("admin_password", cfg.Auth.AdminPassword)
	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)
	return nil
}

// Validate fails fast on settings the process cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.AppKey) == "" {
		return ErrMissingAppKey
	}
	if _, err := ParseOffset(c.TimezoneOffset); err != nil {
		return err
	}
	if c.TLS.Enable && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return fmt.Errorf("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}
	return nil
}

// AuthSecret falls back to the application key when no dedicated secret is set.
func (c *Config) AuthSecret() string {
	if c.Auth.Secret != "" {
		return c.Auth.Secret
	}
	return c.AppKey
}

// ParseOffset parses "+05:30" / "-04:00" / "Z" into seconds east of UTC.
func ParseOffset(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "Z" || s == "UTC" {
		return 0, nil
	}
	t, err := time.Parse("-07:00", s)
	if err != nil {
		return 0, fmt.Errorf("invalid TIMEZONE_OFFSET %q: %w", s, err)
	}
	_, offset := t.Zone()
	return offset, nil
}
