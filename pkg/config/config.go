package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var v = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Server     struct {
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
		EnableOtel     bool   `mapstructure:"ENABLE_OTEL"`
		EnableMetrics  bool   `mapstructure:"ENABLE_METRICS"`
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
	Engine struct {
		// TickInterval is how often the scheduler wakes up to look for
		// eligible jobs. Manual triggers bypass the tick.
		TickInterval time.Duration `mapstructure:"TICK_INTERVAL"`
		// MaxRetries is the retry ceiling after which a failing job is
		// marked FAILED instead of PENDING.
		MaxRetries int `mapstructure:"MAX_RETRIES"`
		// StuckCeiling is how long a job may stay RUNNING before the
		// watchdog resets it to PENDING.
		StuckCeiling time.Duration `mapstructure:"STUCK_CEILING"`
		// TransientAttempts bounds in-process retries for transient
		// extraction errors before the job yields to the next cycle.
		TransientAttempts int `mapstructure:"TRANSIENT_ATTEMPTS"`
		// WorkerGate requires at least one live transform/load worker
		// before a job may enqueue anything.
		WorkerGate bool `mapstructure:"WORKER_GATE"`
	} `mapstructure:"ENGINE"`
	Worker struct {
		Concurrency int `mapstructure:"CONCURRENCY"`
	} `mapstructure:"WORKER"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func LoadConfig() *Config {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults()

	if err := v.ReadInConfig(); err != nil {
		// Env vars and defaults still apply without a config file.
		zap.L().Warn("[Config] no config file found, using env/defaults", zap.Error(err))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Fatal("[Config] failed to unmarshal config", zap.Error(err))
	}

	return &cfg
}

func setDefaults() {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "etl-engine")
	v.SetDefault("HTTP_SERVER.ADDR", ":8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "sqlite")
	v.SetDefault("DATABASE.DBNAME", "etl-engine.db")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("ENGINE.TICK_INTERVAL", 60*time.Minute)
	v.SetDefault("ENGINE.MAX_RETRIES", 5)
	v.SetDefault("ENGINE.STUCK_CEILING", 2*time.Hour)
	v.SetDefault("ENGINE.TRANSIENT_ATTEMPTS", 3)
	v.SetDefault("ENGINE.WORKER_GATE", true)
	v.SetDefault("WORKER.CONCURRENCY", 10)
}
