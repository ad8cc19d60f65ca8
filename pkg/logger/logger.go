package logger

import (
	"etl-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("zap",
	fx.Provide(New),
)

// New builds the application logger and installs it as the zap global so
// services can log through zap.L().
func New(cfg *config.Config) *zap.Logger {
	log := zap.Must(zap.NewDevelopment())

	if cfg.AppEnv == "production" {
		prod := zap.NewProductionConfig()
		prod.EncoderConfig.TimeKey = "timestamp"
		prod.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		prod.EncoderConfig.LevelKey = "severity"
		prod.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		prod.EncoderConfig.CallerKey = "caller"
		prod.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		prod.Encoding = "json"
		prod.OutputPaths = []string{"stdout"}
		prod.ErrorOutputPaths = []string{"stderr"}

		log = zap.Must(prod.Build())
	}

	log = log.With(
		zap.String("env", cfg.AppEnv),
		zap.String("service_name", cfg.AppName),
	)

	zap.ReplaceGlobals(log)

	return log
}
