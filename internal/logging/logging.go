package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvConfig defines fields used for building the root logger, parsed from environment variables
type EnvConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Development bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
	File        string `env:"LOG_FILE"`
	MaxSizeMB   int    `env:"LOG_FILE_MAX_SIZE_MB" envDefault:"100"`
	MaxBackups  int    `env:"LOG_FILE_MAX_BACKUPS" envDefault:"5"`
	MaxAgeDays  int    `env:"LOG_FILE_MAX_AGE_DAYS" envDefault:"14"`
}

// New builds a logger writing to stdout, and to a rotated file when File is set.
// The returned closer flushes and closes the file.
func New(cfg EnvConfig) (*zap.Logger, io.Closer, error) {
	return newLogger(cfg, zapcore.Lock(os.Stdout))
}

func newLogger(cfg EnvConfig, out zapcore.WriteSyncer) (*zap.Logger, io.Closer, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, err
	}
	atom := zap.NewAtomicLevelAt(level)

	encCfg := zap.NewProductionEncoderConfig()
	encoder := zapcore.NewJSONEncoder
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{zapcore.NewCore(encoder(encCfg), out, atom)}
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		// files are always JSON, whatever the console format is
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(file), atom))
		closer = file
	}

	opts := []zap.Option{zap.AddCaller()}
	if cfg.Development {
		opts = append(opts, zap.Development(), zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(zapcore.NewTee(cores...), opts...), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
