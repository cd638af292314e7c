// Package logging provides structured logging for the dispatcher and other
// server-side components that need leveled, field-based logs rather than
// plain stdlib log lines.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/octocrew/sandboxforge/internal/config"
)

// Logger wraps zap.Logger with call sites that take key/value pairs instead
// of requiring callers to build zap.Field values themselves.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
}

// New creates a Logger from the server's LogLevel/LogFormat/LogFile settings.
func New(cfg *config.Config) (*Logger, error) {
	var level zapcore.Level
	switch cfg.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.LogFormat == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	if cfg.LogFile != "" {
		file, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	} else {
		output = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(encoder, output, level)
	zapLogger := zap.New(core)

	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}, nil
}

// NewNop returns a Logger that discards everything, for tests.
func NewNop() *Logger {
	zapLogger := zap.NewNop()
	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) { l.sugar.Debugw(msg, keysAndValues...) }
func (l *Logger) Info(msg string, keysAndValues ...interface{})  { l.sugar.Infow(msg, keysAndValues...) }
func (l *Logger) Warn(msg string, keysAndValues ...interface{})  { l.sugar.Warnw(msg, keysAndValues...) }
func (l *Logger) Error(msg string, keysAndValues ...interface{}) { l.sugar.Errorw(msg, keysAndValues...) }

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.zap.Sync()
}
