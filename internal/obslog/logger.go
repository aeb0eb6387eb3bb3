// Package obslog supplies the zap-backed implementation of consumer.Logger.
// Kept out of the consumer package itself so the delivery engine never
// imports zap directly, matching the teacher's server.WithZapLogger split
// between the narrow interfaces.Logger and its concrete adapter.
package obslog

import (
	"go.uber.org/zap"

	"github.com/flowmq/flowmq/consumer"
)

// ZapLogger adapts *zap.Logger to consumer.Logger.
type ZapLogger struct {
	logger *zap.Logger
}

// New builds a ZapLogger. level selects zap.NewDevelopmentConfig() for
// "debug" and zap.NewProductionConfig() otherwise, mirroring
// server.WithZapLogger's level switch. logFile, if non-empty, is added as an
// extra output path.
func New(level string, logFile string) (*ZapLogger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
		if lvl, err := zap.ParseAtomicLevel(level); err == nil {
			cfg.Level = lvl
		}
	}
	if logFile != "" {
		cfg.OutputPaths = append(cfg.OutputPaths, logFile)
	}

	logger, err := cfg.Build()
	if err != nil {
		logger, err = zap.NewProduction()
		if err != nil {
			return nil, err
		}
	}
	return &ZapLogger{logger: logger}, nil
}

// Wrap adapts an already-constructed *zap.Logger.
func Wrap(logger *zap.Logger) *ZapLogger { return &ZapLogger{logger: logger} }

func (z *ZapLogger) Debug(msg string, fields ...consumer.Field) { z.logger.Debug(msg, convert(fields)...) }
func (z *ZapLogger) Info(msg string, fields ...consumer.Field)  { z.logger.Info(msg, convert(fields)...) }
func (z *ZapLogger) Warn(msg string, fields ...consumer.Field)  { z.logger.Warn(msg, convert(fields)...) }
func (z *ZapLogger) Error(msg string, fields ...consumer.Field) { z.logger.Error(msg, convert(fields)...) }

// Sync flushes any buffered log entries.
func (z *ZapLogger) Sync() error { return z.logger.Sync() }

func convert(fields []consumer.Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}
