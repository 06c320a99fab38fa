// Package log provides the logging functionality for the exporter.
package log

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger *exporterLogger
var nopLogger = zap.NewNop().Sugar()

func init() {
	Logger = CreateLoggerWithConfig(DefaultLoggerConfig())
}

func DefaultLoggerConfig() *zap.Config {
	c := zap.NewProductionConfig()
	c.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return &c
}

// ParseLogLevel parses the zap level name, defaulting to "info" when empty.
func ParseLogLevel(logLevel string) (zap.AtomicLevel, error) {
	zapLvl := zap.NewAtomicLevel()
	if logLevel == "" || logLevel == "info" {
		return zapLvl, nil
	}
	return zap.ParseAtomicLevel(logLevel)
}

// CreateLogger creates a logger writing to stderr, or to a rotated
// JSON file when logFile is set.
func CreateLogger(logLevel zap.AtomicLevel, logFile string) *exporterLogger {
	if logFile != "" {
		return createLoggerWithLumberjack(logFile, 128, logLevel.Level())
	}

	lCfg := DefaultLoggerConfig()
	lCfg.Level = logLevel
	return CreateLoggerWithConfig(lCfg)
}

func createLoggerWithLumberjack(logFile string, maxSize int, logLevel zapcore.Level) *exporterLogger {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    maxSize, // megabytes
		MaxBackups: 5,
		MaxAge:     3, // days
		Compress:   true,
	})

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), w, logLevel)
	return newExporterLogger(zap.New(core).Sugar())
}

func CreateLoggerWithConfig(config *zap.Config) *exporterLogger {
	if config == nil {
		config = DefaultLoggerConfig()
	}

	l, err := config.Build()
	if err != nil {
		panic(err)
	}
	return newExporterLogger(l.Sugar())
}

type exporterLogger struct {
	logger atomic.Pointer[zap.SugaredLogger]
}

func newExporterLogger(logger *zap.SugaredLogger) *exporterLogger {
	l := &exporterLogger{}
	l.set(logger)
	return l
}

func (l *exporterLogger) get() *zap.SugaredLogger {
	if l == nil {
		return nopLogger
	}
	if logger := l.logger.Load(); logger != nil {
		return logger
	}
	return nopLogger
}

func (l *exporterLogger) set(logger *zap.SugaredLogger) {
	if logger == nil {
		logger = nopLogger
	}
	l.logger.Store(logger)
}

// SetLogger swaps the package logger in place, so that references taken
// before the swap (e.g., by gin middlewares) follow the new sink.
func SetLogger(logger *exporterLogger) {
	if logger == nil {
		Logger.set(nil)
		return
	}
	Logger.set(logger.get())
}

// Errorw logs context cancellation at warn level, since it is the expected
// outcome of a shutdown rather than a failure.
func (l *exporterLogger) Errorw(msg string, keysAndValues ...interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if keysAndValues[i] != "error" {
			continue
		}
		if err, ok := keysAndValues[i+1].(error); ok && isCanceled(err) {
			l.get().Warnw(msg, keysAndValues...)
			return
		}
	}
	l.get().Errorw(msg, keysAndValues...)
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || strings.Contains(err.Error(), context.Canceled.Error())
}

func (l *exporterLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.get().Debugw(msg, keysAndValues...)
}

func (l *exporterLogger) Debugf(template string, args ...interface{}) {
	l.get().Debugf(template, args...)
}

func (l *exporterLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.get().Infow(msg, keysAndValues...)
}

func (l *exporterLogger) Infof(template string, args ...interface{}) {
	l.get().Infof(template, args...)
}

func (l *exporterLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.get().Warnw(msg, keysAndValues...)
}

func (l *exporterLogger) Desugar() *zap.Logger {
	return l.get().Desugar()
}
