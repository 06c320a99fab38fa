package log

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// AuditLog is one series lifecycle event, e.g., a (GPU, user) series
// being created or removed from the exposed metric set.
type AuditLog struct {
	Kind        string    `json:"kind"`
	AuditID     string    `json:"auditID"`
	Stage       string    `json:"stage"`
	DeviceIndex int       `json:"deviceIndex"`
	User        string    `json:"user"`
	LastSeen    time.Time `json:"lastSeen,omitempty"`
}

type AuditOption func(*AuditLog)

func (ev *AuditLog) applyOpts(opts []AuditOption) {
	for _, opt := range opts {
		opt(ev)
	}

	if ev.Kind == "" {
		ev.Kind = "Series"
	}
	if ev.AuditID == "" {
		ev.AuditID = uuid.New().String()
	}
}

func WithStage(stage string) AuditOption {
	return func(ev *AuditLog) {
		ev.Stage = stage
	}
}

func WithSeries(deviceIndex int, user string) AuditOption {
	return func(ev *AuditLog) {
		ev.DeviceIndex = deviceIndex
		ev.User = user
	}
}

func WithLastSeen(t time.Time) AuditOption {
	return func(ev *AuditLog) {
		ev.LastSeen = t
	}
}

type AuditLogger interface {
	Log(...AuditOption)
}

func NewNopAuditLogger() AuditLogger {
	return &auditLogger{logger: zap.NewNop()}
}

// NewAuditLogger writes one JSON line per event to the rotated log file.
func NewAuditLogger(logFile string) AuditLogger {
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    128, // megabytes
		MaxBackups: 5,
		MaxAge:     3, // days
		Compress:   true,
	})
	return newAuditLogger(w)
}

func newAuditLogger(w zapcore.WriteSyncer) AuditLogger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.LevelKey = ""
	encoderConfig.MessageKey = ""
	encoderConfig.CallerKey = ""
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		w,
		zap.NewAtomicLevelAt(zap.InfoLevel),
	)
	return &auditLogger{logger: zap.New(core)}
}

type auditLogger struct {
	logger *zap.Logger
}

func (l *auditLogger) Log(opts ...AuditOption) {
	ev := &AuditLog{}
	ev.applyOpts(opts)

	fields := []zap.Field{
		zap.String("kind", ev.Kind),
		zap.String("auditID", ev.AuditID),
		zap.String("stage", ev.Stage),
		zap.Int("deviceIndex", ev.DeviceIndex),
		zap.String("user", ev.User),
	}
	if !ev.LastSeen.IsZero() {
		fields = append(fields, zap.Time("lastSeen", ev.LastSeen))
	}
	l.logger.Log(zapcore.InfoLevel, "", fields...)
}

// CreateAuditLogFilepath derives the audit log path from the main log path,
// e.g., "/var/log/exporter.log" becomes "/var/log/exporter.audit".
func CreateAuditLogFilepath(logFile string) string {
	return strings.ReplaceAll(logFile+".audit", ".log", "")
}
