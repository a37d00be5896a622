package logger

import (
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	service string
	z       *zap.Logger
}

var (
	baseMu sync.RWMutex
	base   = mustBuild("info", "json")
)

// Setup replaces the process-wide zap core. Call once from main before
// constructing service loggers.
func Setup(level, encoding string) error {
	z, err := build(level, encoding)
	if err != nil {
		return err
	}
	baseMu.Lock()
	old := base
	base = z
	baseMu.Unlock()
	_ = old.Sync()
	return nil
}

// Sync flushes buffered entries.
func Sync() {
	baseMu.RLock()
	defer baseMu.RUnlock()
	_ = base.Sync()
}

func New(service string) *Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return &Logger{service: service, z: base.With(zap.String("service", service), zap.String("hostname", hostname()))}
}

// Nop returns a logger that discards everything; handy in tests.
func Nop() *Logger { return &Logger{service: "nop", z: zap.NewNop()} }

func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{service: l.service, z: l.z.With(toZap(fields)...)}
}

func (l *Logger) Info(action string, fields map[string]any) {
	l.z.Info(action, append(toZap(fields), zap.String("action", action))...)
}

func (l *Logger) Debug(action string, fields map[string]any) {
	l.z.Debug(action, append(toZap(fields), zap.String("action", action))...)
}

func (l *Logger) Warn(action string, fields map[string]any) {
	l.z.Warn(action, append(toZap(fields), zap.String("action", action))...)
}

func (l *Logger) Error(action string, err error, fields map[string]any) {
	l.z.Error(action, append(toZap(fields), zap.String("action", action), zap.Error(err))...)
}

func toZap(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys)+2)
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func build(level, encoding string) (*zap.Logger, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	cfg.CallerKey = ""
	cfg.MessageKey = "message"

	var enc zapcore.Encoder
	if strings.EqualFold(encoding, "console") {
		enc = zapcore.NewConsoleEncoder(cfg)
	} else {
		enc = zapcore.NewJSONEncoder(cfg)
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, err
	}
	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stdout), lvl)), nil
}

func mustBuild(level, encoding string) *zap.Logger {
	z, err := build(level, encoding)
	if err != nil {
		panic(err)
	}
	return z
}

func hostname() string { h, _ := os.Hostname(); return h }
