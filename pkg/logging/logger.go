// Package logging содержит структурированный логгер софтфона.
//
// Интерфейс StructuredLogger повторяет контракт логгера SIP диалогов:
// контекст первым аргументом, поля через конструкторы String/Int/Err и т.д.
// Реализация по умолчанию построена на zap, файл с ротацией через lumberjack.
package logging

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError пишет ошибку уровнем Error вместе с полем error
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// Config конфигурация логгера
type Config struct {
	// Level один из debug, info, warn, error
	Level string
	// File путь к файлу лога. Пустая строка означает stderr.
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	if c.File != "" && c.MaxSizeMB <= 0 {
		return fmt.Errorf("log max size must be positive, got %d", c.MaxSizeMB)
	}
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug", "trace":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// ZapLogger реализация StructuredLogger поверх zap
type ZapLogger struct {
	base *zap.Logger
}

// New создает логгер по конфигурации
func New(cfg Config) (*ZapLogger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := parseLevel(cfg.Level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if cfg.File != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return &ZapLogger{base: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

// FromZap оборачивает готовый zap логгер
func FromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{base: l}
}

// NewNop возвращает логгер, который ничего не пишет
func NewNop() StructuredLogger {
	return &ZapLogger{base: zap.NewNop()}
}

// OrNop подставляет nop логгер вместо nil
func OrNop(l StructuredLogger) StructuredLogger {
	if l == nil {
		return NewNop()
	}
	return l
}

// Sync сбрасывает буферы
func (l *ZapLogger) Sync() error {
	return l.base.Sync()
}

func (l *ZapLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.base.Debug(msg, l.zapFields(ctx, fields)...)
}

func (l *ZapLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.base.Info(msg, l.zapFields(ctx, fields)...)
}

func (l *ZapLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.base.Warn(msg, l.zapFields(ctx, fields)...)
}

func (l *ZapLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.base.Error(msg, l.zapFields(ctx, fields)...)
}

func (l *ZapLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err != nil {
		fields = append(fields, Err(err))
	}
	l.base.Error(msg, l.zapFields(ctx, fields)...)
}

func (l *ZapLogger) WithComponent(component string) StructuredLogger {
	return &ZapLogger{base: l.base.With(zap.String("component", component))}
}

func (l *ZapLogger) WithFields(fields ...Field) StructuredLogger {
	return &ZapLogger{base: l.base.With(toZap(fields)...)}
}

func (l *ZapLogger) zapFields(ctx context.Context, fields []Field) []zap.Field {
	out := toZap(fields)
	if id := CallIDFrom(ctx); id != "" {
		out = append(out, zap.String("call_id", id))
	}
	return out
}

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
