package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel уровень логирования
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

// ParseLevel переводит строковый уровень из конфигурации в LogLevel
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger структурный логгер поверх zap.SugaredLogger.
// Все вызовы в сервисе идут в стиле ключ/значение: log.Infow("msg", "key", value).
type Logger struct {
	*zap.SugaredLogger
	base *zap.Logger
}

// New создает логгер с консольным выводом (для разработки)
func New(level LogLevel) *Logger {
	return build(level, false)
}

// NewProduction создает логгер с JSON выводом
func NewProduction(level LogLevel) *Logger {
	return build(level, true)
}

// NewNop логгер, который ничего не пишет. Используется в тестах.
func NewNop() *Logger {
	base := zap.NewNop()
	return &Logger{SugaredLogger: base.Sugar(), base: base}
}

func build(level LogLevel, jsonOutput bool) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if jsonOutput {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(level.zapLevel()))
	base := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{SugaredLogger: base.Sugar(), base: base}
}

// With возвращает дочерний логгер с постоянными полями
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	sugared := l.SugaredLogger.With(keysAndValues...)
	return &Logger{SugaredLogger: sugared, base: sugared.Desugar()}
}

// Zap возвращает нижележащий *zap.Logger для библиотек, которые его принимают
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// Sync сбрасывает буферы. Ошибку sync для stdout игнорируем.
func (l *Logger) Sync() {
	_ = l.SugaredLogger.Sync()
}
