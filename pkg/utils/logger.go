package utils

// logger.go - настройка структурированного логирования (zap)

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	// По умолчанию Nop: пакеты могут логировать до InitLogger (и в тестах)
	// без шумного вывода и nil-проверок
	logger = zap.NewNop().Sugar()
)

// InitLogger создает и устанавливает глобальный logger
//
// format: "json" (production) или "console" (разработка)
// level: debug, info, warn, error
func InitLogger(level, format string) (*zap.SugaredLogger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level: %q", level)
	}

	var cfg zap.Config
	switch format {
	case "json", "":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format: %q", format)
	}

	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	sugar := base.Sugar()

	loggerMu.Lock()
	logger = sugar
	loggerMu.Unlock()

	return sugar, nil
}

// Logger возвращает текущий глобальный logger
func Logger() *zap.SugaredLogger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLogger подменяет глобальный logger (для тестов)
func SetLogger(l *zap.SugaredLogger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		l = zap.NewNop().Sugar()
	}
	logger = l
}
