package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strconv"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel определяет уровень логирования из переменной окружения.
// Возможные значения: DEBUG, INFO, WARN, ERROR
// По умолчанию: INFO
func LogLevel() slog.Level {
	level := os.Getenv("LOG_LEVEL")
	switch level {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger инициализирует глобальный логгер.
//
// Формат вывода определяется переменной LOG_FORMAT:
//   - "json" (по умолчанию) — JSON формат для production
//   - "text" — человекочитаемый формат для разработки
//
// Если задан LOG_FILE, логи дополнительно пишутся в файл с ротацией
// (LOG_MAX_SIZE_MB, LOG_MAX_BACKUPS).
func SetupLogger() *slog.Logger {
	logger := slog.New(NewHandler(Output()))
	slog.SetDefault(logger)
	return logger
}

// NewHandler создаёт handler по LOG_LEVEL и LOG_FORMAT.
func NewHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     LogLevel(),
		AddSource: LogLevel() == slog.LevelDebug,
	}

	if os.Getenv("LOG_FORMAT") == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// Output возвращает stdout или stdout + ротируемый файл из LOG_FILE.
func Output() io.Writer {
	path := os.Getenv("LOG_FILE")
	if path == "" {
		return os.Stdout
	}

	return io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   path,
		MaxSize:    envInt("LOG_MAX_SIZE_MB", 100),
		MaxBackups: envInt("LOG_MAX_BACKUPS", 5),
		Compress:   true,
	})
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}

// Ключи контекста для передачи данных в логгер.
type ctxKey string

const (
	// CtxLogger — ключ для логгера в контексте.
	CtxLogger ctxKey = "logger"
)

// WithLogger добавляет логгер в контекст.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, CtxLogger, logger)
}

// FromContext извлекает логгер из контекста.
// Если логгер не найден, возвращает глобальный.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(CtxLogger).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// WithWorkflowRunID возвращает логгер с добавленным workflow_run_id.
func WithWorkflowRunID(logger *slog.Logger, id int64) *slog.Logger {
	return logger.With("workflow_run_id", id)
}

// WithTaskID возвращает логгер с добавленным task_id.
func WithTaskID(logger *slog.Logger, id int64) *slog.Logger {
	return logger.With("task_id", id)
}

// WithTaskInstanceID возвращает логгер с добавленным task_instance_id.
func WithTaskInstanceID(logger *slog.Logger, id int64) *slog.Logger {
	return logger.With("task_instance_id", id)
}

// WithDistributorInstanceID возвращает логгер с добавленным distributor_instance_id.
func WithDistributorInstanceID(logger *slog.Logger, id int64) *slog.Logger {
	return logger.With("distributor_instance_id", id)
}
