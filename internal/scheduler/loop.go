package scheduler

import (
	"context"
	"log/slog"

	"github.com/shaiso/jobswarm/internal/clock"
)

// TickFunc — одна итерация цикла.
// stop=true завершает цикл без ошибки.
type TickFunc func(ctx context.Context) (stop bool, err error)

// Loop — периодический цикл с инжектируемыми часами.
//
// Ошибка одной итерации логируется и не останавливает цикл.
type Loop struct {
	name     string
	schedule Schedule
	clock    clock.Clock
	logger   *slog.Logger
	tick     TickFunc
}

// LoopConfig — конфигурация Loop.
type LoopConfig struct {
	Name     string
	Schedule Schedule    // расписание (обязательно)
	Clock    clock.Clock // default: clock.New()
	Logger   *slog.Logger
	Tick     TickFunc
}

// NewLoop создаёт новый Loop.
func NewLoop(cfg LoopConfig) *Loop {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:     cfg.Name,
		schedule: cfg.Schedule,
		clock:    c,
		logger:   logger.With("loop", cfg.Name),
		tick:     cfg.Tick,
	}
}

// Run выполняет итерации до stop или отмены ctx.
// Первая итерация выполняется сразу.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("loop started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stop, err := l.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Error("loop iteration failed", "error", err)
		}
		if stop {
			l.logger.Debug("loop stopped")
			return nil
		}

		now := l.clock.Now()
		wait := l.schedule.Next(now).Sub(now)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(wait):
		}
	}
}
