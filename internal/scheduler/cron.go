package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (дескрипторы @every, @hourly тоже допустимы).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule — расписание цикла: следующее время срабатывания после from.
type Schedule = cron.Schedule

// Every возвращает расписание с постоянным интервалом.
// Интервалы меньше секунды сохраняются как есть (cron.Every округлил бы их до секунды).
func Every(d time.Duration) Schedule {
	if d < time.Second {
		return constantDelay(d)
	}
	return cron.Every(d)
}

// constantDelay — интервал меньше секунды.
type constantDelay time.Duration

// Next возвращает from + интервал.
func (c constantDelay) Next(from time.Time) time.Time {
	return from.Add(time.Duration(c))
}

// ParseSchedule разбирает расписание.
//
// Допустимы:
//   - Go duration: "30s", "5m"
//   - cron-выражение: "*/5 * * * *"
//   - дескриптор: "@every 1m", "@hourly"
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	if d, err := time.ParseDuration(spec); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("non-positive interval %q", spec)
		}
		return Every(d), nil
	}

	sched, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}
