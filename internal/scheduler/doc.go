// Package scheduler запускает периодические циклы swarm, distributor и reaper.
//
// Структура:
//   - cron.go — расписания: интервалы, cron-выражения, дескрипторы (robfig/cron)
//   - loop.go — Loop: итерация по расписанию с инжектируемыми часами
//
// Использование:
//
//	sched, _ := scheduler.ParseSchedule("@every 10m")
//	loop := scheduler.NewLoop(scheduler.LoopConfig{
//	    Name:     "reaper",
//	    Schedule: sched,
//	    Clock:    clock.New(),
//	    Logger:   logger,
//	    Tick: func(ctx context.Context) (bool, error) {
//	        return false, r.Tick(ctx)
//	    },
//	})
//	err := loop.Run(ctx)
//
// Leader Election:
//
// Loop не реализует leader election самостоятельно.
// Для reaper это делается в main.go через pg_try_advisory_lock.
package scheduler
