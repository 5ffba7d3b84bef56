// Package reaper находит потерянные workflow runs и приводит статусы в порядок.
//
// Один проход (Tick):
//
//	halted:       COLD_RESUME / HOT_RESUME, контроллер потерян  → TERMINATED (workflow HALTED)
//	error:        INSTANTIATED / LAUNCHED / RUNNING, потерян    → ERROR      (workflow FAILED)
//	inconsistent: workflow не DONE, все tasks DONE, run нет     → workflow DONE
//
// Run потерян, когда истёк его heartbeat и истекли report-by всех
// непогашенных distributor, привязанных к нему. Просроченные distributor
// гасятся (expunge). О каждом пожатом run отправляется уведомление.
//
// В кластере работает один reaper: лидерство берётся через Leader
// (advisory lock Postgres в jobswarm-reaper).
package reaper
