// Package heartbeat — арифметика report-by дедлайнов.
//
// Живой процесс периодически продлевает свой report-by до
// now + Interval*Buffer. Истечение никто не пишет в store:
// оно обнаруживается сравнением при чтении.
package heartbeat

import "time"

// Значения по умолчанию.
const (
	DefaultInterval = 90 * time.Second
	DefaultBuffer   = 3.1
)

// Policy — интервал heartbeat и запас на пропущенные heartbeat.
type Policy struct {
	// Interval — как часто процесс отчитывается.
	Interval time.Duration

	// Buffer — во сколько интервалов укладывается report-by.
	// Должен быть > 1, иначе здоровый процесс будет истекать между heartbeat.
	Buffer float64
}

// NewPolicy создаёт Policy с дефолтами для нулевых значений.
func NewPolicy(interval time.Duration, buffer float64) Policy {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if buffer <= 1 {
		buffer = DefaultBuffer
	}
	return Policy{Interval: interval, Buffer: buffer}
}

// Window возвращает длительность окна liveness.
func (p Policy) Window() time.Duration {
	return time.Duration(float64(p.Interval) * p.Buffer)
}

// ReportBy возвращает дедлайн следующего heartbeat.
func (p Policy) ReportBy(now time.Time) time.Time {
	return now.Add(p.Window())
}

// Renew продлевает дедлайн. Дедлайн никогда не сдвигается назад.
func (p Policy) Renew(prev, now time.Time) time.Time {
	next := p.ReportBy(now)
	if prev.After(next) {
		return prev
	}
	return next
}

// Expired проверяет, истёк ли дедлайн на момент now.
func Expired(reportBy, now time.Time) bool {
	return now.After(reportBy)
}
