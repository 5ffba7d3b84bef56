package heartbeat

import (
	"testing"
	"time"
)

func TestPolicy_ReportBy(t *testing.T) {
	p := NewPolicy(10*time.Second, 3)
	now := time.Unix(1000, 0)

	if got := p.ReportBy(now); !got.Equal(now.Add(30 * time.Second)) {
		t.Errorf("expected now+30s, got %v", got)
	}
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(0, 0.5)
	if p.Interval != DefaultInterval || p.Buffer != DefaultBuffer {
		t.Errorf("unexpected defaults: %+v", p)
	}
}

func TestPolicy_RenewMonotonic(t *testing.T) {
	p := NewPolicy(time.Second, 2)
	base := time.Unix(1000, 0)

	prev := p.ReportBy(base.Add(10 * time.Second))

	// Запоздалый heartbeat не сдвигает дедлайн назад
	if got := p.Renew(prev, base); !got.Equal(prev) {
		t.Errorf("renew moved deadline back: %v < %v", got, prev)
	}

	// Свежий heartbeat продлевает
	later := base.Add(20 * time.Second)
	if got := p.Renew(prev, later); !got.Equal(later.Add(2 * time.Second)) {
		t.Errorf("expected renewal to later+2s, got %v", got)
	}
}

func TestExpired(t *testing.T) {
	deadline := time.Unix(1000, 0)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"before", deadline.Add(-time.Second), false},
		{"exactly at", deadline, false},
		{"after", deadline.Add(time.Nanosecond), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Expired(deadline, tt.now); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// Процесс, отчитывающийся каждый Interval, никогда не истекает.
func TestPolicy_HealthyNeverExpires(t *testing.T) {
	p := NewPolicy(time.Minute, 1.5)
	now := time.Unix(0, 0)
	deadline := p.ReportBy(now)

	for i := 0; i < 100; i++ {
		now = now.Add(p.Interval)
		if Expired(deadline, now) {
			t.Fatalf("expired at heartbeat %d", i)
		}
		deadline = p.Renew(deadline, now)
	}
}
