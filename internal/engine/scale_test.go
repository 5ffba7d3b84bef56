package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/jobswarm/internal/domain"
)

func TestScale(t *testing.T) {
	funcs := ScaleFuncs{"double": func(p float64) float64 { return p * 2 }}

	tests := []struct {
		name   string
		prev   float64
		policy domain.ScalePolicy
		want   float64
	}{
		{name: "constant", prev: 2, policy: domain.ScalePolicy{Kind: domain.ScaleConstant, Value: 0.5}, want: 3},
		{name: "increment", prev: 2, policy: domain.ScalePolicy{Kind: domain.ScaleIncrement, Value: 4}, want: 6},
		{name: "named func", prev: 2, policy: domain.ScalePolicy{Kind: domain.ScaleFunc, FuncName: "double"}, want: 4},
		{
			name:   "programmatic func",
			prev:   2,
			policy: domain.ScalePolicy{Kind: domain.ScaleFunc, Fn: func(p float64) float64 { return p + 1 }},
			want:   3,
		},
		{
			name:   "shrinking func never below prev",
			prev:   8,
			policy: domain.ScalePolicy{Kind: domain.ScaleFunc, Fn: func(p float64) float64 { return p / 2 }},
			want:   8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Scale(tt.prev, tt.policy, funcs)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestScale_UnknownFunc(t *testing.T) {
	_, err := Scale(1, domain.ScalePolicy{Kind: domain.ScaleFunc, FuncName: "nope"}, nil)
	if !errors.Is(err, ErrInvalidScale) {
		t.Errorf("expected ErrInvalidScale, got %v", err)
	}
}

func TestEscalate_Defaults(t *testing.T) {
	prev := domain.Resources{Queue: "q", Cores: 1, MemoryGB: 2, RuntimeSec: 100}

	got, err := Escalate(prev, nil, nil, QueueLimit{Name: "q"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.MemoryGB != 3 || got.RuntimeSec != 150 {
		t.Errorf("expected ×1.5 on memory and runtime, got %+v", got)
	}
	if got.Cores != 1 {
		t.Errorf("cores should not change, got %v", got.Cores)
	}
}

func TestEscalate_Monotonic(t *testing.T) {
	scales := domain.ResourceScales{domain.DimensionMemory: {Kind: domain.ScaleConstant, Value: 1}}
	r := domain.Resources{Queue: "q", MemoryGB: 1}
	limit := QueueLimit{Name: "q", Max: domain.Resources{MemoryGB: 5}}

	// 1 → 2 → 4 → 5 (clamp) → 5
	want := []float64{2, 4, 5, 5}
	for i, w := range want {
		next, err := Escalate(r, scales, nil, limit, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if next.MemoryGB < r.MemoryGB {
			t.Fatalf("step %d: escalation decreased memory %v → %v", i, r.MemoryGB, next.MemoryGB)
		}
		if next.MemoryGB != w {
			t.Errorf("step %d: expected %v, got %v", i, w, next.MemoryGB)
		}
		r = next
	}
}

func TestEscalate_FallbackQueue(t *testing.T) {
	scales := domain.ResourceScales{domain.DimensionMemory: {Kind: domain.ScaleConstant, Value: 1}}
	prev := domain.Resources{Queue: "small.q", MemoryGB: 4}

	got, err := Escalate(prev, scales, nil,
		QueueLimit{Name: "small.q", Max: domain.Resources{MemoryGB: 6}},
		[]QueueLimit{
			{Name: "medium.q", Max: domain.Resources{MemoryGB: 7}},
			{Name: "large.q", Max: domain.Resources{MemoryGB: 64}},
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Queue != "large.q" || got.MemoryGB != 8 {
		t.Errorf("expected large.q with 8GB, got %+v", got)
	}
}
