package cluster

import (
	"fmt"

	"github.com/shaiso/jobswarm/internal/domain"
)

// LimitQueue — очередь со статическими лимитами.
type LimitQueue struct {
	name string
	max  domain.Resources
}

// NewLimitQueue создаёт очередь. Нулевое измерение max — без лимита.
func NewLimitQueue(name string, max domain.Resources) *LimitQueue {
	return &LimitQueue{name: name, max: max}
}

func (q *LimitQueue) Name() string { return q.name }
func (q *LimitQueue) Max() domain.Resources { return q.max }

// ValidateResources проверяет ядра, память и время выполнения.
func (q *LimitQueue) ValidateResources(r domain.Resources) (bool, string) {
	for _, dim := range []string{domain.DimensionCores, domain.DimensionMemory, domain.DimensionRuntime} {
		v, limit := r.Get(dim), q.max.Get(dim)
		if v < 0 {
			return false, fmt.Sprintf("%s must not be negative, got %v", dim, v)
		}
		if limit > 0 && v > limit {
			return false, fmt.Sprintf("%s %v exceeds queue %s max %v", dim, v, q.name, limit)
		}
	}
	return true, ""
}

// CoerceResources обрезает запрос по лимитам и подставляет имя очереди.
func (q *LimitQueue) CoerceResources(r domain.Resources) domain.Resources {
	out := r.Clone()
	out.Queue = q.name
	for _, dim := range []string{domain.DimensionCores, domain.DimensionMemory, domain.DimensionRuntime} {
		v, limit := out.Get(dim), q.max.Get(dim)
		if v < 0 {
			out = out.With(dim, 0)
		} else if limit > 0 && v > limit {
			out = out.With(dim, limit)
		}
	}
	return out
}
