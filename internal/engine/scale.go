package engine

import (
	"fmt"
	"math"
	"sort"

	"github.com/shaiso/jobswarm/internal/domain"
)

// DefaultScaleValue — множитель эскалации по умолчанию (×1.5).
const DefaultScaleValue = 0.5

// ScaleFuncs — именованные функции эскалации для ScaleFunc правил.
type ScaleFuncs map[string]func(prev float64) float64

// QueueLimit — имя очереди и её максимальные ресурсы.
// Нулевое значение измерения в Max — без ограничения.
type QueueLimit struct {
	Name string
	Max  domain.Resources
}

// DefaultScales возвращает правила по умолчанию: память и время ×1.5.
func DefaultScales() domain.ResourceScales {
	return domain.ResourceScales{
		domain.DimensionMemory:  {Kind: domain.ScaleConstant, Value: DefaultScaleValue},
		domain.DimensionRuntime: {Kind: domain.ScaleConstant, Value: DefaultScaleValue},
	}
}

// Scale вычисляет следующее значение измерения.
// Результат никогда не меньше prev.
func Scale(prev float64, p domain.ScalePolicy, funcs ScaleFuncs) (float64, error) {
	var next float64

	switch p.Kind {
	case domain.ScaleConstant:
		next = prev * (1 + p.Value)
	case domain.ScaleIncrement:
		next = prev + p.Value
	case domain.ScaleFunc:
		fn := p.Fn
		if fn == nil {
			fn = funcs[p.FuncName]
		}
		if fn == nil {
			return prev, fmt.Errorf("%w: unknown scale function %q", ErrInvalidScale, p.FuncName)
		}
		next = fn(prev)
	default:
		return prev, fmt.Errorf("%w: unknown kind %q", ErrInvalidScale, p.Kind)
	}

	if math.IsNaN(next) || next < prev {
		return prev, nil
	}
	return next, nil
}

// Escalate возвращает увеличенный запрос ресурсов после ошибки ресурсов.
//
// Каждое измерение из scales масштабируется (пустые scales — DefaultScales).
// Если результат не помещается в очередь, выбирается первая fallback очередь,
// в которую он помещается; иначе значения ограничиваются максимумом текущей
// очереди, но не опускаются ниже предыдущих.
func Escalate(prev domain.Resources, scales domain.ResourceScales, funcs ScaleFuncs, queue QueueLimit, fallbacks []QueueLimit) (domain.Resources, error) {
	if len(scales) == 0 {
		scales = DefaultScales()
	}

	dims := make([]string, 0, len(scales))
	for dim := range scales {
		dims = append(dims, dim)
	}
	sort.Strings(dims)

	next := prev.Clone()
	for _, dim := range dims {
		v, err := Scale(prev.Get(dim), scales[dim], funcs)
		if err != nil {
			return prev, err
		}
		next = next.With(dim, v)
	}

	if fits(next, queue.Max) {
		return next, nil
	}

	for _, fb := range fallbacks {
		if fits(next, fb.Max) {
			next.Queue = fb.Name
			return next, nil
		}
	}

	return clamp(next, prev, queue.Max), nil
}

// fits проверяет, что все измерения не превышают максимум.
func fits(r, max domain.Resources) bool {
	for _, dim := range []string{domain.DimensionCores, domain.DimensionMemory, domain.DimensionRuntime} {
		if m := max.Get(dim); m > 0 && r.Get(dim) > m {
			return false
		}
	}
	return true
}

// clamp ограничивает r максимумом очереди, не опускаясь ниже prev.
func clamp(r, prev, max domain.Resources) domain.Resources {
	out := r.Clone()
	for _, dim := range []string{domain.DimensionCores, domain.DimensionMemory, domain.DimensionRuntime} {
		m := max.Get(dim)
		if m <= 0 || r.Get(dim) <= m {
			continue
		}
		out = out.With(dim, math.Max(m, prev.Get(dim)))
	}
	return out
}
