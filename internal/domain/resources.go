package domain

import "time"

// Ресурсные измерения, которые умеет масштабировать swarm.
const (
	DimensionCores   = "cores"
	DimensionMemory  = "memory"
	DimensionRuntime = "runtime"
)

// ResourcesKind — место записи в цепочке ресурсов.
type ResourcesKind string

const (
	// ResourcesOriginal — ресурсы, запрошенные пользователем.
	ResourcesOriginal ResourcesKind = "ORIGINAL"

	// ResourcesValidated — ресурсы после проверки лимитов очереди.
	ResourcesValidated ResourcesKind = "VALIDATED"

	// ResourcesAdjusted — ресурсы после эскалации по ошибке ресурсов.
	ResourcesAdjusted ResourcesKind = "ADJUSTED"
)

// Resources — запрос ресурсов для одной попытки.
type Resources struct {
	// Queue — имя очереди кластера.
	Queue string `json:"queue,omitempty" yaml:"queue,omitempty"`

	// Cores — количество ядер.
	Cores float64 `json:"cores,omitempty" yaml:"cores,omitempty"`

	// MemoryGB — память в гигабайтах.
	MemoryGB float64 `json:"memory_gb,omitempty" yaml:"memory_gb,omitempty"`

	// RuntimeSec — лимит времени выполнения в секундах.
	RuntimeSec float64 `json:"runtime_sec,omitempty" yaml:"runtime_sec,omitempty"`

	// Extra — специфичные для кластера параметры (project, constraints...).
	Extra map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Get возвращает значение измерения.
func (r Resources) Get(dim string) float64 {
	switch dim {
	case DimensionCores:
		return r.Cores
	case DimensionMemory:
		return r.MemoryGB
	case DimensionRuntime:
		return r.RuntimeSec
	default:
		return 0
	}
}

// With возвращает копию с новым значением измерения.
func (r Resources) With(dim string, v float64) Resources {
	out := r.Clone()
	switch dim {
	case DimensionCores:
		out.Cores = v
	case DimensionMemory:
		out.MemoryGB = v
	case DimensionRuntime:
		out.RuntimeSec = v
	}
	return out
}

// Clone возвращает глубокую копию.
func (r Resources) Clone() Resources {
	out := r
	if r.Extra != nil {
		out.Extra = make(map[string]string, len(r.Extra))
		for k, v := range r.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Equal сравнивает два запроса ресурсов.
func (r Resources) Equal(o Resources) bool {
	if r.Queue != o.Queue || r.Cores != o.Cores || r.MemoryGB != o.MemoryGB || r.RuntimeSec != o.RuntimeSec {
		return false
	}
	if len(r.Extra) != len(o.Extra) {
		return false
	}
	for k, v := range r.Extra {
		if o.Extra[k] != v {
			return false
		}
	}
	return true
}

// TaskResources — неизменяемая запись запроса ресурсов.
//
// Эскалация всегда создаёт новую запись с ParentID на предыдущую,
// исходная запись никогда не изменяется.
type TaskResources struct {
	ID        int64         `json:"id"`
	ParentID  *int64        `json:"parent_id,omitempty"`
	Kind      ResourcesKind `json:"kind"`
	Requested Resources     `json:"requested"`
	CreatedAt time.Time     `json:"created_at"`
}

// ScaleKind — способ масштабирования измерения.
type ScaleKind string

const (
	// ScaleConstant — умножение: next = prev * (1 + Value).
	ScaleConstant ScaleKind = "constant"

	// ScaleIncrement — фиксированная прибавка: next = prev + Value.
	ScaleIncrement ScaleKind = "increment"

	// ScaleFunc — произвольная функция от предыдущего значения.
	ScaleFunc ScaleKind = "func"
)

// ScalePolicy — правило эскалации одного измерения.
type ScalePolicy struct {
	Kind  ScaleKind `json:"kind" yaml:"kind"`
	Value float64   `json:"value,omitempty" yaml:"value,omitempty"`

	// FuncName — имя функции из реестра swarm (для ScaleFunc, сериализуемо).
	FuncName string `json:"func,omitempty" yaml:"func,omitempty"`

	// Fn — функция, заданная программно. Не сохраняется в store.
	Fn func(prev float64) float64 `json:"-" yaml:"-"`
}

// ResourceScales — правила эскалации по измерениям.
type ResourceScales map[string]ScalePolicy
