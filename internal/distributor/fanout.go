package distributor

import "context"

// Result — итог обработки одного элемента FanOut.
type Result[T any] struct {
	Item T
	Err  error
}

// FanOut применяет fn к каждому элементу по очереди.
//
// Ошибка одного элемента не мешает остальным (best-effort), если raise
// не выставлен. С raise обработка прекращается на первой ошибке и она
// возвращается вторым значением. Отмена ctx прерывает обход в любом режиме.
func FanOut[T any](ctx context.Context, items []T, fn func(context.Context, T) error, raise bool) ([]Result[T], error) {
	results := make([]Result[T], 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		err := fn(ctx, item)
		results = append(results, Result[T]{Item: item, Err: err})
		if err != nil && raise {
			return results, err
		}
	}
	return results, nil
}

// Failed возвращает элементы с ошибкой.
func Failed[T any](results []Result[T]) []Result[T] {
	var out []Result[T]
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
