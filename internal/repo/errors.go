package repo

import (
	"errors"
	"fmt"

	"github.com/shaiso/jobswarm/internal/domain"
)

// Общие ошибки хранилища.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists — запись уже существует (конфликт уникальности).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidState — операция невозможна в текущем состоянии.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict — переход статуса недопустим или основан на устаревшем чтении.
	// Swarm и distributor логируют такие ошибки и пропускают запись.
	ErrConflict = errors.New("status conflict")
)

// Conflict возвращает ошибку недопустимого перехода,
// совместимую с errors.Is(err, ErrConflict) и errors.Is(err, domain.ErrIllegalTransition).
func Conflict(entity string, id int64, from, to string) error {
	return fmt.Errorf("%w: %w", ErrConflict, &domain.TransitionError{Entity: entity, ID: id, From: from, To: to})
}
