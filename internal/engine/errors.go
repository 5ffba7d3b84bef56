package engine

import "errors"

// Ошибки валидации WorkflowSpec.
var (
	// ErrEmptyTasks — workflow не содержит tasks.
	ErrEmptyTasks = errors.New("workflow spec has no tasks")

	// ErrEmptyName — task или шаблон без имени.
	ErrEmptyName = errors.New("empty name")

	// ErrDuplicateName — несколько tasks или шаблонов с одинаковым именем.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrUnknownTemplate — task ссылается на несуществующий шаблон.
	ErrUnknownTemplate = errors.New("task references unknown template")

	// ErrMissingDependency — task зависит от несуществующего task.
	ErrMissingDependency = errors.New("task depends on unknown task")

	// ErrCyclicDependency — обнаружен цикл в зависимостях.
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// ErrSelfDependency — task зависит от самого себя.
	ErrSelfDependency = errors.New("task depends on itself")

	// ErrUnknownNode — ребро ссылается на неизвестный узел.
	ErrUnknownNode = errors.New("unknown node")

	// ErrInvalidScale — некорректное правило эскалации ресурсов.
	ErrInvalidScale = errors.New("invalid resource scale")

	// ErrUnsupportedFormat — неизвестный формат файла спецификации.
	ErrUnsupportedFormat = errors.New("unsupported spec format")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Name    string // имя task или шаблона
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Name != "" {
		return e.Name + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(name, field, message string, err error) *ValidationError {
	return &ValidationError{
		Name:    name,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
