package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/jobswarm/internal/domain"
)

// Форматы файла спецификации.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// ParseSpec разбирает WorkflowSpec из YAML или JSON и валидирует результат.
func ParseSpec(data []byte, format string) (*domain.WorkflowSpec, error) {
	var spec domain.WorkflowSpec

	switch strings.ToLower(format) {
	case FormatYAML, "yml", "":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, &spec); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// ParseFile читает спецификацию из файла, формат определяется по расширению.
func ParseFile(path string) (*domain.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	return ParseSpec(data, format)
}

// Validate выполняет полную валидацию WorkflowSpec.
//
// Проверяет:
// - Наличие tasks
// - Уникальность имён шаблонов и tasks
// - Ссылки tasks на существующие шаблоны
// - Валидность upstream (существование, отсутствие self-dependency)
// - Отсутствие циклов (делегируется DAG)
// - Корректность правил эскалации ресурсов
func Validate(spec *domain.WorkflowSpec) error {
	if spec == nil || len(spec.Tasks) == 0 {
		return ErrEmptyTasks
	}

	templates := make(map[string]bool, len(spec.Templates))
	for i := range spec.Templates {
		tmpl := &spec.Templates[i]
		if tmpl.Name == "" {
			return NewValidationError("", "templates",
				fmt.Sprintf("template %d has empty name", i), ErrEmptyName)
		}
		if templates[tmpl.Name] {
			return NewValidationError(tmpl.Name, "name",
				fmt.Sprintf("duplicate template name: %s", tmpl.Name), ErrDuplicateName)
		}
		templates[tmpl.Name] = true

		for dim, policy := range tmpl.ResourceScales {
			if err := validateScale(policy); err != nil {
				return NewValidationError(tmpl.Name, "resource_scales."+dim, err.Error(), ErrInvalidScale)
			}
		}
	}

	// Индекс task → временный id узла для проверки циклов
	index := make(map[string]int64, len(spec.Tasks))
	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		if task.Name == "" {
			return NewValidationError("", "tasks",
				fmt.Sprintf("task %d has empty name", i), ErrEmptyName)
		}
		if _, ok := index[task.Name]; ok {
			return NewValidationError(task.Name, "name",
				fmt.Sprintf("duplicate task name: %s", task.Name), ErrDuplicateName)
		}
		if !templates[task.Template] {
			return NewValidationError(task.Name, "template",
				fmt.Sprintf("unknown template: %s", task.Template), ErrUnknownTemplate)
		}
		index[task.Name] = int64(i + 1)
	}

	edges := make([]domain.Edge, 0, len(spec.Tasks))
	for i := range spec.Tasks {
		task := &spec.Tasks[i]
		e := domain.Edge{NodeID: index[task.Name]}
		for _, up := range task.Upstream {
			if up == task.Name {
				return NewValidationError(task.Name, "upstream",
					"task depends on itself", ErrSelfDependency)
			}
			id, ok := index[up]
			if !ok {
				return NewValidationError(task.Name, "upstream",
					fmt.Sprintf("depends on unknown task: %s", up), ErrMissingDependency)
			}
			e.Upstream = append(e.Upstream, id)
		}
		edges = append(edges, e)
	}

	if _, err := BuildDAG(edges); err != nil {
		return NewValidationError(spec.Name, "tasks", err.Error(), err)
	}

	return nil
}

// validateScale проверяет одно правило эскалации.
func validateScale(p domain.ScalePolicy) error {
	switch p.Kind {
	case domain.ScaleConstant, domain.ScaleIncrement:
		if p.Value < 0 {
			return fmt.Errorf("negative scale value %v", p.Value)
		}
	case domain.ScaleFunc:
		if p.FuncName == "" && p.Fn == nil {
			return fmt.Errorf("func scale without function name")
		}
	default:
		return fmt.Errorf("unknown scale kind %q", p.Kind)
	}
	return nil
}
