package engine

import (
	"fmt"

	"github.com/shaiso/jobswarm/internal/domain"
)

// Значения по умолчанию для Compile.
const (
	// DefaultMaxAttempts — число попыток, если не задано ни в task, ни в шаблоне.
	DefaultMaxAttempts = 3

	// DefaultMaxConcurrentlyRunning — потолок workflow без max_concurrently_running.
	// 0 в store означает паузу, поэтому "без ограничения" задаётся большим потолком.
	DefaultMaxConcurrentlyRunning = 10000
)

// Plan — скомпилированный workflow, готовый к bind в store.
type Plan struct {
	Name                   string
	MaxConcurrentlyRunning int
	Arrays                 []PlannedArray
	Tasks                  []PlannedTask
}

// PlannedArray — array для шаблона.
type PlannedArray struct {
	TemplateName           string
	MaxConcurrentlyRunning int
}

// PlannedTask — task с отрендеренной командой и итоговыми ресурсами.
type PlannedTask struct {
	Name           string
	TemplateName   string
	Args           map[string]string
	Command        string
	ClusterName    string
	Resources      domain.Resources
	ResourceScales domain.ResourceScales
	FallbackQueues []string
	MaxAttempts    int

	// Upstream — имена upstream tasks.
	Upstream []string
}

// Compile валидирует spec и строит Plan.
//
// Ресурсы task накладываются поверх ресурсов шаблона, шаблона — поверх
// default_resources workflow. Array создаётся на каждый используемый шаблон.
func Compile(spec *domain.WorkflowSpec) (*Plan, error) {
	if err := Validate(spec); err != nil {
		return nil, err
	}

	templates := make(map[string]*domain.TemplateSpec, len(spec.Templates))
	for i := range spec.Templates {
		templates[spec.Templates[i].Name] = &spec.Templates[i]
	}

	maxRunning := spec.MaxConcurrentlyRunning
	if maxRunning == 0 {
		maxRunning = DefaultMaxConcurrentlyRunning
	}

	plan := &Plan{
		Name:                   spec.Name,
		MaxConcurrentlyRunning: maxRunning,
	}

	usedArrays := make(map[string]bool)
	for i := range spec.Tasks {
		ts := &spec.Tasks[i]
		tmpl := templates[ts.Template]

		cmd, err := RenderCommand(tmpl.CommandTemplate, ts.Args)
		if err != nil {
			return nil, NewValidationError(ts.Name, "args", err.Error(), err)
		}

		cluster := tmpl.Cluster
		if cluster == "" {
			cluster = spec.DefaultCluster
		}
		if cluster == "" {
			return nil, NewValidationError(ts.Name, "cluster",
				fmt.Sprintf("no cluster for template %s", tmpl.Name), ErrEmptyName)
		}

		attempts := ts.MaxAttempts
		if attempts == 0 {
			attempts = tmpl.MaxAttempts
		}
		if attempts == 0 {
			attempts = DefaultMaxAttempts
		}

		plan.Tasks = append(plan.Tasks, PlannedTask{
			Name:           ts.Name,
			TemplateName:   tmpl.Name,
			Args:           ts.Args,
			Command:        cmd,
			ClusterName:    cluster,
			Resources:      mergeResources(spec.DefaultResources, tmpl.Resources, ts.Resources),
			ResourceScales: tmpl.ResourceScales,
			FallbackQueues: tmpl.FallbackQueues,
			MaxAttempts:    attempts,
			Upstream:       ts.Upstream,
		})

		if !usedArrays[tmpl.Name] {
			usedArrays[tmpl.Name] = true
			limit := tmpl.MaxConcurrentlyRunning
			if limit == 0 {
				limit = maxRunning
			}
			plan.Arrays = append(plan.Arrays, PlannedArray{
				TemplateName:           tmpl.Name,
				MaxConcurrentlyRunning: limit,
			})
		}
	}

	return plan, nil
}

// mergeResources накладывает непустые поля слоёв по порядку.
func mergeResources(layers ...*domain.Resources) domain.Resources {
	var out domain.Resources
	for _, l := range layers {
		if l == nil {
			continue
		}
		if l.Queue != "" {
			out.Queue = l.Queue
		}
		if l.Cores != 0 {
			out.Cores = l.Cores
		}
		if l.MemoryGB != 0 {
			out.MemoryGB = l.MemoryGB
		}
		if l.RuntimeSec != 0 {
			out.RuntimeSec = l.RuntimeSec
		}
		for k, v := range l.Extra {
			if out.Extra == nil {
				out.Extra = make(map[string]string)
			}
			out.Extra[k] = v
		}
	}
	return out
}
