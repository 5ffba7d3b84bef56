package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/jobswarm/internal/domain"
)

const specYAML = `
name: nightly
max_concurrently_running: 10
default_cluster: sequential
default_resources:
  queue: all.q
  cores: 1
  memory_gb: 1
  runtime_sec: 60
templates:
  - name: fit
    command_template: "python fit.py --location {{ .location }}"
    resources: {memory_gb: 2}
    resource_scales:
      memory: {kind: constant, value: 1.0}
    max_attempts: 2
  - name: summarize
    command_template: "python summarize.py"
tasks:
  - name: fit_1
    template: fit
    args: {location: "1"}
  - name: fit_2
    template: fit
    args: {location: "2"}
  - name: summarize
    template: summarize
    upstream: [fit_1, fit_2]
`

func TestParseSpec_YAML(t *testing.T) {
	spec, err := ParseSpec([]byte(specYAML), FormatYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Name != "nightly" {
		t.Errorf("expected name nightly, got %s", spec.Name)
	}
	if len(spec.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(spec.Tasks))
	}
	if spec.Templates[0].ResourceScales[domain.DimensionMemory].Kind != domain.ScaleConstant {
		t.Error("memory scale should be constant")
	}
}

func TestParseSpec_JSON(t *testing.T) {
	data := `{"name":"j","default_cluster":"dummy",
		"templates":[{"name":"t","command_template":"echo {{ .x }}"}],
		"tasks":[{"name":"a","template":"t","args":{"x":"1"}}]}`

	spec, err := ParseSpec([]byte(data), FormatJSON)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if spec.Tasks[0].Args["x"] != "1" {
		t.Error("args should be parsed")
	}
}

func TestParseSpec_UnsupportedFormat(t *testing.T) {
	_, err := ParseSpec([]byte("x"), "toml")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tmpl := []domain.TemplateSpec{{Name: "t", CommandTemplate: "echo"}}

	tests := []struct {
		name string
		spec *domain.WorkflowSpec
		want error
	}{
		{name: "nil spec", spec: nil, want: ErrEmptyTasks},
		{name: "empty tasks", spec: &domain.WorkflowSpec{Templates: tmpl}, want: ErrEmptyTasks},
		{
			name: "empty task name",
			spec: &domain.WorkflowSpec{Templates: tmpl, Tasks: []domain.TaskSpec{{Template: "t"}}},
			want: ErrEmptyName,
		},
		{
			name: "duplicate task",
			spec: &domain.WorkflowSpec{Templates: tmpl, Tasks: []domain.TaskSpec{
				{Name: "a", Template: "t"}, {Name: "a", Template: "t"},
			}},
			want: ErrDuplicateName,
		},
		{
			name: "duplicate template",
			spec: &domain.WorkflowSpec{
				Templates: []domain.TemplateSpec{{Name: "t"}, {Name: "t"}},
				Tasks:     []domain.TaskSpec{{Name: "a", Template: "t"}},
			},
			want: ErrDuplicateName,
		},
		{
			name: "unknown template",
			spec: &domain.WorkflowSpec{Templates: tmpl, Tasks: []domain.TaskSpec{{Name: "a", Template: "x"}}},
			want: ErrUnknownTemplate,
		},
		{
			name: "unknown upstream",
			spec: &domain.WorkflowSpec{Templates: tmpl, Tasks: []domain.TaskSpec{
				{Name: "a", Template: "t", Upstream: []string{"b"}},
			}},
			want: ErrMissingDependency,
		},
		{
			name: "self dependency",
			spec: &domain.WorkflowSpec{Templates: tmpl, Tasks: []domain.TaskSpec{
				{Name: "a", Template: "t", Upstream: []string{"a"}},
			}},
			want: ErrSelfDependency,
		},
		{
			name: "cycle",
			spec: &domain.WorkflowSpec{Templates: tmpl, Tasks: []domain.TaskSpec{
				{Name: "a", Template: "t", Upstream: []string{"c"}},
				{Name: "b", Template: "t", Upstream: []string{"a"}},
				{Name: "c", Template: "t", Upstream: []string{"b"}},
			}},
			want: ErrCyclicDependency,
		},
		{
			name: "bad scale",
			spec: &domain.WorkflowSpec{
				Templates: []domain.TemplateSpec{{Name: "t", ResourceScales: domain.ResourceScales{
					"memory": {Kind: "exponential"},
				}}},
				Tasks: []domain.TaskSpec{{Name: "a", Template: "t"}},
			},
			want: ErrInvalidScale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.spec)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestValidate_ValidationErrorContext(t *testing.T) {
	spec := &domain.WorkflowSpec{
		Templates: []domain.TemplateSpec{{Name: "t"}},
		Tasks:     []domain.TaskSpec{{Name: "a", Template: "missing"}},
	}

	var vErr *ValidationError
	if !errors.As(Validate(spec), &vErr) {
		t.Fatal("expected ValidationError")
	}
	if vErr.Name != "a" || vErr.Field != "template" {
		t.Errorf("unexpected context: %+v", vErr)
	}
}

func TestCompile(t *testing.T) {
	spec, err := ParseSpec([]byte(specYAML), FormatYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plan, err := Compile(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(plan.Arrays) != 2 {
		t.Errorf("expected 2 arrays, got %d", len(plan.Arrays))
	}
	if plan.Arrays[0].MaxConcurrentlyRunning != 10 {
		t.Errorf("array should inherit workflow limit, got %d", plan.Arrays[0].MaxConcurrentlyRunning)
	}

	fit := plan.Tasks[0]
	if fit.Command != "python fit.py --location 1" {
		t.Errorf("unexpected command: %q", fit.Command)
	}
	if fit.Resources.MemoryGB != 2 || fit.Resources.Queue != "all.q" || fit.Resources.Cores != 1 {
		t.Errorf("resources not merged: %+v", fit.Resources)
	}
	if fit.MaxAttempts != 2 {
		t.Errorf("expected max attempts 2, got %d", fit.MaxAttempts)
	}
	if fit.ClusterName != "sequential" {
		t.Errorf("expected default cluster, got %s", fit.ClusterName)
	}

	sum := plan.Tasks[2]
	if sum.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("expected default attempts, got %d", sum.MaxAttempts)
	}
	if len(sum.Upstream) != 2 {
		t.Errorf("expected 2 upstream, got %d", len(sum.Upstream))
	}
}

func TestCompile_MissingArg(t *testing.T) {
	spec := &domain.WorkflowSpec{
		DefaultCluster: "dummy",
		Templates:      []domain.TemplateSpec{{Name: "t", CommandTemplate: "echo {{ .x }}"}},
		Tasks:          []domain.TaskSpec{{Name: "a", Template: "t"}},
	}

	_, err := Compile(spec)
	if !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
}

func TestCompile_DefaultConcurrency(t *testing.T) {
	spec := &domain.WorkflowSpec{
		Name:           "unlimited",
		DefaultCluster: "dummy",
		Templates: []domain.TemplateSpec{
			{Name: "t", CommandTemplate: "echo"},
			{Name: "capped", CommandTemplate: "echo", MaxConcurrentlyRunning: 2},
		},
		Tasks: []domain.TaskSpec{
			{Name: "a", Template: "t"},
			{Name: "b", Template: "capped"},
		},
	}

	plan, err := Compile(spec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if plan.MaxConcurrentlyRunning != DefaultMaxConcurrentlyRunning {
		t.Errorf("expected default workflow limit, got %d", plan.MaxConcurrentlyRunning)
	}
	if plan.Arrays[0].MaxConcurrentlyRunning != DefaultMaxConcurrentlyRunning {
		t.Errorf("array should inherit default limit, got %d", plan.Arrays[0].MaxConcurrentlyRunning)
	}
	if plan.Arrays[1].MaxConcurrentlyRunning != 2 {
		t.Errorf("array limit should be kept, got %d", plan.Arrays[1].MaxConcurrentlyRunning)
	}
}
