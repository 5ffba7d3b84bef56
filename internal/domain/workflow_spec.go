package domain

// WorkflowSpec — описание workflow в YAML/JSON файле.
//
// Пример:
//
//	name: nightly-model
//	max_concurrently_running: 100
//	default_cluster: multiprocess
//	templates:
//	  - name: fit
//	    command_template: "python fit.py --location {{ .location }}"
//	    resources: {queue: all.q, cores: 1, memory_gb: 2, runtime_sec: 600}
//	    resource_scales:
//	      memory: {kind: constant, value: 1.0}
//	    max_attempts: 3
//	tasks:
//	  - name: fit_1
//	    template: fit
//	    args: {location: "1"}
//	  - name: summarize
//	    template: summarize
//	    upstream: [fit_1]
type WorkflowSpec struct {
	// Name — имя workflow.
	Name string `json:"name" yaml:"name"`

	// MaxConcurrentlyRunning — потолок активных tasks (0 — без ограничения при bind).
	MaxConcurrentlyRunning int `json:"max_concurrently_running,omitempty" yaml:"max_concurrently_running,omitempty"`

	// DefaultCluster — кластер для tasks без явного указания.
	DefaultCluster string `json:"default_cluster,omitempty" yaml:"default_cluster,omitempty"`

	// DefaultResources — ресурсы по умолчанию.
	DefaultResources *Resources `json:"default_resources,omitempty" yaml:"default_resources,omitempty"`

	// Templates — шаблоны задач.
	Templates []TemplateSpec `json:"templates" yaml:"templates"`

	// Tasks — tasks workflow.
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`
}

// TemplateSpec — шаблон задачи (узлы одного шаблона образуют array).
type TemplateSpec struct {
	Name            string         `json:"name" yaml:"name"`
	CommandTemplate string         `json:"command_template" yaml:"command_template"`
	Cluster         string         `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	Resources       *Resources     `json:"resources,omitempty" yaml:"resources,omitempty"`
	ResourceScales  ResourceScales `json:"resource_scales,omitempty" yaml:"resource_scales,omitempty"`
	FallbackQueues  []string       `json:"fallback_queues,omitempty" yaml:"fallback_queues,omitempty"`
	MaxAttempts     int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// MaxConcurrentlyRunning — потолок для array шаблона (0 — без отдельного потолка).
	MaxConcurrentlyRunning int `json:"max_concurrently_running,omitempty" yaml:"max_concurrently_running,omitempty"`
}

// TaskSpec — task внутри workflow.
type TaskSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Template    string            `json:"template" yaml:"template"`
	Args        map[string]string `json:"args,omitempty" yaml:"args,omitempty"`
	Upstream    []string          `json:"upstream,omitempty" yaml:"upstream,omitempty"`
	Resources   *Resources        `json:"resources,omitempty" yaml:"resources,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}
