package cluster

import (
	"fmt"
	"sort"
	"sync"
)

// Constructor создаёт плагин кластера.
type Constructor func(opts Options) (Plugin, error)

// Registry — реестр типов кластеров.
//
// Собирается в точке сборки приложения и передаётся явно.
// Потокобезопасен.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// Entry — пара имя/конструктор для NewRegistry.
type Entry struct {
	Name        string
	Constructor Constructor
}

// NewRegistry создаёт реестр из entries.
func NewRegistry(entries ...Entry) *Registry {
	r := &Registry{constructors: make(map[string]Constructor, len(entries))}
	for _, e := range entries {
		r.Register(e.Name, e.Constructor)
	}
	return r
}

// Register регистрирует конструктор. Существующий перезаписывается.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
}

// Build создаёт плагин типа name.
// Возвращает ErrPluginNotFound, если тип не зарегистрирован.
func (r *Registry) Build(name string, opts Options) (Plugin, error) {
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if opts.ClusterName == "" {
		opts.ClusterName = name
	}

	p, err := c(opts)
	if err != nil {
		return nil, fmt.Errorf("build cluster plugin %s: %w", name, err)
	}
	return p, nil
}

// Has проверяет, зарегистрирован ли тип.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[name]
	return ok
}

// Names возвращает отсортированный список типов.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.constructors))
	for n := range r.constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
