// Package memory — хранилище в памяти с тем же контрактом, что и repo.Store.
//
// Используется в тестах и при локальном запуске (jobswarm workflow run --store memory).
// Все записи сериализуются одним мьютексом, наружу отдаются копии.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaiso/jobswarm/internal/clock"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
	"github.com/shaiso/jobswarm/internal/repo"
)

// Store — хранилище в памяти.
type Store struct {
	mu    sync.Mutex
	clock clock.Clock
	seq   int64

	clusters     map[int64]*domain.Cluster
	workflows    map[int64]*domain.Workflow
	runs         map[int64]*domain.WorkflowRun
	arrays       map[int64]*domain.Array
	nodes        map[int64]*domain.Node
	edges        map[int64]*domain.Edge
	tasks        map[int64]*domain.Task
	resources    map[int64]*domain.TaskResources
	batches      map[int64]*domain.Batch
	instances    map[int64]*domain.TaskInstance
	distributors map[int64]*domain.DistributorInstance

	// lastInstance — последняя попытка task (task id → instance id).
	lastInstance map[int64]int64
}

// New создаёт пустое хранилище. nil clock — системные часы.
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.New()
	}
	return &Store{
		clock:        c,
		clusters:     make(map[int64]*domain.Cluster),
		workflows:    make(map[int64]*domain.Workflow),
		runs:         make(map[int64]*domain.WorkflowRun),
		arrays:       make(map[int64]*domain.Array),
		nodes:        make(map[int64]*domain.Node),
		edges:        make(map[int64]*domain.Edge),
		tasks:        make(map[int64]*domain.Task),
		resources:    make(map[int64]*domain.TaskResources),
		batches:      make(map[int64]*domain.Batch),
		instances:    make(map[int64]*domain.TaskInstance),
		distributors: make(map[int64]*domain.DistributorInstance),
		lastInstance: make(map[int64]int64),
	}
}

// nextID вызывается под mu.
func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

// EnsureCluster возвращает кластер по имени, создавая его при необходимости.
func (s *Store) EnsureCluster(ctx context.Context, name, clusterType string) (*domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clusters {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	c := &domain.Cluster{ID: s.nextID(), Name: name, Type: clusterType}
	s.clusters[c.ID] = c
	cp := *c
	return &cp, nil
}

// GetClusterByName возвращает кластер по имени.
func (s *Store) GetClusterByName(ctx context.Context, name string) (*domain.Cluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clusters {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

// BindWorkflow сохраняет скомпилированный workflow: arrays, узлы, рёбра,
// исходные ресурсы и tasks в статусе REGISTERING.
func (s *Store) BindWorkflow(ctx context.Context, plan *engine.Plan) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	clusterByName := make(map[string]int64)
	for _, c := range s.clusters {
		clusterByName[c.Name] = c.ID
	}
	for _, pt := range plan.Tasks {
		if _, ok := clusterByName[pt.ClusterName]; !ok {
			return nil, fmt.Errorf("cluster %q: %w", pt.ClusterName, repo.ErrNotFound)
		}
	}

	wf := &domain.Workflow{
		ID:                     s.nextID(),
		Name:                   plan.Name,
		Status:                 domain.WorkflowStatusRegistering,
		MaxConcurrentlyRunning: plan.MaxConcurrentlyRunning,
		CreatedAt:              now,
	}
	s.workflows[wf.ID] = wf

	arrayByTemplate := make(map[string]int64, len(plan.Arrays))
	for _, pa := range plan.Arrays {
		a := &domain.Array{
			ID:                     s.nextID(),
			WorkflowID:             wf.ID,
			TemplateName:           pa.TemplateName,
			MaxConcurrentlyRunning: pa.MaxConcurrentlyRunning,
		}
		s.arrays[a.ID] = a
		arrayByTemplate[pa.TemplateName] = a.ID
	}

	taskByName := make(map[string]*domain.Task, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		node := &domain.Node{ID: s.nextID(), TemplateName: pt.TemplateName, Args: pt.Args}
		s.nodes[node.ID] = node

		res := &domain.TaskResources{
			ID:        s.nextID(),
			Kind:      domain.ResourcesOriginal,
			Requested: pt.Resources.Clone(),
			CreatedAt: now,
		}
		s.resources[res.ID] = res

		t := &domain.Task{
			ID:             s.nextID(),
			WorkflowID:     wf.ID,
			NodeID:         node.ID,
			ArrayID:        arrayByTemplate[pt.TemplateName],
			Name:           pt.Name,
			Command:        pt.Command,
			ClusterName:    pt.ClusterName,
			Status:         domain.TaskStatusRegistering,
			StatusDate:     now,
			MaxAttempts:    pt.MaxAttempts,
			ResourcesID:    res.ID,
			ResourceScales: pt.ResourceScales,
			FallbackQueues: pt.FallbackQueues,
		}
		s.tasks[t.ID] = t
		taskByName[pt.Name] = t
	}

	// Рёбра взаимные: upstream у B ⇒ downstream у A
	for _, pt := range plan.Tasks {
		t := taskByName[pt.Name]
		edge := s.edgeFor(t.NodeID)
		for _, upName := range pt.Upstream {
			up := taskByName[upName]
			t.UpstreamIDs = append(t.UpstreamIDs, up.ID)
			edge.Upstream = append(edge.Upstream, up.NodeID)
			upEdge := s.edgeFor(up.NodeID)
			upEdge.Downstream = append(upEdge.Downstream, t.NodeID)
		}
	}

	cp := *wf
	return &cp, nil
}

// edgeFor вызывается под mu.
func (s *Store) edgeFor(nodeID int64) *domain.Edge {
	e, ok := s.edges[nodeID]
	if !ok {
		e = &domain.Edge{NodeID: nodeID}
		s.edges[nodeID] = e
	}
	return e
}

// ListEdges возвращает рёбра узлов workflow.
func (s *Store) ListEdges(ctx context.Context, workflowID int64) ([]domain.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Edge
	for _, t := range s.tasks {
		if t.WorkflowID != workflowID {
			continue
		}
		e := s.edgeFor(t.NodeID)
		out = append(out, domain.Edge{
			NodeID:     e.NodeID,
			Upstream:   append([]int64(nil), e.Upstream...),
			Downstream: append([]int64(nil), e.Downstream...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// GetWorkflow возвращает workflow по ID.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

// FindWorkflowByName возвращает последний workflow с данным именем.
func (s *Store) FindWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *domain.Workflow
	for _, wf := range s.workflows {
		if wf.Name == name && (found == nil || wf.ID > found.ID) {
			found = wf
		}
	}
	if found == nil {
		return nil, repo.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

// ListWorkflows возвращает workflows с заданными статусами (пустой список — все).
func (s *Store) ListWorkflows(ctx context.Context, statuses []domain.WorkflowStatus) ([]domain.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Workflow
	for _, wf := range s.workflows {
		if len(statuses) > 0 && !containsWorkflowStatus(statuses, wf.Status) {
			continue
		}
		out = append(out, *wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetWorkflowStatus устанавливает агрегированный статус workflow.
func (s *Store) SetWorkflowStatus(ctx context.Context, id int64, status domain.WorkflowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return repo.ErrNotFound
	}
	wf.Status = status
	return nil
}

// SetWorkflowMaxConcurrency меняет потолок workflow (0 — пауза dispatch).
func (s *Store) SetWorkflowMaxConcurrency(ctx context.Context, id int64, limit int) error {
	if limit < 0 {
		return repo.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[id]
	if !ok {
		return repo.ErrNotFound
	}
	wf.MaxConcurrentlyRunning = limit
	return nil
}

// ListArrays возвращает arrays workflow.
func (s *Store) ListArrays(ctx context.Context, workflowID int64) ([]domain.Array, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Array
	for _, a := range s.arrays {
		if a.WorkflowID == workflowID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetArrayMaxConcurrency меняет потолок array (0 — array на паузе).
func (s *Store) SetArrayMaxConcurrency(ctx context.Context, id int64, limit int) error {
	if limit < 0 {
		return repo.ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.arrays[id]
	if !ok {
		return repo.ErrNotFound
	}
	a.MaxConcurrentlyRunning = limit
	return nil
}

// TaskStatusCounts возвращает количество tasks workflow по статусам.
func (s *Store) TaskStatusCounts(ctx context.Context, workflowID int64) (map[domain.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return nil, repo.ErrNotFound
	}
	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		if t.WorkflowID == workflowID {
			counts[t.Status]++
		}
	}
	return counts, nil
}

func containsWorkflowStatus(list []domain.WorkflowStatus, s domain.WorkflowStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// now вызывается под mu.
func (s *Store) now() time.Time {
	return s.clock.Now()
}
