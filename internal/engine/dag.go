package engine

import (
	"fmt"
	"sort"

	"github.com/shaiso/jobswarm/internal/domain"
)

// Node — узел в DAG.
type Node struct {
	// ID — идентификатор узла (node id или task id, в зависимости от уровня).
	ID int64

	// InDegree — количество входящих рёбер (зависимостей).
	InDegree int

	// Upstream — узлы, от которых зависит этот узел.
	Upstream []*Node

	// Downstream — узлы, которые зависят от этого узла.
	Downstream []*Node
}

// DAG — направленный ациклический граф.
//
// Рёбра взаимные: если A в Upstream у B, то B в Downstream у A.
type DAG struct {
	// Nodes — все узлы графа (id → Node).
	Nodes map[int64]*Node

	// RootNodes — узлы без зависимостей (точки входа).
	RootNodes []*Node

	// Order — топологически отсортированный список узлов.
	Order []*Node
}

// NewDAG создаёт пустой DAG.
func NewDAG() *DAG {
	return &DAG{Nodes: make(map[int64]*Node)}
}

// BuildDAG строит DAG из списка рёбер и проверяет отсутствие циклов.
//
// Узлы, упомянутые только в Upstream/Downstream соседей, должны
// присутствовать в edges собственной записью — иначе ErrUnknownNode.
func BuildDAG(edges []domain.Edge) (*DAG, error) {
	dag := NewDAG()

	// Первый проход: создаём все узлы
	for _, e := range edges {
		dag.AddNode(e.NodeID)
	}

	// Второй проход: связываем узлы
	for _, e := range edges {
		for _, up := range e.Upstream {
			if err := dag.AddEdge(up, e.NodeID); err != nil {
				return nil, err
			}
		}
		for _, down := range e.Downstream {
			if err := dag.AddEdge(e.NodeID, down); err != nil {
				return nil, err
			}
		}
	}

	if err := dag.Finalize(); err != nil {
		return nil, err
	}
	return dag, nil
}

// AddNode добавляет узел (повторное добавление — no-op).
func (d *DAG) AddNode(id int64) *Node {
	if n, ok := d.Nodes[id]; ok {
		return n
	}
	n := &Node{ID: id}
	d.Nodes[id] = n
	return n
}

// AddEdge добавляет ребро from → to.
// Дополнительно проверяет на дубликаты, чтобы избежать двойного учета InDegree.
func (d *DAG) AddEdge(from, to int64) error {
	if from == to {
		return fmt.Errorf("%w: node %d", ErrSelfDependency, from)
	}
	src, ok := d.Nodes[from]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, from)
	}
	dst, ok := d.Nodes[to]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, to)
	}
	for _, up := range dst.Upstream {
		if up.ID == from {
			return nil // уже связаны
		}
	}
	src.Downstream = append(src.Downstream, dst)
	dst.Upstream = append(dst.Upstream, src)
	dst.InDegree++
	return nil
}

// Finalize находит корни и строит топологический порядок.
func (d *DAG) Finalize() error {
	d.findRootNodes()
	order, err := d.topologicalSort()
	if err != nil {
		return err
	}
	d.Order = order
	return nil
}

// findRootNodes находит узлы без входящих рёбер.
// Сортировка по id делает порядок детерминированным.
func (d *DAG) findRootNodes() {
	d.RootNodes = make([]*Node, 0)
	for _, node := range d.Nodes {
		if node.InDegree == 0 {
			d.RootNodes = append(d.RootNodes, node)
		}
	}
	sort.Slice(d.RootNodes, func(i, j int) bool { return d.RootNodes[i].ID < d.RootNodes[j].ID })
}

// topologicalSort выполняет топологическую сортировку (алгоритм Кана).
// Возвращает ошибку, если обнаружен цикл.
func (d *DAG) topologicalSort() ([]*Node, error) {
	inDegree := make(map[int64]int, len(d.Nodes))
	for id, node := range d.Nodes {
		inDegree[id] = node.InDegree
	}

	queue := make([]*Node, len(d.RootNodes))
	copy(queue, d.RootNodes)

	order := make([]*Node, 0, len(d.Nodes))

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		for _, down := range node.Downstream {
			inDegree[down.ID]--
			if inDegree[down.ID] == 0 {
				queue = append(queue, down)
			}
		}
	}

	if len(order) != len(d.Nodes) {
		return nil, ErrCyclicDependency
	}

	return order, nil
}

// ReadyNodes возвращает узлы, все upstream которых завершены,
// а сами узлы не завершены и не исключены.
func (d *DAG) ReadyNodes(done, exclude map[int64]bool) []*Node {
	ready := make([]*Node, 0)
	for _, node := range d.Order {
		if done[node.ID] || exclude[node.ID] {
			continue
		}
		if d.UpstreamDone(node.ID, done) {
			ready = append(ready, node)
		}
	}
	return ready
}

// UpstreamDone проверяет, что все upstream узла завершены.
func (d *DAG) UpstreamDone(id int64, done map[int64]bool) bool {
	node, ok := d.Nodes[id]
	if !ok {
		return false
	}
	for _, up := range node.Upstream {
		if !done[up.ID] {
			return false
		}
	}
	return true
}

// Edges возвращает взаимные рёбра всех узлов в топологическом порядке.
func (d *DAG) Edges() []domain.Edge {
	edges := make([]domain.Edge, 0, len(d.Order))
	for _, node := range d.Order {
		e := domain.Edge{NodeID: node.ID}
		for _, up := range node.Upstream {
			e.Upstream = append(e.Upstream, up.ID)
		}
		for _, down := range node.Downstream {
			e.Downstream = append(e.Downstream, down.ID)
		}
		edges = append(edges, e)
	}
	return edges
}

// GetNode возвращает узел по ID.
func (d *DAG) GetNode(id int64) *Node {
	return d.Nodes[id]
}

// Size возвращает количество узлов в DAG.
func (d *DAG) Size() int {
	return len(d.Nodes)
}
