package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/engine"
)

// Store — хранилище на PostgreSQL.
//
// Все переходы статусов выполняются в транзакции с блокировкой строки
// (SELECT ... FOR UPDATE): сначала task, затем попытка.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore создаёт новый Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// rowScanner — общий интерфейс pgx.Row и pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// EnsureCluster возвращает кластер по имени, создавая его при необходимости.
func (s *Store) EnsureCluster(ctx context.Context, name, clusterType string) (*domain.Cluster, error) {
	query := `
		INSERT INTO clusters (name, type) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, type
	`
	var c domain.Cluster
	if err := s.pool.QueryRow(ctx, query, name, clusterType).Scan(&c.ID, &c.Name, &c.Type); err != nil {
		return nil, fmt.Errorf("ensure cluster: %w", err)
	}
	return &c, nil
}

// GetClusterByName возвращает кластер по имени.
func (s *Store) GetClusterByName(ctx context.Context, name string) (*domain.Cluster, error) {
	var c domain.Cluster
	err := s.pool.QueryRow(ctx, `SELECT id, name, type FROM clusters WHERE name = $1`, name).
		Scan(&c.ID, &c.Name, &c.Type)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return &c, nil
}

// BindWorkflow сохраняет скомпилированный workflow одной транзакцией.
func (s *Store) BindWorkflow(ctx context.Context, plan *engine.Plan) (*domain.Workflow, error) {
	var wf domain.Workflow

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, pt := range plan.Tasks {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clusters WHERE name = $1)`, pt.ClusterName).Scan(&exists); err != nil {
				return fmt.Errorf("check cluster: %w", err)
			}
			if !exists {
				return fmt.Errorf("cluster %q: %w", pt.ClusterName, ErrNotFound)
			}
		}

		err := tx.QueryRow(ctx, `
			INSERT INTO workflows (name, status, max_concurrently_running)
			VALUES ($1, $2, $3)
			RETURNING id, name, status, max_concurrently_running, created_at
		`, plan.Name, domain.WorkflowStatusRegistering, plan.MaxConcurrentlyRunning).
			Scan(&wf.ID, &wf.Name, &wf.Status, &wf.MaxConcurrentlyRunning, &wf.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		arrayByTemplate := make(map[string]int64, len(plan.Arrays))
		for _, pa := range plan.Arrays {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO arrays (workflow_id, template_name, max_concurrently_running)
				VALUES ($1, $2, $3) RETURNING id
			`, wf.ID, pa.TemplateName, pa.MaxConcurrentlyRunning).Scan(&id)
			if err != nil {
				return fmt.Errorf("insert array: %w", err)
			}
			arrayByTemplate[pa.TemplateName] = id
		}

		type bound struct{ taskID, nodeID int64 }
		byName := make(map[string]bound, len(plan.Tasks))

		for _, pt := range plan.Tasks {
			argsJSON, err := json.Marshal(pt.Args)
			if err != nil {
				return fmt.Errorf("marshal args: %w", err)
			}
			var nodeID int64
			if err := tx.QueryRow(ctx, `INSERT INTO nodes (template_name, args) VALUES ($1, $2) RETURNING id`,
				pt.TemplateName, argsJSON).Scan(&nodeID); err != nil {
				return fmt.Errorf("insert node: %w", err)
			}

			resJSON, err := json.Marshal(pt.Resources)
			if err != nil {
				return fmt.Errorf("marshal resources: %w", err)
			}
			var resID int64
			if err := tx.QueryRow(ctx, `INSERT INTO task_resources (kind, requested) VALUES ($1, $2) RETURNING id`,
				domain.ResourcesOriginal, resJSON).Scan(&resID); err != nil {
				return fmt.Errorf("insert resources: %w", err)
			}

			scalesJSON, err := json.Marshal(pt.ResourceScales)
			if err != nil {
				return fmt.Errorf("marshal scales: %w", err)
			}
			var taskID int64
			err = tx.QueryRow(ctx, `
				INSERT INTO tasks (workflow_id, node_id, array_id, name, command, cluster_name,
				                   status, max_attempts, resources_id, resource_scales, fallback_queues)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				RETURNING id
			`, wf.ID, nodeID, arrayByTemplate[pt.TemplateName], pt.Name, pt.Command, pt.ClusterName,
				domain.TaskStatusRegistering, pt.MaxAttempts, resID, scalesJSON, nonNilStrings(pt.FallbackQueues)).
				Scan(&taskID)
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			byName[pt.Name] = bound{taskID: taskID, nodeID: nodeID}

			if _, err := tx.Exec(ctx, `INSERT INTO edges (node_id) VALUES ($1)`, nodeID); err != nil {
				return fmt.Errorf("insert edge: %w", err)
			}
		}

		// Рёбра взаимные: upstream у B ⇒ downstream у A
		for _, pt := range plan.Tasks {
			me := byName[pt.Name]
			for _, upName := range pt.Upstream {
				up := byName[upName]
				if _, err := tx.Exec(ctx, `UPDATE tasks SET upstream_ids = array_append(upstream_ids, $2) WHERE id = $1`,
					me.taskID, up.taskID); err != nil {
					return fmt.Errorf("link task: %w", err)
				}
				if _, err := tx.Exec(ctx, `UPDATE edges SET upstream = array_append(upstream, $2) WHERE node_id = $1`,
					me.nodeID, up.nodeID); err != nil {
					return fmt.Errorf("link upstream: %w", err)
				}
				if _, err := tx.Exec(ctx, `UPDATE edges SET downstream = array_append(downstream, $2) WHERE node_id = $1`,
					up.nodeID, me.nodeID); err != nil {
					return fmt.Errorf("link downstream: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &wf, nil
}

// ListEdges возвращает рёбра узлов workflow.
func (s *Store) ListEdges(ctx context.Context, workflowID int64) ([]domain.Edge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT e.node_id, e.upstream, e.downstream
		FROM edges e JOIN tasks t ON t.node_id = e.node_id
		WHERE t.workflow_id = $1
		ORDER BY e.node_id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.NodeID, &e.Upstream, &e.Downstream); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

const workflowColumns = `id, name, status, max_concurrently_running, created_at`

func scanWorkflow(row rowScanner) (*domain.Workflow, error) {
	var wf domain.Workflow
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Status, &wf.MaxConcurrentlyRunning, &wf.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}
	return &wf, nil
}

// GetWorkflow возвращает workflow по ID.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*domain.Workflow, error) {
	return scanWorkflow(s.pool.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
}

// FindWorkflowByName возвращает последний workflow с данным именем.
func (s *Store) FindWorkflowByName(ctx context.Context, name string) (*domain.Workflow, error) {
	return scanWorkflow(s.pool.QueryRow(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE name = $1 ORDER BY id DESC LIMIT 1`, name))
}

// ListWorkflows возвращает workflows с заданными статусами (пустой список — все).
func (s *Store) ListWorkflows(ctx context.Context, statuses []domain.WorkflowStatus) ([]domain.Workflow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY id
	`, toStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wf)
	}
	return out, rows.Err()
}

// SetWorkflowStatus устанавливает агрегированный статус workflow.
func (s *Store) SetWorkflowStatus(ctx context.Context, id int64, status domain.WorkflowStatus) error {
	return s.execOne(ctx, `UPDATE workflows SET status = $2 WHERE id = $1`, id, status)
}

// SetWorkflowMaxConcurrency меняет потолок workflow (0 — пауза dispatch).
func (s *Store) SetWorkflowMaxConcurrency(ctx context.Context, id int64, limit int) error {
	if limit < 0 {
		return ErrInvalidState
	}
	return s.execOne(ctx, `UPDATE workflows SET max_concurrently_running = $2 WHERE id = $1`, id, limit)
}

// ListArrays возвращает arrays workflow.
func (s *Store) ListArrays(ctx context.Context, workflowID int64) ([]domain.Array, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, template_name, max_concurrently_running
		FROM arrays WHERE workflow_id = $1 ORDER BY id
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list arrays: %w", err)
	}
	defer rows.Close()

	var out []domain.Array
	for rows.Next() {
		var a domain.Array
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.TemplateName, &a.MaxConcurrentlyRunning); err != nil {
			return nil, fmt.Errorf("scan array: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetArrayMaxConcurrency меняет потолок array (0 — array на паузе).
func (s *Store) SetArrayMaxConcurrency(ctx context.Context, id int64, limit int) error {
	if limit < 0 {
		return ErrInvalidState
	}
	return s.execOne(ctx, `UPDATE arrays SET max_concurrently_running = $2 WHERE id = $1`, id, limit)
}

// TaskStatusCounts возвращает количество tasks workflow по статусам.
func (s *Store) TaskStatusCounts(ctx context.Context, workflowID int64) (map[domain.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks WHERE workflow_id = $1 GROUP BY status`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// execOne выполняет UPDATE и возвращает ErrNotFound, если строка не найдена.
func (s *Store) execOne(ctx context.Context, query string, args ...any) error {
	result, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// toStrings приводит слайс строковых статусов к []string для ANY($n).
func toStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// derefString возвращает пустую строку для NULL.
func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
