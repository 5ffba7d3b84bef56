package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/jobswarm/internal/domain"
)

const taskColumns = `id, workflow_id, node_id, array_id, name, command, cluster_name, status, status_date,
	max_attempts, num_attempts, resources_id, resource_scales, fallback_queues, upstream_ids`

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var scalesJSON []byte
	err := row.Scan(&t.ID, &t.WorkflowID, &t.NodeID, &t.ArrayID, &t.Name, &t.Command, &t.ClusterName,
		&t.Status, &t.StatusDate, &t.MaxAttempts, &t.NumAttempts, &t.ResourcesID,
		&scalesJSON, &t.FallbackQueues, &t.UpstreamIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if len(scalesJSON) > 0 {
		if err := json.Unmarshal(scalesJSON, &t.ResourceScales); err != nil {
			return nil, fmt.Errorf("unmarshal resource scales: %w", err)
		}
	}
	return &t, nil
}

// ListTasks возвращает tasks workflow.
func (s *Store) ListTasks(ctx context.Context, workflowID int64) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE workflow_id = $1 ORDER BY id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// GetTask возвращает task по ID.
func (s *Store) GetTask(ctx context.Context, id int64) (*domain.Task, error) {
	return scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// TaskStatusUpdates возвращает статусы tasks workflow, изменённые не раньше since,
// и время БД на момент чтения. now() — время начала транзакции, поэтому
// вызывающий берёт since для следующего вызова с запасом назад.
func (s *Store) TaskStatusUpdates(ctx context.Context, workflowID int64, since time.Time) ([]domain.TaskStatusUpdate, time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return nil, time.Time{}, fmt.Errorf("db time: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.status, t.status_date, t.num_attempts, COALESCE(li.status, '')
		FROM tasks t
		LEFT JOIN LATERAL (
			SELECT ti.status FROM task_instances ti
			WHERE ti.task_id = t.id ORDER BY ti.id DESC LIMIT 1
		) li ON TRUE
		WHERE t.workflow_id = $1 AND t.status_date >= $2
		ORDER BY t.id
	`, workflowID, since)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("sync task statuses: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskStatusUpdate
	for rows.Next() {
		var u domain.TaskStatusUpdate
		if err := rows.Scan(&u.TaskID, &u.Status, &u.StatusDate, &u.NumAttempts, &u.LastInstanceStatus); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan task status: %w", err)
		}
		out = append(out, u)
	}
	return out, now, rows.Err()
}

// TransitionTask переводит task из from в to и возвращает status_date.
func (s *Store) TransitionTask(ctx context.Context, id int64, from, to domain.TaskStatus) (time.Time, error) {
	if !from.CanTransition(to) {
		return time.Time{}, Conflict("task", id, string(from), string(to))
	}

	var date time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE tasks SET status = $3, status_date = now()
		WHERE id = $1 AND status = $2
		RETURNING status_date
	`, id, from, to).Scan(&date)
	if err == nil {
		return date, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("transition task: %w", err)
	}

	t, getErr := s.GetTask(ctx, id)
	if getErr != nil {
		return time.Time{}, getErr
	}
	return time.Time{}, Conflict("task", id, string(t.Status), string(to))
}

// ForceTaskStatus — административный переход (reset). REGISTERING обнуляет попытки.
func (s *Store) ForceTaskStatus(ctx context.Context, id int64, to domain.TaskStatus) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var from domain.TaskStatus
		if err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, id).Scan(&from); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock task: %w", err)
		}
		if !from.CanForce(to) {
			return Conflict("task", id, string(from), string(to))
		}
		_, err := tx.Exec(ctx, `
			UPDATE tasks
			SET status = $2, status_date = now(),
			    num_attempts = CASE WHEN $2 = 'REGISTERING' THEN 0 ELSE num_attempts END
			WHERE id = $1
		`, id, to)
		return err
	})
}

func scanResources(row rowScanner) (*domain.TaskResources, error) {
	var tr domain.TaskResources
	var reqJSON []byte
	if err := row.Scan(&tr.ID, &tr.ParentID, &tr.Kind, &reqJSON, &tr.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan resources: %w", err)
	}
	if err := json.Unmarshal(reqJSON, &tr.Requested); err != nil {
		return nil, fmt.Errorf("unmarshal resources: %w", err)
	}
	return &tr, nil
}

// GetTaskResources возвращает запись ресурсов.
func (s *Store) GetTaskResources(ctx context.Context, id int64) (*domain.TaskResources, error) {
	return scanResources(s.pool.QueryRow(ctx,
		`SELECT id, parent_id, kind, requested, created_at FROM task_resources WHERE id = $1`, id))
}

// CreateTaskResources сохраняет новую неизменяемую запись ресурсов.
func (s *Store) CreateTaskResources(ctx context.Context, tr domain.TaskResources) (*domain.TaskResources, error) {
	reqJSON, err := json.Marshal(tr.Requested)
	if err != nil {
		return nil, fmt.Errorf("marshal resources: %w", err)
	}
	rec, err := scanResources(s.pool.QueryRow(ctx, `
		INSERT INTO task_resources (parent_id, kind, requested) VALUES ($1, $2, $3)
		RETURNING id, parent_id, kind, requested, created_at
	`, tr.ParentID, tr.Kind, reqJSON))
	if err != nil {
		return nil, fmt.Errorf("insert resources: %w", err)
	}
	return rec, nil
}

// SetTaskResources привязывает task к записи ресурсов.
func (s *Store) SetTaskResources(ctx context.Context, taskID, resourcesID int64) error {
	return s.execOne(ctx, `UPDATE tasks SET resources_id = $2 WHERE id = $1`, taskID, resourcesID)
}

// QueueTaskBatch ставит tasks в очередь одним batch.
//
// Tasks блокируются в порядке id. Недопустимые для перехода в QUEUED
// и tasks с нетерминальной попыткой пропускаются.
func (s *Store) QueueTaskBatch(ctx context.Context, req QueueBatchRequest) (*QueueBatchResult, error) {
	result := &QueueBatchResult{}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT t.id, t.status, t.name, t.command,
			       EXISTS (SELECT 1 FROM task_instances ti
			               WHERE ti.task_id = t.id AND ti.status = ANY($2))
			FROM tasks t WHERE t.id = ANY($1)
			ORDER BY t.id
			FOR UPDATE OF t
		`, req.TaskIDs, liveInstanceStatuses())
		if err != nil {
			return fmt.Errorf("lock tasks: %w", err)
		}

		type candidate struct {
			id            int64
			name, command string
		}
		found := make(map[int64]candidate)
		for rows.Next() {
			var c candidate
			var status domain.TaskStatus
			var live bool
			if err := rows.Scan(&c.id, &status, &c.name, &c.command, &live); err != nil {
				rows.Close()
				return fmt.Errorf("scan task: %w", err)
			}
			if status.CanTransition(domain.TaskStatusQueued) && !live {
				found[c.id] = c
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var eligible []candidate
		for _, id := range req.TaskIDs {
			c, ok := found[id]
			if !ok {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			eligible = append(eligible, c)
		}
		if len(eligible) == 0 {
			return nil
		}

		ids := make([]int64, len(eligible))
		for i, c := range eligible {
			ids[i] = c.id
		}

		batch := &domain.Batch{
			ClusterID:     req.ClusterID,
			ResourcesID:   req.ResourcesID,
			ArrayID:       req.ArrayID,
			WorkflowRunID: req.WorkflowRunID,
			TaskIDs:       ids,
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO batches (cluster_id, resources_id, array_id, workflow_run_id, task_ids)
			VALUES ($1, $2, $3, $4, $5) RETURNING id
		`, batch.ClusterID, batch.ResourcesID, batch.ArrayID, batch.WorkflowRunID, ids).Scan(&batch.ID)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE tasks SET status = $2, status_date = now(), num_attempts = num_attempts + 1, resources_id = $3
			WHERE id = ANY($1)
		`, ids, domain.TaskStatusQueued, req.ResourcesID)
		if err != nil {
			return fmt.Errorf("queue tasks: %w", err)
		}
		// now() постоянен внутри транзакции и совпадает с status_date
		if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&result.StatusDate); err != nil {
			return fmt.Errorf("db time: %w", err)
		}

		var requested []byte
		if err := tx.QueryRow(ctx, `SELECT requested FROM task_resources WHERE id = $1`, req.ResourcesID).Scan(&requested); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("get resources: %w", err)
		}
		var res domain.Resources
		if err := json.Unmarshal(requested, &res); err != nil {
			return fmt.Errorf("unmarshal resources: %w", err)
		}

		for i, c := range eligible {
			step := -1
			if len(eligible) > 1 {
				step = i
			}
			ti := domain.TaskInstance{
				TaskID:        c.id,
				WorkflowRunID: req.WorkflowRunID,
				ArrayID:       req.ArrayID,
				BatchID:       batch.ID,
				ClusterID:     req.ClusterID,
				ArrayStepID:   step,
				Status:        domain.TaskInstanceStatusQueued,
				Command:       c.command,
				Name:          c.name,
				ResourcesID:   req.ResourcesID,
				Resources:     res.Clone(),
			}
			err := tx.QueryRow(ctx, `
				INSERT INTO task_instances (task_id, workflow_run_id, array_id, batch_id, cluster_id,
				                            array_step_id, status, command, name, resources_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
				RETURNING id, status_date
			`, ti.TaskID, ti.WorkflowRunID, ti.ArrayID, ti.BatchID, ti.ClusterID,
				ti.ArrayStepID, ti.Status, ti.Command, ti.Name, ti.ResourcesID).Scan(&ti.ID, &ti.StatusDate)
			if err != nil {
				return fmt.Errorf("insert task instance: %w", err)
			}
			result.Instances = append(result.Instances, ti)
		}

		result.Batch = batch
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetBatch возвращает batch по ID.
func (s *Store) GetBatch(ctx context.Context, id int64) (*domain.Batch, error) {
	var b domain.Batch
	err := s.pool.QueryRow(ctx, `
		SELECT id, cluster_id, resources_id, array_id, workflow_run_id, task_ids FROM batches WHERE id = $1
	`, id).Scan(&b.ID, &b.ClusterID, &b.ResourcesID, &b.ArrayID, &b.WorkflowRunID, &b.TaskIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

// liveInstanceStatuses — нетерминальные статусы попытки.
func liveInstanceStatuses() []string {
	return append(killableInstanceStatuses(), string(domain.TaskInstanceStatusKillSelf))
}
