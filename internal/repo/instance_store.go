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

const instanceColumns = `ti.id, ti.task_id, ti.workflow_run_id, ti.array_id, ti.batch_id, ti.cluster_id,
	ti.array_step_id, ti.distributor_instance_id, ti.distributor_id, ti.status, ti.status_date,
	ti.report_by, ti.command, ti.name, ti.resources_id, tr.requested, ti.stdout_path, ti.stderr_path,
	ti.node_name, ti.maxrss_bytes, ti.cpu_seconds, ti.error_message`

const instanceFrom = ` FROM task_instances ti JOIN task_resources tr ON tr.id = ti.resources_id`

func scanInstance(row rowScanner) (*domain.TaskInstance, error) {
	var ti domain.TaskInstance
	var distributorID, stdout, stderr, node, errMsg *string
	var requested []byte

	err := row.Scan(&ti.ID, &ti.TaskID, &ti.WorkflowRunID, &ti.ArrayID, &ti.BatchID, &ti.ClusterID,
		&ti.ArrayStepID, &ti.DistributorInstanceID, &distributorID, &ti.Status, &ti.StatusDate,
		&ti.ReportBy, &ti.Command, &ti.Name, &ti.ResourcesID, &requested, &stdout, &stderr,
		&node, &ti.MaxRSSBytes, &ti.CPUSeconds, &errMsg)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task instance: %w", err)
	}
	if err := json.Unmarshal(requested, &ti.Resources); err != nil {
		return nil, fmt.Errorf("unmarshal resources: %w", err)
	}

	ti.DistributorID = derefString(distributorID)
	ti.StdoutPath = derefString(stdout)
	ti.StderrPath = derefString(stderr)
	ti.NodeName = derefString(node)
	ti.ErrorMessage = derefString(errMsg)
	return &ti, nil
}

// ListTaskInstances возвращает попытки по фильтру, упорядоченные по batch и id.
func (s *Store) ListTaskInstances(ctx context.Context, filter InstanceFilter) ([]domain.TaskInstance, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+instanceFrom+`
		WHERE ($1 = 0 OR ti.cluster_id = $1)
		  AND ($2::bigint IS NULL OR ti.workflow_run_id = $2)
		  AND (cardinality($3::text[]) = 0 OR ti.status = ANY($3))
		ORDER BY ti.batch_id, ti.id
	`, filter.ClusterID, filter.WorkflowRunID, toStrings(filter.Statuses))
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	defer rows.Close()

	var out []domain.TaskInstance
	for rows.Next() {
		ti, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ti)
	}
	return out, rows.Err()
}

// GetTaskInstance возвращает попытку по ID.
func (s *Store) GetTaskInstance(ctx context.Context, id int64) (*domain.TaskInstance, error) {
	return scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+instanceFrom+` WHERE ti.id = $1`, id))
}

// GetTaskInstanceByStep возвращает попытку array-отправки по batch и step id.
func (s *Store) GetTaskInstanceByStep(ctx context.Context, batchID int64, step int) (*domain.TaskInstance, error) {
	return scanInstance(s.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+instanceFrom+` WHERE ti.batch_id = $1 AND ti.array_step_id = $2`, batchID, step))
}

// TransitionTaskInstance переводит попытку из from по tr и отражает переход в task.
func (s *Store) TransitionTaskInstance(ctx context.Context, id int64, from domain.TaskInstanceStatus, tr domain.InstanceTransition) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, taskID, err := lockInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur != from {
			return Conflict("task_instance", id, string(cur), string(tr.To))
		}
		if err := applyInstanceTx(ctx, tx, id, taskID, cur, tr.To); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE task_instances SET
				distributor_id          = COALESCE($2, distributor_id),
				distributor_instance_id = COALESCE($3, distributor_instance_id),
				report_by               = COALESCE($4, report_by),
				array_step_id           = COALESCE($5, array_step_id),
				error_message           = COALESCE($6, error_message)
			WHERE id = $1
		`, id, nullString(tr.DistributorID), tr.DistributorInstanceID, tr.ReportBy, tr.ArrayStepID, nullString(tr.ErrorMessage))
		if err != nil {
			return fmt.Errorf("update task instance: %w", err)
		}
		return nil
	})
}

// RenewTaskInstances продлевает report-by нетерминальных попыток (монотонно).
func (s *Store) RenewTaskInstances(ctx context.Context, ids []int64, reportBy time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE task_instances SET report_by = GREATEST(COALESCE(report_by, $2), $2)
		WHERE id = ANY($1) AND status = ANY($3)
	`, ids, reportBy, liveInstanceStatuses())
	if err != nil {
		return fmt.Errorf("renew task instances: %w", err)
	}
	return nil
}

// LogRunning — worker node сообщает о запуске.
// KILL_SELF возвращается без ошибки: worker должен завершиться.
func (s *Store) LogRunning(ctx context.Context, id int64, report WorkerReport) (domain.TaskInstanceStatus, error) {
	return s.logAlive(ctx, id, report)
}

// LogHeartbeat — worker node продлевает report-by.
func (s *Store) LogHeartbeat(ctx context.Context, id int64, report WorkerReport) (domain.TaskInstanceStatus, error) {
	return s.logAlive(ctx, id, report)
}

func (s *Store) logAlive(ctx context.Context, id int64, report WorkerReport) (domain.TaskInstanceStatus, error) {
	var status domain.TaskInstanceStatus

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, taskID, err := lockInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		status = cur

		switch cur {
		case domain.TaskInstanceStatusKillSelf:
			return nil
		case domain.TaskInstanceStatusLaunched, domain.TaskInstanceStatusTriaging:
			if err := applyInstanceTx(ctx, tx, id, taskID, cur, domain.TaskInstanceStatusRunning); err != nil {
				return err
			}
			status = domain.TaskInstanceStatusRunning
		case domain.TaskInstanceStatusRunning:
		default:
			return Conflict("task_instance", id, string(cur), string(domain.TaskInstanceStatusRunning))
		}
		return applyReportTx(ctx, tx, id, report)
	})
	return status, err
}

// LogDone — worker node сообщает об успешном завершении.
func (s *Store) LogDone(ctx context.Context, id int64, report WorkerReport) error {
	return s.LogError(ctx, id, domain.TaskInstanceStatusDone, report)
}

// LogError — worker node сообщает о завершении с ошибкой.
func (s *Store) LogError(ctx context.Context, id int64, status domain.TaskInstanceStatus, report WorkerReport) error {
	if !status.IsTerminal() || status == domain.TaskInstanceStatusNoDistributorID {
		return ErrInvalidState
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, taskID, err := lockInstance(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := applyInstanceTx(ctx, tx, id, taskID, cur, status); err != nil {
			return err
		}
		return applyReportTx(ctx, tx, id, report)
	})
}

// lockInstance блокирует task, затем попытку (порядок как в QueueTaskBatch).
func lockInstance(ctx context.Context, tx pgx.Tx, id int64) (domain.TaskInstanceStatus, int64, error) {
	var taskID int64
	if err := tx.QueryRow(ctx, `SELECT task_id FROM task_instances WHERE id = $1`, id).Scan(&taskID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("get task instance: %w", err)
	}
	if _, err := tx.Exec(ctx, `SELECT 1 FROM tasks WHERE id = $1 FOR UPDATE`, taskID); err != nil {
		return "", 0, fmt.Errorf("lock task: %w", err)
	}

	var status domain.TaskInstanceStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM task_instances WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
		return "", 0, fmt.Errorf("lock task instance: %w", err)
	}
	return status, taskID, nil
}

// applyInstanceTx проверяет и записывает переход попытки, затем отражает его в task.
// Недопустимое отражение пропускается: task мог быть переведён оператором.
func applyInstanceTx(ctx context.Context, tx pgx.Tx, id, taskID int64, from, to domain.TaskInstanceStatus) error {
	if !from.CanTransition(to) {
		return Conflict("task_instance", id, string(from), string(to))
	}
	if _, err := tx.Exec(ctx, `UPDATE task_instances SET status = $2, status_date = now() WHERE id = $1`, id, to); err != nil {
		return fmt.Errorf("update task instance status: %w", err)
	}

	target, ok := domain.TaskStatusFor(to)
	if !ok {
		return nil
	}
	var taskStatus domain.TaskStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1`, taskID).Scan(&taskStatus); err != nil {
		return fmt.Errorf("get task status: %w", err)
	}
	if taskStatus == target || !taskStatus.CanTransition(target) {
		return nil
	}
	if _, err := tx.Exec(ctx, `UPDATE tasks SET status = $2, status_date = now() WHERE id = $1`, taskID, target); err != nil {
		return fmt.Errorf("mirror task status: %w", err)
	}
	return nil
}

func applyReportTx(ctx context.Context, tx pgx.Tx, id int64, r WorkerReport) error {
	var u domain.Usage
	if r.Usage != nil {
		u = *r.Usage
	}
	node := r.NodeName
	if u.NodeName != "" {
		node = u.NodeName
	}

	_, err := tx.Exec(ctx, `
		UPDATE task_instances SET
			node_name     = COALESCE($2, node_name),
			report_by     = CASE WHEN $3::timestamptz IS NULL THEN report_by
			                     ELSE GREATEST(COALESCE(report_by, $3), $3) END,
			stdout_path   = COALESCE($4, stdout_path),
			stderr_path   = COALESCE($5, stderr_path),
			maxrss_bytes  = GREATEST(maxrss_bytes, $6),
			cpu_seconds   = GREATEST(cpu_seconds, $7),
			error_message = COALESCE($8, error_message)
		WHERE id = $1
	`, id, nullString(node), r.ReportBy, nullString(u.StdoutPath), nullString(u.StderrPath),
		u.MaxRSSBytes, u.CPUSeconds, nullString(r.ErrorMessage))
	if err != nil {
		return fmt.Errorf("apply worker report: %w", err)
	}
	return nil
}
