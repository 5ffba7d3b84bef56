package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/jobswarm/internal/domain"
)

const runColumns = `id, workflow_id, status, status_date, heartbeat_date, created_at`

func scanRun(row rowScanner) (*domain.WorkflowRun, error) {
	var r domain.WorkflowRun
	if err := row.Scan(&r.ID, &r.WorkflowID, &r.Status, &r.StatusDate, &r.HeartbeatDate, &r.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow run: %w", err)
	}
	return &r, nil
}

// CreateWorkflowRun создаёт run в статусе BOUND.
//
// Незавершённые tasks сбрасываются в REGISTERING с обнулёнными попытками.
// Если у workflow уже есть активный run — ErrConflict.
func (s *Store) CreateWorkflowRun(ctx context.Context, workflowID int64) (*domain.WorkflowRun, error) {
	var run *domain.WorkflowRun

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Блокировка workflow сериализует создание runs
		var id int64
		if err := tx.QueryRow(ctx, `SELECT id FROM workflows WHERE id = $1 FOR UPDATE`, workflowID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock workflow: %w", err)
		}

		var active bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE workflow_id = $1 AND NOT (status = ANY($2)))
		`, workflowID, terminalRunStatuses()).Scan(&active)
		if err != nil {
			return fmt.Errorf("check active run: %w", err)
		}
		if active {
			return ErrConflict
		}

		_, err = tx.Exec(ctx, `
			UPDATE tasks SET status = $2, status_date = now(), num_attempts = 0
			WHERE workflow_id = $1 AND status <> $3
		`, workflowID, domain.TaskStatusRegistering, domain.TaskStatusDone)
		if err != nil {
			return fmt.Errorf("reset tasks: %w", err)
		}

		run, err = scanRun(tx.QueryRow(ctx, `
			INSERT INTO workflow_runs (workflow_id, status) VALUES ($1, $2)
			RETURNING `+runColumns, workflowID, domain.WorkflowRunStatusBound))
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `UPDATE workflows SET status = $2 WHERE id = $1`,
			workflowID, domain.WorkflowStatusFor(run.Status))
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetWorkflowRun возвращает run по ID.
func (s *Store) GetWorkflowRun(ctx context.Context, id int64) (*domain.WorkflowRun, error) {
	return scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
}

// ListWorkflowRuns возвращает runs с заданными статусами (пустой список — все).
func (s *Store) ListWorkflowRuns(ctx context.Context, statuses []domain.WorkflowRunStatus) ([]domain.WorkflowRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+` FROM workflow_runs
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY id
	`, toStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// TransitionWorkflowRun переводит run в статус to и обновляет статус workflow.
func (s *Store) TransitionWorkflowRun(ctx context.Context, id int64, to domain.WorkflowRunStatus) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return transitionRunTx(ctx, tx, id, to)
	})
}

func transitionRunTx(ctx context.Context, tx pgx.Tx, id int64, to domain.WorkflowRunStatus) error {
	var from domain.WorkflowRunStatus
	var workflowID int64
	err := tx.QueryRow(ctx, `SELECT status, workflow_id FROM workflow_runs WHERE id = $1 FOR UPDATE`, id).
		Scan(&from, &workflowID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock workflow run: %w", err)
	}
	if from == to {
		return nil
	}
	if !from.CanTransition(to) {
		return Conflict("workflow_run", id, string(from), string(to))
	}

	if _, err := tx.Exec(ctx, `UPDATE workflow_runs SET status = $2, status_date = now() WHERE id = $1`, id, to); err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE workflows SET status = $2 WHERE id = $1`, workflowID, domain.WorkflowStatusFor(to)); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	return nil
}

// HeartbeatWorkflowRun продлевает heartbeat run (монотонно) и возвращает текущий статус.
func (s *Store) HeartbeatWorkflowRun(ctx context.Context, id int64, reportBy time.Time) (domain.WorkflowRunStatus, error) {
	var status domain.WorkflowRunStatus
	err := s.pool.QueryRow(ctx, `
		UPDATE workflow_runs
		SET heartbeat_date = GREATEST(COALESCE(heartbeat_date, $2), $2)
		WHERE id = $1
		RETURNING status
	`, id, reportBy).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("heartbeat workflow run: %w", err)
	}
	return status, nil
}

// ResumeWorkflowRun запрашивает resume run.
// Cold resume переводит все незавершённые попытки run в KILL_SELF.
func (s *Store) ResumeWorkflowRun(ctx context.Context, id int64, mode ResumeMode) error {
	to, ok := mode.RunStatus()
	if !ok {
		return ErrInvalidState
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := transitionRunTx(ctx, tx, id, to); err != nil {
			return err
		}
		if mode != ResumeCold {
			return nil
		}
		_, err := tx.Exec(ctx, `
			UPDATE task_instances SET status = $2, status_date = now()
			WHERE workflow_run_id = $1 AND status = ANY($3)
		`, id, domain.TaskInstanceStatusKillSelf, killableInstanceStatuses())
		if err != nil {
			return fmt.Errorf("kill instances: %w", err)
		}
		return nil
	})
}

// terminalRunStatuses — терминальные статусы run.
func terminalRunStatuses() []string {
	return toStrings([]domain.WorkflowRunStatus{
		domain.WorkflowRunStatusDone, domain.WorkflowRunStatusError, domain.WorkflowRunStatusAborted,
		domain.WorkflowRunStatusStopped, domain.WorkflowRunStatusTerminated,
	})
}

// killableInstanceStatuses — статусы, из которых допустим переход в KILL_SELF.
func killableInstanceStatuses() []string {
	return toStrings([]domain.TaskInstanceStatus{
		domain.TaskInstanceStatusQueued, domain.TaskInstanceStatusInstantiated,
		domain.TaskInstanceStatusLaunched, domain.TaskInstanceStatusRunning,
		domain.TaskInstanceStatusTriaging,
	})
}
