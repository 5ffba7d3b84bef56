package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shaiso/jobswarm/internal/domain"
)

// RegisterDistributorInstance регистрирует процесс distributor.
func (s *Store) RegisterDistributorInstance(ctx context.Context, clusterID int64, runID *int64, reportBy time.Time) (*domain.DistributorInstance, error) {
	d := &domain.DistributorInstance{ClusterID: clusterID, WorkflowRunID: runID, ReportBy: reportBy}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO distributor_instances (cluster_id, workflow_run_id, report_by)
		VALUES ($1, $2, $3) RETURNING id
	`, clusterID, runID, reportBy).Scan(&d.ID)
	if err != nil {
		return nil, fmt.Errorf("insert distributor instance: %w", err)
	}
	return d, nil
}

// HeartbeatDistributorInstance продлевает report-by процесса (монотонно).
func (s *Store) HeartbeatDistributorInstance(ctx context.Context, id int64, reportBy time.Time) error {
	var expunged bool
	err := s.pool.QueryRow(ctx, `
		UPDATE distributor_instances
		SET report_by = CASE WHEN expunged THEN report_by ELSE GREATEST(report_by, $2) END
		WHERE id = $1
		RETURNING expunged
	`, id, reportBy).Scan(&expunged)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("heartbeat distributor instance: %w", err)
	}
	if expunged {
		return ErrInvalidState
	}
	return nil
}

// ExpungeDistributorInstance помечает процесс завершённым.
func (s *Store) ExpungeDistributorInstance(ctx context.Context, id int64) error {
	return s.execOne(ctx, `UPDATE distributor_instances SET expunged = TRUE WHERE id = $1`, id)
}

// ListDistributorInstances возвращает процессы distributor по фильтру.
func (s *Store) ListDistributorInstances(ctx context.Context, filter DistributorFilter) ([]domain.DistributorInstance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, cluster_id, workflow_run_id, report_by, expunged
		FROM distributor_instances
		WHERE ($1 OR NOT expunged)
		  AND ($2::bigint IS NULL OR workflow_run_id = $2)
		ORDER BY id
	`, filter.IncludeExpunged, filter.WorkflowRunID)
	if err != nil {
		return nil, fmt.Errorf("list distributor instances: %w", err)
	}
	defer rows.Close()

	var out []domain.DistributorInstance
	for rows.Next() {
		var d domain.DistributorInstance
		if err := rows.Scan(&d.ID, &d.ClusterID, &d.WorkflowRunID, &d.ReportBy, &d.Expunged); err != nil {
			return nil, fmt.Errorf("scan distributor instance: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
