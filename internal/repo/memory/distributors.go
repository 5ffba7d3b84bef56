package memory

import (
	"context"
	"sort"
	"time"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
)

// RegisterDistributorInstance регистрирует процесс distributor.
func (s *Store) RegisterDistributorInstance(ctx context.Context, clusterID int64, runID *int64, reportBy time.Time) (*domain.DistributorInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &domain.DistributorInstance{
		ID:        s.nextID(),
		ClusterID: clusterID,
		ReportBy:  reportBy,
	}
	if runID != nil {
		id := *runID
		d.WorkflowRunID = &id
	}
	s.distributors[d.ID] = d
	return copyDistributor(d), nil
}

// HeartbeatDistributorInstance продлевает report-by процесса (монотонно).
func (s *Store) HeartbeatDistributorInstance(ctx context.Context, id int64, reportBy time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.distributors[id]
	if !ok {
		return repo.ErrNotFound
	}
	if d.Expunged {
		return repo.ErrInvalidState
	}
	if reportBy.After(d.ReportBy) {
		d.ReportBy = reportBy
	}
	return nil
}

// ExpungeDistributorInstance помечает процесс завершённым.
func (s *Store) ExpungeDistributorInstance(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.distributors[id]
	if !ok {
		return repo.ErrNotFound
	}
	d.Expunged = true
	return nil
}

// ListDistributorInstances возвращает процессы distributor по фильтру.
func (s *Store) ListDistributorInstances(ctx context.Context, filter repo.DistributorFilter) ([]domain.DistributorInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.DistributorInstance
	for _, d := range s.distributors {
		if d.Expunged && !filter.IncludeExpunged {
			continue
		}
		if filter.WorkflowRunID != nil && (d.WorkflowRunID == nil || *d.WorkflowRunID != *filter.WorkflowRunID) {
			continue
		}
		out = append(out, *copyDistributor(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func copyDistributor(d *domain.DistributorInstance) *domain.DistributorInstance {
	cp := *d
	if d.WorkflowRunID != nil {
		id := *d.WorkflowRunID
		cp.WorkflowRunID = &id
	}
	return &cp
}
