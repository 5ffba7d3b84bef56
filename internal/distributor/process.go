package distributor

import (
	"context"
	"fmt"
	"sort"

	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

// Batch — попытки одного batch, отправляемые одним запросом.
type Batch struct {
	ID        int64
	ArrayID   int64
	Instances []domain.TaskInstance
}

// IsArray возвращает true, если batch отправляется как array.
func (b Batch) IsArray() bool {
	return len(b.Instances) > 1
}

// GroupBatches группирует попытки по batch id.
// Группа может быть частью batch: step id попыток назначены store
// и не зависят от того, сколько их отправляется вместе.
func GroupBatches(instances []domain.TaskInstance) []Batch {
	sorted := append([]domain.TaskInstance(nil), instances...)
	sortInstances(sorted)

	var out []Batch
	for _, ti := range sorted {
		if n := len(out); n > 0 && out[n-1].ID == ti.BatchID {
			out[n-1].Instances = append(out[n-1].Instances, ti)
			continue
		}
		out = append(out, Batch{ID: ti.BatchID, ArrayID: ti.ArrayID, Instances: []domain.TaskInstance{ti}})
	}
	return out
}

func sortInstances(instances []domain.TaskInstance) {
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].BatchID != instances[j].BatchID {
			return instances[i].BatchID < instances[j].BatchID
		}
		return instances[i].ID < instances[j].ID
	})
}

// instantiate: QUEUED → INSTANTIATED, попытка закрепляется за этим distributor.
func (d *Distributor) instantiate(ctx context.Context, instances []domain.TaskInstance) error {
	return d.run(ctx, instances, func(ctx context.Context, ti domain.TaskInstance) error {
		return d.transition(ctx, &ti, domain.InstanceTransition{
			To:                    domain.TaskInstanceStatusInstantiated,
			DistributorInstanceID: &d.instanceID,
		})
	})
}

// launch отправляет INSTANTIATED попытки в кластер batch'ами.
func (d *Distributor) launch(ctx context.Context, instances []domain.TaskInstance) error {
	results, err := FanOut(ctx, GroupBatches(instances), d.submit, d.cfg.RaiseOnError)
	for _, r := range Failed(results) {
		d.logger.Error("batch submission failed", "batch_id", r.Item.ID, "error", r.Err)
	}
	return err
}

// submit отправляет один batch. Ошибка отправки переводит попытки
// в NO_DISTRIBUTOR_ID: swarm поставит их заново.
func (d *Distributor) submit(ctx context.Context, b Batch) error {
	kind := "single"
	if b.IsArray() {
		kind = "array"
	}
	clusterName := d.plugin.Name()
	resources := b.Instances[0].Resources

	steps := make([]int, len(b.Instances))
	for i, ti := range b.Instances {
		steps[i] = ti.ArrayStepID
	}

	ids := make(map[int]string, len(b.Instances))
	var err error
	if b.IsArray() {
		if err := checkSteps(steps); err != nil {
			return d.noDistributorID(ctx, b.Instances, err)
		}
		cmd := cluster.BuildCommand(d.cfg.Executable, cluster.Command{
			ArrayID: b.ArrayID, BatchID: b.ID, ClusterName: clusterName,
		})
		ids, err = d.cluster.SubmitArray(ctx, cmd, fmt.Sprintf("batch-%d", b.ID), resources, steps)
	} else {
		ti := b.Instances[0]
		cmd := cluster.BuildCommand(d.cfg.Executable, cluster.Command{
			TaskInstanceID: ti.ID, ClusterName: clusterName,
		})
		var id string
		id, err = d.cluster.Submit(ctx, cmd, ti.Name, resources)
		ids[ti.ArrayStepID] = id
	}

	if err != nil {
		telemetry.Submissions.WithLabelValues(clusterName, kind, "error").Inc()
		return d.noDistributorID(ctx, b.Instances, err)
	}
	telemetry.Submissions.WithLabelValues(clusterName, kind, "ok").Inc()

	reportBy := d.reportBy()
	return d.run(ctx, b.Instances, func(ctx context.Context, ti domain.TaskInstance) error {
		id := ids[ti.ArrayStepID]
		if id == "" {
			return d.noDistributorID(ctx, []domain.TaskInstance{ti}, ErrNoDistributorID)
		}
		return d.transition(ctx, &ti, domain.InstanceTransition{
			To:            domain.TaskInstanceStatusLaunched,
			DistributorID: id,
			ReportBy:      reportBy,
		})
	})
}

// checkSteps проверяет, что у каждой попытки array свой step id.
func checkSteps(steps []int) error {
	seen := make(map[int]bool, len(steps))
	for _, step := range steps {
		if step < 0 || seen[step] {
			return fmt.Errorf("%w: %v", ErrBadArrayStep, steps)
		}
		seen[step] = true
	}
	return nil
}

func (d *Distributor) noDistributorID(ctx context.Context, instances []domain.TaskInstance, cause error) error {
	d.logger.Warn("submission failed", "instances", len(instances), "error", cause)
	return d.run(ctx, instances, func(ctx context.Context, ti domain.TaskInstance) error {
		return d.transition(ctx, &ti, domain.InstanceTransition{
			To:           domain.TaskInstanceStatusNoDistributorID,
			ErrorMessage: cause.Error(),
		})
	})
}

// checkLaunched проверяет LAUNCHED попытки, ещё не подтвердившие запуск.
//
// Ошибка постановки в очередь кластера — ERROR_FATAL и снятие задания.
// Живые в кластере получают продление report-by. Истёкшие и неизвестные
// кластеру — KILL_SELF.
func (d *Distributor) checkLaunched(ctx context.Context, instances []domain.TaskInstance) error {
	ids := distributorIDs(instances)
	live, err := d.cluster.SubmittedOrRunning(ctx, ids)
	if err != nil {
		return fmt.Errorf("submitted or running: %w", err)
	}
	queueErrs, err := d.cluster.QueueingErrors(ctx, ids)
	if err != nil {
		return fmt.Errorf("queueing errors: %w", err)
	}

	now := d.clock.Now()
	var renew []int64
	err = d.run(ctx, instances, func(ctx context.Context, ti domain.TaskInstance) error {
		if msg, ok := queueErrs[ti.DistributorID]; ok {
			if err := d.transition(ctx, &ti, domain.InstanceTransition{
				To:           domain.TaskInstanceStatusErrorFatal,
				ErrorMessage: msg,
			}); err != nil {
				return err
			}
			telemetry.InstancesKilled.WithLabelValues("queueing_error").Inc()
			return d.cluster.Terminate(ctx, []string{ti.DistributorID})
		}
		if live[ti.DistributorID] {
			renew = append(renew, ti.ID)
			return nil
		}
		if !ti.Expired(now) {
			return nil
		}
		telemetry.InstancesKilled.WithLabelValues("lost").Inc()
		return d.transition(ctx, &ti, domain.InstanceTransition{To: domain.TaskInstanceStatusKillSelf})
	})

	if len(renew) > 0 {
		if rerr := d.store.RenewTaskInstances(ctx, renew, *d.reportBy()); rerr != nil {
			return fmt.Errorf("renew launched instances: %w", rerr)
		}
	}
	return err
}

// checkRunning переводит RUNNING попытки с истёкшим report-by в TRIAGING.
func (d *Distributor) checkRunning(ctx context.Context, instances []domain.TaskInstance) error {
	now := d.clock.Now()
	return d.run(ctx, instances, func(ctx context.Context, ti domain.TaskInstance) error {
		if !ti.Expired(now) {
			return nil
		}
		telemetry.WithTaskInstanceID(d.logger, ti.ID).Warn("running instance missed heartbeat", "report_by", ti.ReportBy)
		return d.transition(ctx, &ti, domain.InstanceTransition{To: domain.TaskInstanceStatusTriaging})
	})
}

// triage выясняет у кластера судьбу TRIAGING попыток.
// Задание ещё выполняется — обратно в RUNNING с продлением,
// завершилось — его статус, не удалось выяснить — UNKNOWN_ERROR.
func (d *Distributor) triage(ctx context.Context, instances []domain.TaskInstance) error {
	return d.run(ctx, instances, func(ctx context.Context, ti domain.TaskInstance) error {
		status, msg, err := d.cluster.RemoteExitInfo(ctx, ti.DistributorID)
		if err != nil {
			status, msg = domain.TaskInstanceStatusUnknownError, err.Error()
		}

		tr := domain.InstanceTransition{To: status, ErrorMessage: msg}
		switch {
		case status == domain.TaskInstanceStatusRunning:
			tr.ReportBy = d.reportBy()
		case !status.IsTerminal() || status == domain.TaskInstanceStatusNoDistributorID:
			tr.To = domain.TaskInstanceStatusUnknownError
			if tr.ErrorMessage == "" {
				tr.ErrorMessage = fmt.Sprintf("unexpected remote status %s", status)
			}
		}

		telemetry.TriageOutcomes.WithLabelValues(string(tr.To)).Inc()
		return d.transition(ctx, &ti, tr)
	})
}

// kill снимает KILL_SELF попытки с кластера и закрывает их UNKNOWN_ERROR.
func (d *Distributor) kill(ctx context.Context, instances []domain.TaskInstance) error {
	if ids := distributorIDs(instances); len(ids) > 0 {
		if err := d.cluster.Terminate(ctx, ids); err != nil {
			d.logger.Warn("terminate failed", "jobs", len(ids), "error", err)
		}
	}
	return d.run(ctx, instances, func(ctx context.Context, ti domain.TaskInstance) error {
		return d.transition(ctx, &ti, domain.InstanceTransition{
			To:           domain.TaskInstanceStatusUnknownError,
			ErrorMessage: "killed by distributor",
		})
	})
}

func distributorIDs(instances []domain.TaskInstance) []string {
	ids := make([]string, 0, len(instances))
	for _, ti := range instances {
		if ti.DistributorID != "" {
			ids = append(ids, ti.DistributorID)
		}
	}
	return ids
}
