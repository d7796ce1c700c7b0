package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/raxjinn/StudyFlowGateway/internal/domain/model"
	"github.com/raxjinn/StudyFlowGateway/internal/domain/rule"
)

// Catalog — фасад над репозиториями Catalog, координирующий операции,
// которые должны пересекать несколько таблиц в одной транзакции (приём
// instance, постановка в очередь, Replay) — spec §4.2.
type Catalog struct {
	pool *pgxpool.Pool
	tx   *TxRunner

	studies      StudyRepository
	series       SeriesRepository
	instances    InstanceRepository
	destinations DestinationRepository
	jobs         ForwardJobRepository
	events       IngestEventRepository
}

// New создаёт Catalog над пулом подключений pgxpool.
func New(pool *pgxpool.Pool) *Catalog {
	return &Catalog{
		pool:         pool,
		tx:           NewTxRunner(pool),
		studies:      NewStudyRepository(pool),
		series:       NewSeriesRepository(pool),
		instances:    NewInstanceRepository(pool),
		destinations: NewDestinationRepository(pool),
		jobs:         NewForwardJobRepository(pool),
		events:       NewIngestEventRepository(pool),
	}
}

func (c *Catalog) Jobs() ForwardJobRepository          { return c.jobs }
func (c *Catalog) Destinations() DestinationRepository { return c.destinations }
func (c *Catalog) Events() IngestEventRepository       { return c.events }
func (c *Catalog) Instances() InstanceRepository       { return c.instances }
func (c *Catalog) Studies() StudyRepository            { return c.studies }
func (c *Catalog) Series() SeriesRepository            { return c.series }

// Pool возвращает нижележащий пул подключений — Receiver публикует
// через него NOTIFY о новых job'ах (queue.Publish).
func (c *Catalog) Pool() *pgxpool.Pool { return c.pool }

// AdmitResult — результат приёма instance в Catalog.
type AdmitResult struct {
	Instance *model.Instance
	// Inserted — false означает, что instance с этим UID уже существовал
	// (повторный приём того же объекта, идемпотентно, spec §2).
	Inserted bool
	Modality string
}

// AdmitInstance записывает instance, материализуя study/series при
// первом упоминании и продвигая их счётчики — всё в одной транзакции
// Serializable с блокировками в порядке (study, series), чтобы
// конкурентные приёмы разных instance одного study не приводили к
// deadlock (spec §4.2 "row-level locks ordered").
func (c *Catalog) AdmitInstance(ctx context.Context, inst *model.Instance, modality string) (*AdmitResult, error) {
	result := &AdmitResult{Instance: inst, Modality: modality}

	err := c.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		studies := NewStudyRepository(tx)
		series := NewSeriesRepository(tx)
		instances := NewInstanceRepository(tx)

		if _, err := studies.LockForUpdate(ctx, inst.StudyUID, inst.ReceivedAt); err != nil {
			return fmt.Errorf("study: %w", err)
		}
		if _, err := series.LockForUpdate(ctx, inst.SeriesUID, inst.StudyUID, modality); err != nil {
			return fmt.Errorf("series: %w", err)
		}

		inserted, err := instances.Insert(ctx, inst)
		if err != nil {
			return fmt.Errorf("instance: %w", err)
		}
		result.Inserted = inserted

		if !inserted {
			existing, err := instances.GetByUID(ctx, inst.InstanceUID)
			if err != nil {
				return fmt.Errorf("instance существующая: %w", err)
			}
			result.Instance = existing
			return nil
		}

		if err := studies.ApplyInstanceAdmitted(ctx, inst.StudyUID, inst.ByteLength, inst.ReceivedAt); err != nil {
			return err
		}
		if err := series.ApplyInstanceAdmitted(ctx, inst.SeriesUID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MatchingDestinations возвращает enabled destinations, чье
// forwarding_rule удовлетворяется данным instance (spec §9 forwarding
// rule design note).
func (c *Catalog) MatchingDestinations(ctx context.Context, inst *model.Instance, modality, calledAE string) ([]*model.Destination, error) {
	dests, err := c.destinations.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	proj := rule.InstanceProjection{
		Modality:    modality,
		SOPClassUID: inst.SOPClassUID,
		CalledAE:    calledAE,
	}

	var matched []*model.Destination
	for _, d := range dests {
		expr, err := rule.Parse(d.ForwardingRule)
		if err != nil {
			return nil, fmt.Errorf("правило маршрутизации destination %s: %w", d.Name, err)
		}
		if expr.Eval(proj) {
			matched = append(matched, d)
		}
	}
	return matched, nil
}

// EnqueueForwardJobs создаёт по одному ForwardJob на каждый destination
// для данного instance, пропуская пары, для которых уже существует
// активный job (spec §2, §4.3).
func (c *Catalog) EnqueueForwardJobs(ctx context.Context, instanceUID string, destinationIDs []int64, priority int, now time.Time) (created int, err error) {
	for _, destID := range destinationIDs {
		inserted, err := c.jobs.Insert(ctx, instanceUID, destID, priority, now)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// Replay создаёт новые ForwardJob для каждой пары (existing instance,
// destination) данного study — операторская команда, не редактирующая
// исторические job'ы (spec §4.3 "Replay").
func (c *Catalog) Replay(ctx context.Context, studyUID string, destinationIDs []int64, now time.Time) (created int, err error) {
	instances, err := ListByStudyUID(ctx, c.pool, studyUID)
	if err != nil {
		return 0, err
	}
	if len(instances) == 0 {
		return 0, ErrNotFound
	}

	targets := destinationIDs
	if len(targets) == 0 {
		dests, err := c.destinations.ListEnabled(ctx)
		if err != nil {
			return 0, err
		}
		for _, d := range dests {
			targets = append(targets, d.ID)
		}
	}

	for _, inst := range instances {
		for _, destID := range targets {
			if err := c.forceNewJob(ctx, inst.InstanceUID, destID, now); err != nil {
				return created, err
			}
			created++
		}
	}
	return created, nil
}

// forceNewJob вставляет свежий ForwardJob безусловно — Replay создаёт
// новую строку с собственным id и нулевым счётчиком попыток даже если
// по этой паре уже существует завершённый или dead-letter job, потому
// что partial unique index индексирует только активные статусы.
func (c *Catalog) forceNewJob(ctx context.Context, instanceUID string, destinationID int64, now time.Time) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO forward_jobs (instance_uid, destination_id, status, next_eligible_at, created_at)
		VALUES ($1, $2, 'pending', $3, $3)`, instanceUID, destinationID, now)
	if err != nil {
		return fmt.Errorf("ошибка replay forward_job instance=%s destination=%d: %w", instanceUID, destinationID, err)
	}
	return nil
}

// CancelInstance отменяет все незавершённые ForwardJob данного instance (или,
// если destinationID задан, только для него) — операторская команда
// Cancel (spec §4.3).
func (c *Catalog) CancelInstance(ctx context.Context, instanceUID string, destinationID *int64, now time.Time) (canceled int, err error) {
	var tag pgx.Rows
	var execErr error
	if destinationID != nil {
		tag, execErr = c.pool.Query(ctx, `
			UPDATE forward_jobs SET status = 'canceled', finished_at = $3, lease_holder = '', lease_expires_at = NULL
			WHERE instance_uid = $1 AND destination_id = $2 AND status NOT IN ('completed', 'dead_letter', 'canceled')
			RETURNING id`, instanceUID, *destinationID, now)
	} else {
		tag, execErr = c.pool.Query(ctx, `
			UPDATE forward_jobs SET status = 'canceled', finished_at = $2, lease_holder = '', lease_expires_at = NULL
			WHERE instance_uid = $1 AND status NOT IN ('completed', 'dead_letter', 'canceled')
			RETURNING id`, instanceUID, now)
	}
	if execErr != nil {
		return 0, fmt.Errorf("ошибка отмены job'ов instance %s: %w", instanceUID, execErr)
	}
	defer tag.Close()
	for tag.Next() {
		canceled++
	}
	return canceled, tag.Err()
}
