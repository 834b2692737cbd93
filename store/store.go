// Package store is the pgx-backed persistence layer. It implements the
// ingestion Store interface plus the read queries the API handlers need.
// Every method tolerates the degraded-boot case where no pool exists yet.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dragonfly-ops/dragonfly/db"
	"github.com/dragonfly-ops/dragonfly/ingest"
)

// ErrDBUnavailable is returned when the process booted degraded and the
// supervisor has not yet installed a pool.
var ErrDBUnavailable = errors.New("database unavailable")

// Store executes SQL against whatever pool the handle currently holds.
type Store struct {
	handle *db.Handle
}

func New(handle *db.Handle) *Store {
	return &Store{handle: handle}
}

func (s *Store) pool() (*pgxpool.Pool, error) {
	p := s.handle.Get()
	if p == nil {
		return nil, ErrDBUnavailable
	}
	return p, nil
}

// --- idempotency ledger ---

func (s *Store) FindIngestRun(ctx context.Context, filename, contentHash string) (string, bool, error) {
	p, err := s.pool()
	if err != nil {
		return "", false, err
	}
	var batchID string
	err = p.QueryRow(ctx,
		`SELECT batch_id FROM ops.ingest_runs WHERE filename = $1 AND content_hash = $2`,
		filename, contentHash).Scan(&batchID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query ingest ledger: %w", err)
	}
	return batchID, true, nil
}

func (s *Store) RecordIngestRun(ctx context.Context, filename, contentHash, batchID string) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	_, err = p.Exec(ctx,
		`INSERT INTO ops.ingest_runs (filename, content_hash, batch_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (filename, content_hash) DO NOTHING`,
		filename, contentHash, batchID)
	return err
}

// --- batch lifecycle ---

func (s *Store) CreateBatch(ctx context.Context, b *ingest.Batch) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	return p.QueryRow(ctx,
		`INSERT INTO ops.ingest_batches (id, source, filename, status, created_by, stats)
		 VALUES ($1, $2, $3, $4, $5, '{}'::jsonb)
		 RETURNING created_at, updated_at`,
		b.ID, b.Source, b.Filename, b.Status, b.CreatedBy).Scan(&b.CreatedAt, &b.UpdatedAt)
}

func (s *Store) ClaimBatch(ctx context.Context, batchID, workerID string) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	tag, err := p.Exec(ctx,
		`UPDATE ops.ingest_batches
		 SET status = 'processing', worker_id = $2, started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		batchID, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s not claimable", batchID)
	}
	return nil
}

func (s *Store) TouchBatch(ctx context.Context, batchID string) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	_, err = p.Exec(ctx,
		`UPDATE ops.ingest_batches SET updated_at = now() WHERE id = $1 AND status = 'processing'`,
		batchID)
	return err
}

func (s *Store) CompleteBatch(ctx context.Context, batchID string, totals ingest.BatchTotals, stats map[string]any) error {
	return s.finishBatch(ctx, batchID, ingest.BatchStatusCompleted, "", totals, stats)
}

func (s *Store) FailBatch(ctx context.Context, batchID, errorSummary string, totals ingest.BatchTotals, stats map[string]any) error {
	return s.finishBatch(ctx, batchID, ingest.BatchStatusFailed, errorSummary, totals, stats)
}

func (s *Store) finishBatch(ctx context.Context, batchID, status, summary string, totals ingest.BatchTotals, stats map[string]any) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	if stats == nil {
		stats = map[string]any{}
	}
	stats["duration_ms"] = totals.DurationMS
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	_, err = p.Exec(ctx,
		`UPDATE ops.ingest_batches
		 SET status = $2, error_summary = NULLIF($3, ''),
		     row_count_raw = $4, row_count_valid = $5, row_count_invalid = $6,
		     stats = $7, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		batchID, status, summary, totals.Raw, totals.Valid, totals.Invalid, statsJSON)
	return err
}

// --- row logs ---

func (s *Store) UpsertRowLog(ctx context.Context, entry *ingest.RowLog) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	var rawJSON []byte
	if len(entry.Raw) > 0 {
		rawJSON, err = json.Marshal(entry.Raw)
		if err != nil {
			return fmt.Errorf("marshal raw row: %w", err)
		}
	}
	// Guardian entries carry a null row_index; the unique key never fires
	// for those, so they always insert.
	_, err = p.Exec(ctx,
		`INSERT INTO ops.intake_logs
		   (batch_id, row_index, status, judgment_id, error_code, error_details, raw, masked, processing_time_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (batch_id, row_index) DO UPDATE
		 SET status = EXCLUDED.status,
		     judgment_id = EXCLUDED.judgment_id,
		     error_code = EXCLUDED.error_code,
		     error_details = EXCLUDED.error_details,
		     raw = EXCLUDED.raw,
		     masked = EXCLUDED.masked,
		     processing_time_ms = EXCLUDED.processing_time_ms,
		     created_at = now()`,
		entry.BatchID, entry.RowIndex, entry.Status, entry.JudgmentID,
		entry.ErrorCode, entry.ErrorDetails, rawJSON, entry.Masked, entry.ProcessingTimeMS)
	return err
}

// --- judgments ---

// UpsertJudgment inserts on a novel case_number; on conflict it merges only
// non-null incoming values into the existing row. xmax = 0 distinguishes a
// fresh insert from a conflict-path update.
func (s *Store) UpsertJudgment(ctx context.Context, j *ingest.Judgment) (ingest.UpsertResult, error) {
	p, err := s.pool()
	if err != nil {
		return ingest.UpsertResult{}, err
	}
	var res ingest.UpsertResult
	err = p.QueryRow(ctx,
		`INSERT INTO public.judgments
		   (case_number, plaintiff_name, defendant_name, judgment_amount, entry_date, court, county, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE(NULLIF($8, ''), 'active'))
		 ON CONFLICT (case_number) DO UPDATE
		 SET plaintiff_name  = COALESCE(EXCLUDED.plaintiff_name, judgments.plaintiff_name),
		     defendant_name  = COALESCE(EXCLUDED.defendant_name, judgments.defendant_name),
		     judgment_amount = COALESCE(EXCLUDED.judgment_amount, judgments.judgment_amount),
		     entry_date      = COALESCE(EXCLUDED.entry_date, judgments.entry_date),
		     court           = COALESCE(EXCLUDED.court, judgments.court),
		     county          = COALESCE(EXCLUDED.county, judgments.county),
		     updated_at      = now()
		 RETURNING id, (xmax = 0) AS inserted`,
		j.CaseNumber, j.PlaintiffName, j.DefendantName, j.JudgmentAmount,
		j.EntryDate, j.Court, j.County, j.Status).Scan(&res.JudgmentID, &res.Inserted)
	if err != nil {
		return ingest.UpsertResult{}, err
	}
	return res, nil
}

// --- job queue ---

func (s *Store) EnqueueJob(ctx context.Context, jobType string, payload map[string]any) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	_, err = p.Exec(ctx,
		`INSERT INTO ops.job_queue (job_type, status, payload) VALUES ($1, 'pending', $2)`,
		jobType, payloadJSON)
	return err
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	p, err := s.pool()
	if err != nil {
		return 0, err
	}
	var depth int
	err = p.QueryRow(ctx,
		`SELECT count(*) FROM ops.job_queue WHERE status IN ('pending', 'processing')`).Scan(&depth)
	return depth, err
}

// --- guardian ---

func (s *Store) StaleProcessingBatches(ctx context.Context, cutoff time.Time) ([]ingest.Batch, error) {
	p, err := s.pool()
	if err != nil {
		return nil, err
	}
	rows, err := p.Query(ctx,
		batchColumns+` FROM ops.ingest_batches
		 WHERE status = 'processing' AND updated_at < $1
		 ORDER BY updated_at`,
		cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBatches(rows)
}

func (s *Store) MarkBatchTimedOut(ctx context.Context, batchID, errorSummary string) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	tag, err := p.Exec(ctx,
		`UPDATE ops.ingest_batches
		 SET status = 'failed', error_summary = $2, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		batchID, errorSummary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("batch %s no longer in processing", batchID)
	}
	return nil
}

// --- reads for the API ---

const batchColumns = `SELECT id, source, filename, status,
	row_count_raw, row_count_valid, row_count_invalid,
	started_at, completed_at, updated_at, created_at,
	COALESCE(worker_id, ''), COALESCE(created_by, ''), stats, COALESCE(error_summary, '')`

func scanBatches(rows pgx.Rows) ([]ingest.Batch, error) {
	var out []ingest.Batch
	for rows.Next() {
		var b ingest.Batch
		var statsJSON []byte
		if err := rows.Scan(&b.ID, &b.Source, &b.Filename, &b.Status,
			&b.RowCountRaw, &b.RowCountValid, &b.RowCountInvalid,
			&b.StartedAt, &b.CompletedAt, &b.UpdatedAt, &b.CreatedAt,
			&b.WorkerID, &b.CreatedBy, &statsJSON, &b.ErrorSummary); err != nil {
			return nil, err
		}
		if len(statsJSON) > 0 {
			_ = json.Unmarshal(statsJSON, &b.Stats)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListBatches returns one page of batches, newest first, optionally filtered
// by status, plus the unfiltered-by-page total.
func (s *Store) ListBatches(ctx context.Context, status string, page, pageSize int) ([]ingest.Batch, int, error) {
	p, err := s.pool()
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	var total int
	if err := p.QueryRow(ctx,
		`SELECT count(*) FROM ops.ingest_batches WHERE ($1 = '' OR status = $1)`,
		status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.Query(ctx,
		batchColumns+` FROM ops.ingest_batches
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		status, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	batches, err := scanBatches(rows)
	return batches, total, err
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*ingest.Batch, error) {
	p, err := s.pool()
	if err != nil {
		return nil, err
	}
	rows, err := p.Query(ctx,
		batchColumns+` FROM ops.ingest_batches WHERE id = $1`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	batches, err := scanBatches(rows)
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return nil, pgx.ErrNoRows
	}
	return &batches[0], nil
}

// ListBatchErrors pages through non-success row logs for one batch.
func (s *Store) ListBatchErrors(ctx context.Context, batchID string, page, pageSize int) ([]ingest.RowLog, int, error) {
	p, err := s.pool()
	if err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 500 {
		pageSize = 100
	}

	var total int
	if err := p.QueryRow(ctx,
		`SELECT count(*) FROM ops.intake_logs WHERE batch_id = $1 AND status <> 'success'`,
		batchID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := p.Query(ctx,
		`SELECT batch_id, row_index, status, judgment_id, error_code, error_details, raw, masked, processing_time_ms, created_at
		 FROM ops.intake_logs
		 WHERE batch_id = $1 AND status <> 'success'
		 ORDER BY row_index NULLS FIRST
		 LIMIT $2 OFFSET $3`,
		batchID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []ingest.RowLog
	for rows.Next() {
		var e ingest.RowLog
		var rawJSON []byte
		if err := rows.Scan(&e.BatchID, &e.RowIndex, &e.Status, &e.JudgmentID,
			&e.ErrorCode, &e.ErrorDetails, &rawJSON, &e.Masked, &e.ProcessingTimeMS, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(rawJSON) > 0 {
			_ = json.Unmarshal(rawJSON, &e.Raw)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// IntakeState assembles the intake monitor snapshot.
func (s *Store) IntakeState(ctx context.Context) (*ingest.IntakeState, error) {
	p, err := s.pool()
	if err != nil {
		return nil, err
	}
	state := &ingest.IntakeState{StatusCounts: map[string]int{}}

	rows, err := p.Query(ctx,
		`SELECT status, count(*) FROM ops.ingest_batches GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		state.StatusCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	state.ProcessingCount = state.StatusCounts[ingest.BatchStatusProcessing]

	if err := p.QueryRow(ctx,
		`SELECT max(created_at) FROM ops.ingest_batches`).Scan(&state.LastBatchAt); err != nil {
		return nil, err
	}

	depth, err := s.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	state.QueueDepth = depth
	return state, nil
}

// --- worker registry ---

// WorkerHeartbeat is a registry row for one worker process.
type WorkerHeartbeat struct {
	WorkerID      string    `json:"worker_id"`
	WorkerType    string    `json:"worker_type"`
	Status        string    `json:"status"`
	JobsProcessed int64     `json:"jobs_processed"`
	ErrorsCount   int64     `json:"errors_count"`
	LastBeatAt    time.Time `json:"last_beat_at"`
}

// RecordWorkerHeartbeat writes through the ops stored function so workers do
// not need direct table-write grants.
func (s *Store) RecordWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error {
	p, err := s.pool()
	if err != nil {
		return err
	}
	_, err = p.Exec(ctx,
		`SELECT ops.record_worker_heartbeat($1, $2, $3, $4, $5)`,
		hb.WorkerID, hb.WorkerType, hb.Status, hb.JobsProcessed, hb.ErrorsCount)
	return err
}

func (s *Store) WorkerHeartbeats(ctx context.Context) ([]WorkerHeartbeat, error) {
	p, err := s.pool()
	if err != nil {
		return nil, err
	}
	rows, err := p.Query(ctx,
		`SELECT worker_id, worker_type, status, jobs_processed, errors_count, last_beat_at
		 FROM ops.worker_heartbeats
		 ORDER BY last_beat_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkerHeartbeat
	for rows.Next() {
		var hb WorkerHeartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.WorkerType, &hb.Status,
			&hb.JobsProcessed, &hb.ErrorsCount, &hb.LastBeatAt); err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, rows.Err()
}

// --- readiness support ---

// SchemaCheck verifies that every required view or relation exists.
func (s *Store) SchemaCheck(ctx context.Context, required []string) ([]string, error) {
	p, err := s.pool()
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range required {
		var exists bool
		if err := p.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

// SystemHealth reads the aggregating view by named columns.
func (s *Store) SystemHealth(ctx context.Context) (map[string]any, error) {
	p, err := s.pool()
	if err != nil {
		return nil, err
	}
	var (
		batches24h, failures24h, queueDepth, activeWorkers int
		lastIngestAt                                       *time.Time
	)
	err = p.QueryRow(ctx,
		`SELECT batches_24h, failures_24h, queue_depth, active_workers, last_ingest_at
		 FROM ops.v_system_health`).Scan(
		&batches24h, &failures24h, &queueDepth, &activeWorkers, &lastIngestAt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"batches_24h":    batches24h,
		"failures_24h":   failures24h,
		"queue_depth":    queueDepth,
		"active_workers": activeWorkers,
		"last_ingest_at": lastIngestAt,
	}, nil
}

// PoolStats is the pool snapshot for the metrics endpoint. Nil when no pool
// is installed.
func (s *Store) PoolStats() map[string]any {
	p := s.handle.Get()
	if p == nil {
		return nil
	}
	st := p.Stat()
	return map[string]any{
		"total_conns":    st.TotalConns(),
		"idle_conns":     st.IdleConns(),
		"acquired_conns": st.AcquiredConns(),
		"max_conns":      st.MaxConns(),
	}
}
