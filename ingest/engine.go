package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/dragonfly-ops/dragonfly/notify"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

const (
	// DefaultChunkSize is the number of rows parsed and processed per chunk.
	DefaultChunkSize = 500
	// DefaultAbortThreshold halts a batch after this many consecutive
	// row-level errors.
	DefaultAbortThreshold = 100
)

// ErrBatchAborted is wrapped into the batch failure summary when the
// consecutive-error threshold trips.
var ErrBatchAborted = errors.New("consecutive row errors exceeded abort threshold")

// Engine runs batches. One Engine is shared by the upload handler and the
// drop-directory poller; it is safe for concurrent use.
type Engine struct {
	store          Store
	logger         *logharbour.Logger
	notifier       notify.Notifier
	workerID       string
	chunkSize      int
	abortThreshold int
}

// Option mutates Engine construction.
type Option func(*Engine)

func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

func WithAbortThreshold(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.abortThreshold = n
		}
	}
}

// NewEngine builds an Engine. workerID identifies this process in batch rows
// and heartbeats.
func NewEngine(store Store, lg *logharbour.Logger, notifier notify.Notifier, workerID string, opts ...Option) *Engine {
	e := &Engine{
		store:          store,
		logger:         lg,
		notifier:       notifier,
		workerID:       workerID,
		chunkSize:      DefaultChunkSize,
		abortThreshold: DefaultAbortThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result is the aggregate returned to the caller of Ingest.
type Result struct {
	BatchID   string      `json:"batch_id"`
	Status    string      `json:"status"`
	Duplicate bool        `json:"duplicate"`
	Totals    BatchTotals `json:"totals"`
}

// Ingest runs one file through the full batch lifecycle. The reader is
// drained into memory first so the content hash can gate the idempotency
// ledger before any batch row exists. A previously completed (filename,
// hash) pair returns the original batch id with Duplicate set and performs
// no reprocessing.
func (e *Engine) Ingest(ctx context.Context, r io.Reader, filename, source, creator string) (*Result, error) {
	prep, res, err := e.prepare(ctx, r, filename, source, creator)
	if err != nil || res != nil {
		return res, err
	}
	return e.run(ctx, prep)
}

// IngestAsync performs the synchronous part (hash, ledger, batch creation)
// and processes rows in the background. The returned result carries the
// batch id with status processing, or the prior batch on a duplicate.
func (e *Engine) IngestAsync(ctx context.Context, r io.Reader, filename, source, creator string) (*Result, error) {
	prep, res, err := e.prepare(ctx, r, filename, source, creator)
	if err != nil || res != nil {
		return res, err
	}
	go func() {
		// Detached from the request context; an upload outlives its HTTP
		// request.
		if _, err := e.run(context.Background(), prep); err != nil {
			e.logger.WithModule("ingest").Error(err).LogActivity("async batch failed", map[string]any{
				"batch_id": prep.batchID,
			})
		}
	}()
	return &Result{BatchID: prep.batchID, Status: BatchStatusProcessing}, nil
}

type prepared struct {
	batchID     string
	filename    string
	contentHash string
	content     []byte
}

// prepare drains the input, consults the idempotency ledger, and creates
// and claims the batch. A non-nil Result short-circuits (duplicate file).
func (e *Engine) prepare(ctx context.Context, r io.Reader, filename, source, creator string) (*prepared, *Result, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read input: %w", err)
	}

	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])

	if batchID, found, err := e.store.FindIngestRun(ctx, filename, contentHash); err != nil {
		return nil, nil, fmt.Errorf("check ingest ledger: %w", err)
	} else if found {
		e.logger.WithModule("ingest").Info().LogActivity("duplicate file, returning prior batch", map[string]any{
			"filename": filename,
			"batch_id": batchID,
		})
		return nil, &Result{BatchID: batchID, Status: BatchStatusCompleted, Duplicate: true}, nil
	}

	batch := &Batch{
		ID:        uuid.NewString(),
		Source:    source,
		Filename:  filename,
		Status:    BatchStatusPending,
		CreatedBy: creator,
	}
	if err := e.store.CreateBatch(ctx, batch); err != nil {
		return nil, nil, fmt.Errorf("create batch: %w", err)
	}
	if err := e.store.ClaimBatch(ctx, batch.ID, e.workerID); err != nil {
		return nil, nil, fmt.Errorf("claim batch: %w", err)
	}
	return &prepared{batchID: batch.ID, filename: filename, contentHash: contentHash, content: content}, nil, nil
}

func (e *Engine) run(ctx context.Context, prep *prepared) (*Result, error) {
	started := time.Now()
	totals, runErr := e.processRows(ctx, prep.batchID, bytes.NewReader(prep.content))
	totals.DurationMS = time.Since(started).Milliseconds()

	stats := map[string]any{
		"duplicates": totals.Duplicates,
		"skipped":    totals.Skipped,
		"errors":     totals.Invalid,
	}

	if runErr != nil {
		summary := wscutils.TruncateError(runErr.Error())
		if failErr := e.store.FailBatch(ctx, prep.batchID, summary, totals, stats); failErr != nil {
			e.logger.WithModule("ingest").Error(failErr).LogActivity("failed to mark batch failed", map[string]any{
				"batch_id": prep.batchID,
			})
		}
		e.logBatchError(ctx, prep.batchID, summary)
		return &Result{BatchID: prep.batchID, Status: BatchStatusFailed, Totals: totals}, runErr
	}

	if err := e.store.CompleteBatch(ctx, prep.batchID, totals, stats); err != nil {
		return nil, fmt.Errorf("complete batch: %w", err)
	}
	if err := e.store.RecordIngestRun(ctx, prep.filename, prep.contentHash, prep.batchID); err != nil {
		e.logger.WithModule("ingest").Warn().LogActivity("ledger write failed, replays will reprocess", map[string]any{
			"batch_id": prep.batchID,
			"error":    err.Error(),
		})
	}

	e.logger.WithModule("ingest").Info().LogActivity("batch completed", map[string]any{
		"batch_id":    prep.batchID,
		"raw":         totals.Raw,
		"valid":       totals.Valid,
		"invalid":     totals.Invalid,
		"duration_ms": totals.DurationMS,
	})
	return &Result{BatchID: prep.batchID, Status: BatchStatusCompleted, Totals: totals}, nil
}

// processRows streams the CSV in chunks and processes each row in source
// order. It returns the running totals even on error so the caller can
// preserve stats to date.
func (e *Engine) processRows(ctx context.Context, batchID string, r io.Reader) (BatchTotals, error) {
	var totals BatchTotals

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return totals, fmt.Errorf("read header row: %w", err)
	}
	mapped := MapHeaders(headers)

	consecutiveErrors := 0
	rowIndex := 0
	for {
		chunk, err := readChunk(reader, e.chunkSize)
		if err != nil {
			return totals, fmt.Errorf("read chunk at row %d: %w", rowIndex, err)
		}
		if len(chunk) == 0 {
			break
		}

		for _, record := range chunk {
			if err := ctx.Err(); err != nil {
				return totals, err
			}
			status := e.processRow(ctx, batchID, rowIndex, headers, mapped, record)
			totals.Raw++
			switch status {
			case RowStatusSuccess:
				totals.Valid++
				consecutiveErrors = 0
			case RowStatusDuplicate:
				totals.Duplicates++
				consecutiveErrors = 0
			case RowStatusSkipped:
				totals.Skipped++
				consecutiveErrors = 0
			case RowStatusError:
				totals.Invalid++
				consecutiveErrors++
			}
			rowIndex++

			if consecutiveErrors >= e.abortThreshold {
				return totals, fmt.Errorf("%w (%d at row %d)", ErrBatchAborted, consecutiveErrors, rowIndex-1)
			}
		}

		if err := e.store.TouchBatch(ctx, batchID); err != nil {
			e.logger.WithModule("ingest").Warn().LogActivity("touch batch failed", map[string]any{
				"batch_id": batchID,
				"error":    err.Error(),
			})
		}
	}
	return totals, nil
}

// processRow validates, upserts, and logs a single row. It never returns an
// error; every outcome is a row-log status.
func (e *Engine) processRow(ctx context.Context, batchID string, rowIndex int, headers, mapped []string, record []string) string {
	started := time.Now()
	idx := rowIndex

	entry := &RowLog{
		BatchID:  batchID,
		RowIndex: &idx,
	}
	finish := func(status string) string {
		entry.Status = status
		// Stored raw columns are always flagged for masked display.
		entry.Masked = len(entry.Raw) > 0
		entry.ProcessingTimeMS = time.Since(started).Milliseconds()
		if err := e.store.UpsertRowLog(ctx, entry); err != nil {
			e.logger.WithModule("ingest").Warn().LogActivity("row log write failed", map[string]any{
				"batch_id":  batchID,
				"row_index": rowIndex,
				"error":     err.Error(),
			})
		}
		return status
	}
	fail := func(code, details string) string {
		d := wscutils.TruncateError(details)
		entry.ErrorCode = &code
		entry.ErrorDetails = &d
		return finish(RowStatusError)
	}

	if isEmptyRecord(record) {
		code := wscutils.ErrCodeValidationSkipped
		entry.ErrorCode = &code
		return finish(RowStatusSkipped)
	}

	j, raw, verr := buildJudgment(headers, mapped, record)
	// Raw columns are kept on failed entries only; rows that resolve to a
	// judgment are fully represented by the judgment itself.
	entry.Raw = raw
	if verr != "" {
		return fail(wscutils.ErrCodeValidation, verr)
	}

	res, err := e.store.UpsertJudgment(ctx, j)
	if err != nil {
		if isUniqueViolation(err) {
			code := wscutils.ErrCodeDuplicate
			entry.ErrorCode = &code
			return finish(RowStatusDuplicate)
		}
		return fail(wscutils.ErrCodeDB, err.Error())
	}
	entry.JudgmentID = &res.JudgmentID
	entry.Raw = nil

	if !res.Inserted {
		// The natural key already existed and the merge absorbed the row:
		// an idempotent match, not a new judgment.
		code := wscutils.ErrCodeDuplicate
		entry.ErrorCode = &code
		return finish(RowStatusDuplicate)
	}

	// Downstream enrichment is best effort and never fails the row.
	if err := e.store.EnqueueJob(ctx, "enrichment", map[string]any{
		"judgment_id": res.JudgmentID,
		"case_number": j.CaseNumber,
	}); err != nil {
		e.logger.WithModule("ingest").Warn().LogActivity("enrichment enqueue failed", map[string]any{
			"judgment_id": res.JudgmentID,
			"error":       err.Error(),
		})
	}
	return finish(RowStatusSuccess)
}

// buildJudgment maps a record onto the canonical entity. The returned raw
// map keeps every original column for audit. A non-empty third return is a
// validation failure message.
func buildJudgment(headers, mapped []string, record []string) (*Judgment, map[string]string, string) {
	raw := make(map[string]string, len(record))
	fields := map[string]string{}
	for i, value := range record {
		if i >= len(headers) {
			break
		}
		raw[headers[i]] = value
		if mapped[i] != "" {
			if existing := fields[mapped[i]]; existing == "" {
				fields[mapped[i]] = strings.TrimSpace(value)
			}
		}
	}

	caseNumber := fields["case_number"]
	if caseNumber == "" {
		return nil, raw, "missing required field case_number"
	}

	j := &Judgment{CaseNumber: caseNumber}
	if v := fields["plaintiff_name"]; v != "" {
		j.PlaintiffName = &v
	}
	if v := fields["defendant_name"]; v != "" {
		j.DefendantName = &v
	}
	if v := fields["judgment_amount"]; v != "" {
		amount, ok := ParseAmount(v)
		if !ok {
			return nil, raw, fmt.Sprintf("non-numeric judgment_amount %q", v)
		}
		j.JudgmentAmount = &amount
	}
	if v := fields["judgment_date"]; v != "" {
		j.EntryDate = ParseDate(v) // unparseable dates become null
	}
	if v := fields["court"]; v != "" {
		j.Court = &v
	}
	if v := fields["county"]; v != "" {
		j.County = &v
	}
	return j, raw, ""
}

// logBatchError records a whole-batch failure with the sentinel row index.
func (e *Engine) logBatchError(ctx context.Context, batchID, summary string) {
	idx := -1
	code := wscutils.ErrCodeBatch
	details := wscutils.TruncateError(summary)
	entry := &RowLog{
		BatchID:      batchID,
		RowIndex:     &idx,
		Status:       RowStatusError,
		ErrorCode:    &code,
		ErrorDetails: &details,
	}
	if err := e.store.UpsertRowLog(ctx, entry); err != nil {
		e.logger.WithModule("ingest").Error(err).LogActivity("batch error log write failed", map[string]any{
			"batch_id": batchID,
		})
	}
	if e.notifier != nil {
		if err := e.notifier.Send(ctx, "batch failed", fmt.Sprintf("batch %s: %s", batchID, summary)); err != nil {
			e.logger.WithModule("ingest").Warn().LogActivity("batch failure alert not delivered", map[string]any{
				"batch_id": batchID,
				"error":    err.Error(),
			})
		}
	}
}

func readChunk(reader *csv.Reader, size int) ([][]string, error) {
	chunk := make([][]string, 0, size)
	for len(chunk) < size {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return chunk, nil
		}
		if err != nil {
			// Malformed lines are surfaced to the caller; encoding/csv
			// cannot resync after a bare-quote error anyway.
			return chunk, err
		}
		chunk = append(chunk, record)
	}
	return chunk, nil
}

func isEmptyRecord(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

// isUniqueViolation catches the race where a concurrent insert lands between
// the conflict check and ours; the merge upsert absorbs everything else.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
