package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// fakeStore is an in-memory Store for engine and guardian tests. Error
// injection hooks let tests force specific failure paths.
type fakeStore struct {
	mu sync.Mutex

	batches   map[string]*Batch
	rowLogs   map[string]*RowLog // key batchID/rowIndex, "batch" for nil index
	judgments map[string]*Judgment
	ledger    map[string]string // filename|hash -> batchID
	jobs      []map[string]any

	upsertJudgmentErr func(caseNumber string) error
	markTimedOutErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches:   map[string]*Batch{},
		rowLogs:   map[string]*RowLog{},
		judgments: map[string]*Judgment{},
		ledger:    map[string]string{},
	}
}

func ledgerKey(filename, hash string) string { return filename + "|" + hash }

func rowKey(batchID string, idx *int) string {
	if idx == nil {
		return batchID + "/batch"
	}
	return fmt.Sprintf("%s/%d", batchID, *idx)
}

func (f *fakeStore) FindIngestRun(_ context.Context, filename, hash string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ledger[ledgerKey(filename, hash)]
	return id, ok, nil
}

func (f *fakeStore) RecordIngestRun(_ context.Context, filename, hash, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ledger[ledgerKey(filename, hash)] = batchID
	return nil
}

func (f *fakeStore) CreateBatch(_ context.Context, b *Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	f.batches[b.ID] = b
	return nil
}

func (f *fakeStore) ClaimBatch(_ context.Context, batchID, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return errors.New("batch not found")
	}
	now := time.Now().UTC()
	b.Status = BatchStatusProcessing
	b.WorkerID = workerID
	b.StartedAt = &now
	b.UpdatedAt = now
	return nil
}

func (f *fakeStore) TouchBatch(_ context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.batches[batchID]; ok {
		b.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (f *fakeStore) CompleteBatch(_ context.Context, batchID string, totals BatchTotals, stats map[string]any) error {
	return f.finishBatch(batchID, BatchStatusCompleted, "", totals, stats)
}

func (f *fakeStore) FailBatch(_ context.Context, batchID, summary string, totals BatchTotals, stats map[string]any) error {
	return f.finishBatch(batchID, BatchStatusFailed, summary, totals, stats)
}

func (f *fakeStore) finishBatch(batchID, status, summary string, totals BatchTotals, stats map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.batches[batchID]
	if !ok {
		return errors.New("batch not found")
	}
	now := time.Now().UTC()
	b.Status = status
	b.ErrorSummary = summary
	b.RowCountRaw = totals.Raw
	b.RowCountValid = totals.Valid
	b.RowCountInvalid = totals.Invalid
	b.Stats = stats
	b.CompletedAt = &now
	b.UpdatedAt = now
	return nil
}

func (f *fakeStore) UpsertRowLog(_ context.Context, entry *RowLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowLogs[rowKey(entry.BatchID, entry.RowIndex)] = entry
	return nil
}

func (f *fakeStore) UpsertJudgment(_ context.Context, j *Judgment) (UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertJudgmentErr != nil {
		if err := f.upsertJudgmentErr(j.CaseNumber); err != nil {
			return UpsertResult{}, err
		}
	}
	if existing, ok := f.judgments[j.CaseNumber]; ok {
		if j.PlaintiffName != nil {
			existing.PlaintiffName = j.PlaintiffName
		}
		if j.JudgmentAmount != nil {
			existing.JudgmentAmount = j.JudgmentAmount
		}
		return UpsertResult{JudgmentID: existing.ID, Inserted: false}, nil
	}
	j.ID = fmt.Sprintf("j-%d", len(f.judgments)+1)
	f.judgments[j.CaseNumber] = j
	return UpsertResult{JudgmentID: j.ID, Inserted: true}, nil
}

func (f *fakeStore) EnqueueJob(_ context.Context, jobType string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload["job_type"] = jobType
	f.jobs = append(f.jobs, payload)
	return nil
}

func (f *fakeStore) StaleProcessingBatches(_ context.Context, cutoff time.Time) ([]Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Batch
	for _, b := range f.batches {
		if b.Status == BatchStatusProcessing && b.UpdatedAt.Before(cutoff) {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkBatchTimedOut(_ context.Context, batchID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markTimedOutErr != nil {
		return f.markTimedOutErr
	}
	b, ok := f.batches[batchID]
	if !ok {
		return errors.New("batch not found")
	}
	now := time.Now().UTC()
	b.Status = BatchStatusFailed
	b.ErrorSummary = summary
	b.CompletedAt = &now
	b.UpdatedAt = now
	return nil
}

func (f *fakeStore) rowLog(batchID string, idx int) *RowLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rowLogs[fmt.Sprintf("%s/%d", batchID, idx)]
}

func (f *fakeStore) batch(batchID string) *Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[batchID]
}
