// Package ingest implements the chunked, idempotent CSV ingestion pipeline:
// batch lifecycle, column normalization, per-row upsert with a per-row log,
// and the guardian that recovers batches stuck in processing.
package ingest

import (
	"context"
	"time"
)

// Batch statuses.
const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

// Row log statuses.
const (
	RowStatusSuccess   = "success"
	RowStatusDuplicate = "duplicate"
	RowStatusSkipped   = "skipped"
	RowStatusError     = "error"
)

// Recognized batch sources.
var Sources = []string{"simplicity", "jbi", "foil", "manual", "csv_upload", "api"}

// ValidSource reports whether s is a recognized batch source.
func ValidSource(s string) bool {
	for _, v := range Sources {
		if v == s {
			return true
		}
	}
	return false
}

// Batch is one ingestion attempt over one input file.
type Batch struct {
	ID              string         `json:"id"`
	Source          string         `json:"source"`
	Filename        string         `json:"filename"`
	Status          string         `json:"status"`
	RowCountRaw     int            `json:"row_count_raw"`
	RowCountValid   int            `json:"row_count_valid"`
	RowCountInvalid int            `json:"row_count_invalid"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
	CreatedAt       time.Time      `json:"created_at"`
	WorkerID        string         `json:"worker_id,omitempty"`
	CreatedBy       string         `json:"created_by,omitempty"`
	Stats           map[string]any `json:"stats,omitempty"`
	ErrorSummary    string         `json:"error_summary,omitempty"`
}

// HealthStatus grades a terminal batch by its success rate: healthy at 95%
// or better, warning at 80%, critical below that.
func (b *Batch) HealthStatus() string {
	if b.RowCountRaw == 0 {
		return "healthy"
	}
	rate := float64(b.RowCountValid) / float64(b.RowCountRaw)
	switch {
	case rate >= 0.95:
		return "healthy"
	case rate >= 0.80:
		return "warning"
	default:
		return "critical"
	}
}

// RowLog is the outcome of one row inside a batch. RowIndex is nil for
// batch-level guardian entries and -1 for whole-batch failures recorded by
// the engine itself.
type RowLog struct {
	BatchID          string     `json:"batch_id"`
	RowIndex         *int       `json:"row_index"`
	Status           string     `json:"status"`
	JudgmentID       *string    `json:"judgment_id,omitempty"`
	ErrorCode        *string    `json:"error_code,omitempty"`
	ErrorDetails     *string    `json:"error_details,omitempty"`
	// Raw keeps the original row columns on failed entries so operators
	// can investigate and replay. Masked is set on every entry carrying a
	// raw payload; the UI must not render those columns unredacted.
	Raw              map[string]string `json:"raw,omitempty"`
	Masked           bool              `json:"masked"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
	CreatedAt        *time.Time        `json:"created_at,omitempty"`
}

// Judgment is the canonical business entity produced by ingestion. Nullable
// columns are pointers so the upsert can merge only non-null incoming values.
type Judgment struct {
	ID             string     `json:"id"`
	CaseNumber     string     `json:"case_number"`
	PlaintiffName  *string    `json:"plaintiff_name,omitempty"`
	DefendantName  *string    `json:"defendant_name,omitempty"`
	JudgmentAmount *float64   `json:"judgment_amount,omitempty"`
	EntryDate      *time.Time `json:"entry_date,omitempty"`
	Court          *string    `json:"court,omitempty"`
	County         *string    `json:"county,omitempty"`
	Status         string     `json:"status,omitempty"`
}

// UpsertResult reports how the judgments upsert resolved.
type UpsertResult struct {
	JudgmentID string
	Inserted   bool
}

// BatchTotals is the aggregate written back when a batch terminates.
type BatchTotals struct {
	Raw        int
	Valid      int
	Invalid    int
	Duplicates int
	Skipped    int
	DurationMS int64
}

// IntakeState is the monitor snapshot for the intake dashboard.
type IntakeState struct {
	StatusCounts    map[string]int `json:"status_counts"`
	QueueDepth      int            `json:"queue_depth"`
	LastBatchAt     *time.Time     `json:"last_batch_at,omitempty"`
	ProcessingCount int            `json:"processing_count"`
}

// Store is the persistence surface the engine and guardian need. The pgx
// implementation lives in the store package; tests use an in-memory fake.
type Store interface {
	// Idempotency ledger keyed by (filename, content hash).
	FindIngestRun(ctx context.Context, filename, contentHash string) (batchID string, found bool, err error)
	RecordIngestRun(ctx context.Context, filename, contentHash, batchID string) error

	CreateBatch(ctx context.Context, b *Batch) error
	ClaimBatch(ctx context.Context, batchID, workerID string) error
	TouchBatch(ctx context.Context, batchID string) error
	CompleteBatch(ctx context.Context, batchID string, totals BatchTotals, stats map[string]any) error
	FailBatch(ctx context.Context, batchID, errorSummary string, totals BatchTotals, stats map[string]any) error

	UpsertRowLog(ctx context.Context, entry *RowLog) error
	UpsertJudgment(ctx context.Context, j *Judgment) (UpsertResult, error)

	// EnqueueJob queues a best-effort downstream job (enrichment, graph).
	EnqueueJob(ctx context.Context, jobType string, payload map[string]any) error

	// StaleProcessingBatches returns processing batches not touched since the
	// cutoff. Used by the guardian.
	StaleProcessingBatches(ctx context.Context, cutoff time.Time) ([]Batch, error)
	MarkBatchTimedOut(ctx context.Context, batchID, errorSummary string) error
}
