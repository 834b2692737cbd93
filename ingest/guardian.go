package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/dragonfly-ops/dragonfly/notify"
	"github.com/dragonfly-ops/dragonfly/wscutils"
)

// DefaultStaleWindow is how long a processing batch may go untouched before
// the guardian declares it dead.
const DefaultStaleWindow = 5 * time.Minute

// Guardian recovers batches stuck in processing. It only performs batch
// bookkeeping and a log entry; it never drops row data.
type Guardian struct {
	store       Store
	logger      *logharbour.Logger
	notifier    notify.Notifier
	staleWindow time.Duration
}

// NewGuardian builds a guardian with the given stale window; zero or
// negative falls back to the default.
func NewGuardian(store Store, lg *logharbour.Logger, notifier notify.Notifier, staleWindow time.Duration) *Guardian {
	if staleWindow <= 0 {
		staleWindow = DefaultStaleWindow
	}
	return &Guardian{store: store, logger: lg, notifier: notifier, staleWindow: staleWindow}
}

// Report is the outcome of one guardian tick.
type Report struct {
	Checked      int      `json:"checked"`
	MarkedFailed int      `json:"marked_failed"`
	Errors       []string `json:"errors"`
}

// Run performs one scan. Errors inside the loop are captured in the report
// and do not abort the remaining batches.
func (g *Guardian) Run(ctx context.Context) (*Report, error) {
	report := &Report{Errors: []string{}}

	cutoff := time.Now().UTC().Add(-g.staleWindow)
	stale, err := g.store.StaleProcessingBatches(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("scan for stale batches: %w", err)
	}
	report.Checked = len(stale)

	summary := fmt.Sprintf("Guardian detected timeout (> %d minutes)", int(g.staleWindow.Minutes()))
	for _, batch := range stale {
		if err := g.store.MarkBatchTimedOut(ctx, batch.ID, summary); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("batch %s: %v", batch.ID, err))
			continue
		}

		code := wscutils.ErrCodeBatch
		details := summary
		entry := &RowLog{
			BatchID:      batch.ID,
			RowIndex:     nil, // batch-level entry, no row
			Status:       RowStatusError,
			ErrorCode:    &code,
			ErrorDetails: &details,
		}
		if err := g.store.UpsertRowLog(ctx, entry); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("batch %s log: %v", batch.ID, err))
		}

		report.MarkedFailed++
		g.logger.WithModule("guardian").Warn().LogActivity("stale batch marked failed", map[string]any{
			"batch_id": batch.ID,
			"filename": batch.Filename,
			"source":   batch.Source,
		})
		if g.notifier != nil {
			if err := g.notifier.Send(ctx, "stale batch recovered",
				fmt.Sprintf("batch %s (%s) marked failed: %s", batch.ID, batch.Filename, summary)); err != nil {
				g.logger.WithModule("guardian").Warn().LogActivity("alert not delivered", map[string]any{
					"batch_id": batch.ID,
					"error":    err.Error(),
				})
			}
		}
	}
	return report, nil
}
