package stages

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/export"
	"github.com/andresmejia3/distguard/internal/logger"
	"github.com/andresmejia3/distguard/internal/pipeline"
	"github.com/andresmejia3/distguard/internal/store"
)

// ExportCSV appends each frame's statistics to a CSV export.
type ExportCSV struct {
	w *export.CSVWriter
}

func NewExportCSV(w *export.CSVWriter) *ExportCSV {
	return &ExportCSV{w: w}
}

func (e *ExportCSV) Name() string { return "export-csv" }

func (e *ExportCSV) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	if err := e.w.Write(export.Row{Frame: fc.Index, Timestamp: fc.Timestamp, Stats: fc.Stats}); err != nil {
		return pipeline.Fail(err)
	}
	return pipeline.Continue(fc)
}

func (e *ExportCSV) Close() error { return e.w.Close() }

// StatisticsWriter is the part of the store Persist needs.
type StatisticsWriter interface {
	InsertStatistics(ctx context.Context, records []store.FrameRecord) error
}

// DefaultBatchSize is the number of frames Persist buffers per insert.
const DefaultBatchSize = 100

// Persist stores frame statistics in batches.
type Persist struct {
	db      StatisticsWriter
	runID   uuid.UUID
	batch   []store.FrameRecord
	size    int
	written int
	timeout time.Duration
}

// NewPersist buffers up to batchSize records (DefaultBatchSize when < 1)
// of the given run.
func NewPersist(db StatisticsWriter, runID uuid.UUID, batchSize int) *Persist {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Persist{
		db:      db,
		runID:   runID,
		size:    batchSize,
		batch:   make([]store.FrameRecord, 0, batchSize),
		timeout: 10 * time.Second,
	}
}

func (p *Persist) Name() string { return "persist" }

func (p *Persist) Process(ctx context.Context, fc *pipeline.FrameContext) pipeline.Result {
	p.batch = append(p.batch, store.FrameRecord{
		RunID:     p.runID,
		SourceID:  fc.SourceID,
		Frame:     fc.Index,
		Timestamp: fc.Timestamp,
		Stats:     fc.Stats,
	})
	if len(p.batch) >= p.size {
		if err := p.flush(ctx); err != nil {
			return pipeline.Fail(err)
		}
	}
	return pipeline.Continue(fc)
}

func (p *Persist) flush(ctx context.Context) error {
	if len(p.batch) == 0 {
		return nil
	}
	if err := p.db.InsertStatistics(ctx, p.batch); err != nil {
		// Keep the batch; the next flush retries it.
		return errors.Wrap(err, "persisting statistics")
	}
	p.written += len(p.batch)
	logger.Named("persist").Debugw("statistics flushed", logger.FieldCount, len(p.batch))
	p.batch = p.batch[:0]
	return nil
}

// Written is the number of records stored so far.
func (p *Persist) Written() int { return p.written }

// Close writes the remaining records. The run's context may already be
// cancelled, so it uses its own.
func (p *Persist) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.flush(ctx)
}

// Progress advances a progress bar with every finished frame.
type Progress struct {
	bar *progressbar.ProgressBar
}

func NewProgress(bar *progressbar.ProgressBar) *Progress {
	return &Progress{bar: bar}
}

func (p *Progress) Name() string { return "progress" }

func (p *Progress) Process(_ context.Context, fc *pipeline.FrameContext) pipeline.Result {
	p.bar.Set(fc.Index + 1)
	return pipeline.Continue(fc)
}

func (p *Progress) Close() error { return p.bar.Finish() }
