package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/distguard/internal/errors"
	"github.com/andresmejia3/distguard/internal/proximity"
)

// ErrNotFound is returned when no source matches an ID or prefix.
var ErrNotFound = errors.New("source not found")

// ErrAmbiguous is returned when a prefix matches more than one source.
var ErrAmbiguous = errors.New("ambiguous source prefix")

// Store manages the PostgreSQL connection holding analysis results.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, errors.Wrap(err, "failed to initialize database schema")
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sources (
			id TEXT PRIMARY KEY,
			address TEXT NOT NULL,
			camera TEXT NOT NULL DEFAULT '',
			label TEXT NOT NULL DEFAULT '',
			analyzed_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS runs (
			id UUID PRIMARY KEY,
			source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			safe_distance DOUBLE PRECISION NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			frames INT NOT NULL DEFAULT 0,
			failures INT NOT NULL DEFAULT 0,
			cancelled BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT NOT NULL DEFAULT ''
		);
		ALTER TABLE runs ADD COLUMN IF NOT EXISTS error TEXT NOT NULL DEFAULT '';
		CREATE TABLE IF NOT EXISTS frame_statistics (
			run_id UUID NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
			frame INT NOT NULL,
			timestamp_s DOUBLE PRECISION NOT NULL,
			total INT NOT NULL,
			safe INT NOT NULL,
			unsafe INT NOT NULL,
			violations INT NOT NULL,
			violation_clusters INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS frame_statistics_source_idx ON frame_statistics (source_id, frame);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Source is an analysed video file or stream.
type Source struct {
	ID         string
	Address    string
	Camera     string
	Label      string
	AnalyzedAt time.Time
	Frames     int
}

// FrameRecord is the stored statistics of one analysed frame.
type FrameRecord struct {
	RunID     uuid.UUID
	SourceID  string
	Frame     int
	Timestamp time.Duration
	Stats     proximity.Statistics
}

// RunResult is what a finished run reports back.
type RunResult struct {
	Frames    int
	Failures  int
	Cancelled bool
	// Error is the reason the run was aborted, empty when it ended normally.
	Error string
}

// Summary aggregates a source's stored statistics.
type Summary struct {
	SourceID        string
	Frames          int
	PeakUnsafe      int
	MeanUnsafe      float64
	PeakClusters    int
	TotalViolations int
	// PeakFrame is the first frame reaching PeakUnsafe.
	PeakFrame     int
	PeakTimestamp time.Duration
}

// EnsureSource registers the source in the database. If it exists, previous
// results are removed so a re-analysis does not duplicate rows.
func (s *Store) EnsureSource(ctx context.Context, id, address, camera string) error {
	if _, err := s.conn.Exec(ctx, "DELETE FROM runs WHERE source_id = $1", id); err != nil {
		return err
	}

	_, err := s.conn.Exec(ctx, `
		INSERT INTO sources (id, address, camera, analyzed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET analyzed_at = NOW(), address = EXCLUDED.address, camera = EXCLUDED.camera
	`, id, address, camera)
	return err
}

// StartRun records the start of an analysis and returns its ID.
func (s *Store) StartRun(ctx context.Context, sourceID string, safeDistance float64) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO runs (id, source_id, safe_distance) VALUES ($1, $2, $3)
	`, id, sourceID, safeDistance)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to start run")
	}
	return id, nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, res RunResult) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE runs SET finished_at = NOW(), frames = $2, failures = $3, cancelled = $4, error = $5 WHERE id = $1
	`, id, res.Frames, res.Failures, res.Cancelled, res.Error)
	return err
}

// InsertStatistics bulk-loads a batch of frame records.
func (s *Store) InsertStatistics(ctx context.Context, records []FrameRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := s.conn.CopyFrom(ctx,
		pgx.Identifier{"frame_statistics"},
		[]string{"run_id", "source_id", "frame", "timestamp_s", "total", "safe", "unsafe", "violations", "violation_clusters"},
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			r := records[i]
			return []any{
				r.RunID, r.SourceID, r.Frame, r.Timestamp.Seconds(),
				r.Stats.Total, r.Stats.Safe, r.Stats.Unsafe, r.Stats.Violations, r.Stats.ViolationClusters,
			}, nil
		}),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to insert %d frame records", len(records))
	}
	return nil
}

// LabelSource assigns a human readable name to a source.
func (s *Store) LabelSource(ctx context.Context, id, label string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE sources SET label = $1 WHERE id = $2", label, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(ErrNotFound, "%q", id)
	}
	return nil
}

// ListSources returns every source with the number of stored frames, newest first.
func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT s.id, s.address, s.camera, s.label, s.analyzed_at, COUNT(f.frame)
		FROM sources s
		LEFT JOIN frame_statistics f ON f.source_id = s.id
		GROUP BY s.id
		ORDER BY s.analyzed_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.Address, &src.Camera, &src.Label, &src.AnalyzedAt, &src.Frames); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// ResolveSource expands an ID prefix or a label to a full source ID.
func (s *Store) ResolveSource(ctx context.Context, ref string) (string, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id FROM sources WHERE starts_with(id, $1) OR (label <> '' AND label = $1) LIMIT 2
	`, ref)
	if err != nil {
		return "", err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", errors.WithHint(errors.Wrapf(ErrNotFound, "%q", ref), "run 'distguard list' to see analysed sources")
	case 1:
		return ids[0], nil
	default:
		return "", errors.Wrapf(ErrAmbiguous, "%q", ref)
	}
}

// SourceStatistics returns the stored frames of a source in frame order.
func (s *Store) SourceStatistics(ctx context.Context, sourceID string) ([]FrameRecord, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT run_id, source_id, frame, timestamp_s, total, safe, unsafe, violations, violation_clusters
		FROM frame_statistics WHERE source_id = $1 ORDER BY frame
	`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []FrameRecord
	for rows.Next() {
		var r FrameRecord
		var ts float64
		if err := rows.Scan(&r.RunID, &r.SourceID, &r.Frame, &ts,
			&r.Stats.Total, &r.Stats.Safe, &r.Stats.Unsafe, &r.Stats.Violations, &r.Stats.ViolationClusters); err != nil {
			return nil, err
		}
		r.Timestamp = time.Duration(ts * float64(time.Second))
		records = append(records, r)
	}
	return records, rows.Err()
}

// SourceSummary aggregates the stored frames of a source.
func (s *Store) SourceSummary(ctx context.Context, sourceID string) (Summary, error) {
	sum := Summary{SourceID: sourceID}
	err := s.conn.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(MAX(unsafe), 0), COALESCE(AVG(unsafe), 0),
		       COALESCE(MAX(violation_clusters), 0), COALESCE(SUM(violations), 0)
		FROM frame_statistics WHERE source_id = $1
	`, sourceID).Scan(&sum.Frames, &sum.PeakUnsafe, &sum.MeanUnsafe, &sum.PeakClusters, &sum.TotalViolations)
	if err != nil {
		return sum, err
	}
	if sum.Frames == 0 {
		return sum, nil
	}

	var ts float64
	err = s.conn.QueryRow(ctx, `
		SELECT frame, timestamp_s FROM frame_statistics
		WHERE source_id = $1 ORDER BY unsafe DESC, frame ASC LIMIT 1
	`, sourceID).Scan(&sum.PeakFrame, &ts)
	if err != nil {
		return sum, err
	}
	sum.PeakTimestamp = time.Duration(ts * float64(time.Second))
	return sum, nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS frame_statistics CASCADE;
		DROP TABLE IF EXISTS runs CASCADE;
		DROP TABLE IF EXISTS sources CASCADE;
	`)
	return err
}
