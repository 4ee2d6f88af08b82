package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/seanblong/cuminer/pkg/models"
)

// Store provides methods to interact with the segment store. Reads and
// writes go through separate pools opened from the same DSN: rw for
// writers (window rebuild, CU persistence), ro for everything else, so
// a long phrase-lookup scan never blocks the miner's final write
// transaction.
type Store struct {
	rw *pgxpool.Pool
	ro *pgxpool.Pool
}

// SegmentStore lists Store's segment-reading and canonical-unit
// methods. The window index, phrase lookup and miner packages each
// declare their own narrower interface over Store, so each can be
// exercised against a hand-rolled fake without a live Postgres instance.
type SegmentStore interface {
	OrderedSegmentIDs(ctx context.Context, transcriptID int64) ([]int64, error)
	SegmentTextRange(ctx context.Context, transcriptID, firstSegID, lastSegID int64) (string, error)
	AllOrderedSegments(ctx context.Context, transcriptID int64) ([]models.Segment, error)
	SourceIDs(ctx context.Context, transcriptIDs []int64) (map[int64]string, error)
	InsertCU(ctx context.Context, parent CUWrite, children []CUWrite) (int64, []int64, error)
	ClearCUs(ctx context.Context) error
}

// New creates a new Store instance connected to the given database URL.
// ro connects to the same DSN as rw and forces each session into
// read-only mode after connect.
func New(ctx context.Context, url string) (*Store, error) {
	rwCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	rw, err := pgxpool.NewWithConfig(ctx, rwCfg)
	if err != nil {
		return nil, err
	}

	roCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		rw.Close()
		return nil, err
	}
	roCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET default_transaction_read_only = on")
		return err
	}
	ro, err := pgxpool.NewWithConfig(ctx, roCfg)
	if err != nil {
		rw.Close()
		return nil, err
	}

	return &Store{rw: rw, ro: ro}, nil
}

func (s *Store) Close() {
	s.rw.Close()
	s.ro.Close()
}

// Migrate applies necessary database migrations and schema setup.
func (s *Store) Migrate(ctx context.Context) error {
	const q = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS projects (
  id   BIGSERIAL PRIMARY KEY,
  slug TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS transcripts (
  id         BIGSERIAL PRIMARY KEY,
  project_id BIGINT NOT NULL REFERENCES projects(id),
  source_id  TEXT NOT NULL,
  UNIQUE(project_id, source_id)
);

CREATE TABLE IF NOT EXISTS segments (
  id            BIGSERIAL PRIMARY KEY,
  transcript_id BIGINT NOT NULL REFERENCES transcripts(id),
  start_ms      BIGINT NOT NULL,
  text          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS segments_transcript_order_idx
  ON segments(transcript_id, start_ms, id);

CREATE TABLE IF NOT EXISTS windows (
  id            BIGSERIAL PRIMARY KEY,
  transcript_id BIGINT NOT NULL REFERENCES transcripts(id),
  seg_start_id  BIGINT NOT NULL,
  seg_end_id    BIGINT NOT NULL,
  text          TEXT NOT NULL,
  text_lower    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS windows_text_lower_trgm_idx
  ON windows USING GIN (text_lower gin_trgm_ops);
CREATE INDEX IF NOT EXISTS windows_transcript_idx
  ON windows(transcript_id);

CREATE TABLE IF NOT EXISTS canonical_units (
  id        BIGSERIAL PRIMARY KEY,
  rep_text  TEXT NOT NULL,
  token_len INT  NOT NULL
);
CREATE TABLE IF NOT EXISTS cu_occurrences (
  cu_id            BIGINT NOT NULL REFERENCES canonical_units(id),
  transcript_id    BIGINT NOT NULL REFERENCES transcripts(id),
  segment_start_id BIGINT NOT NULL,
  segment_end_id   BIGINT NOT NULL,
  UNIQUE(cu_id, transcript_id)
);
`
	_, err := s.rw.Exec(ctx, q)
	return err
}

// OrderedSegmentIDs returns a transcript's segment ids in (start_ms,
// id) order, the total order the window index and miner rely on.
func (s *Store) OrderedSegmentIDs(ctx context.Context, transcriptID int64) ([]int64, error) {
	rows, err := s.ro.Query(ctx,
		`SELECT id FROM segments WHERE transcript_id = $1 ORDER BY start_ms, id`,
		transcriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SegmentTextRange returns the space-joined, trimmed text of every
// segment from firstSegID to lastSegID inclusive, in order.
func (s *Store) SegmentTextRange(ctx context.Context, transcriptID, firstSegID, lastSegID int64) (string, error) {
	rows, err := s.ro.Query(ctx,
		`SELECT text FROM segments
		 WHERE transcript_id = $1 AND id BETWEEN $2 AND $3
		 ORDER BY start_ms, id`,
		transcriptID, firstSegID, lastSegID)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	var parts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return "", err
		}
		parts = append(parts, strings.TrimSpace(t))
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.Join(parts, " ")), nil
}

// AllOrderedSegments returns every segment of a transcript, in order,
// for use by the miner's token-level refinement.
func (s *Store) AllOrderedSegments(ctx context.Context, transcriptID int64) ([]models.Segment, error) {
	rows, err := s.ro.Query(ctx,
		`SELECT id, transcript_id, start_ms, text FROM segments
		 WHERE transcript_id = $1 ORDER BY start_ms, id`,
		transcriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []models.Segment
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.ID, &seg.TranscriptID, &seg.StartMS, &seg.Text); err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// SourceIDs joins a set of transcript ids back to their external
// source ids, for the CLI's summary report.
func (s *Store) SourceIDs(ctx context.Context, transcriptIDs []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(transcriptIDs))
	if len(transcriptIDs) == 0 {
		return out, nil
	}

	rows, err := s.ro.Query(ctx,
		`SELECT id, source_id FROM transcripts WHERE id = ANY($1)`,
		transcriptIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var sourceID string
		if err := rows.Scan(&id, &sourceID); err != nil {
			return nil, err
		}
		out[id] = sourceID
	}
	return out, rows.Err()
}

// CUWrite is the row shape InsertCU persists, shared by the parent CU
// and each of its children.
type CUWrite struct {
	RepText     string
	TokenLen    int
	Occurrences []models.CUOccurrence
}

// InsertCU persists one parent canonical unit and zero or more child
// canonical units discovered alongside it, in a single write
// transaction: either the whole group lands, or none of it does.
func (s *Store) InsertCU(ctx context.Context, parent CUWrite, children []CUWrite) (int64, []int64, error) {
	tx, err := s.rw.Begin(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback(ctx)

	parentID, err := insertCUWrite(ctx, tx, parent)
	if err != nil {
		return 0, nil, fmt.Errorf("insert parent cu: %w", err)
	}

	childIDs := make([]int64, 0, len(children))
	for _, c := range children {
		id, err := insertCUWrite(ctx, tx, c)
		if err != nil {
			return 0, nil, fmt.Errorf("insert child cu: %w", err)
		}
		childIDs = append(childIDs, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, nil, err
	}
	return parentID, childIDs, nil
}

func insertCUWrite(ctx context.Context, tx pgx.Tx, w CUWrite) (int64, error) {
	var cuID int64
	err := tx.QueryRow(ctx,
		`INSERT INTO canonical_units (rep_text, token_len) VALUES ($1, $2) RETURNING id`,
		w.RepText, w.TokenLen,
	).Scan(&cuID)
	if err != nil {
		return 0, err
	}

	for _, occ := range w.Occurrences {
		_, err := tx.Exec(ctx,
			`INSERT INTO cu_occurrences (cu_id, transcript_id, segment_start_id, segment_end_id)
			 VALUES ($1, $2, $3, $4)`,
			cuID, occ.TranscriptID, occ.SegmentStartID, occ.SegmentEndID)
		if err != nil {
			return 0, err
		}
	}
	return cuID, nil
}

// ClearCUs deletes all canonical units and their occurrences, in a
// single write transaction.
func (s *Store) ClearCUs(ctx context.Context) error {
	tx, err := s.rw.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM cu_occurrences`); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM canonical_units`); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// WindowsContaining returns every window whose lowercased text
// contains the (already lowercased, already escaped) phrase. Used by
// the phrase lookup package.
func (s *Store) WindowsContaining(ctx context.Context, escapedLowerPhrase string) ([]models.Window, error) {
	rows, err := s.ro.Query(ctx,
		`SELECT id, transcript_id, seg_start_id, seg_end_id, text
		 FROM windows WHERE text_lower LIKE '%' || $1 || '%' ESCAPE '\'`,
		escapedLowerPhrase)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Window
	for rows.Next() {
		var w models.Window
		if err := rows.Scan(&w.ID, &w.TranscriptID, &w.SegStartID, &w.SegEndID, &w.Text); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RebuildWindows replaces the contents of the windows table for the
// given window size in a single pinned-connection transaction, per
// the window index rebuild protocol.
func (s *Store) RebuildWindows(ctx context.Context, k int) (int64, error) {
	conn, err := s.rw.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `LOCK TABLE windows IN EXCLUSIVE MODE`); err != nil {
		return 0, fmt.Errorf("lock windows: %w", err)
	}

	if _, err := tx.Exec(ctx, buildStageSQL(), k); err != nil {
		return 0, fmt.Errorf("stage windows: %w", err)
	}

	var count int64
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM windows_stage`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count staged windows: %w", err)
	}
	if count == 0 {
		return 0, ErrEmptyStaging
	}

	if _, err := tx.Exec(ctx, `DELETE FROM windows`); err != nil {
		return 0, fmt.Errorf("clear windows: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO windows (transcript_id, seg_start_id, seg_end_id, text, text_lower)
		 SELECT transcript_id, seg_start_id, seg_end_id, text, lower(text) FROM windows_stage`,
	); err != nil {
		return 0, fmt.Errorf("swap windows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return count, nil
}

// buildStageSQL returns the staging query using a self-join that
// spans exactly k consecutive row numbers (k bound as $1 at the call
// site via the "rn + $1 - 1" join condition below).
func buildStageSQL() string {
	return `
CREATE TEMP TABLE windows_stage ON COMMIT DROP AS
WITH ordered AS (
  SELECT id, transcript_id, start_ms, text,
         ROW_NUMBER() OVER (PARTITION BY transcript_id ORDER BY start_ms, id) AS rn
  FROM segments
),
spans AS (
  SELECT a.transcript_id AS transcript_id,
         a.id AS seg_start_id,
         b.id AS seg_end_id,
         a.rn AS rn_start,
         b.rn AS rn_end
  FROM ordered a
  JOIN ordered b
    ON a.transcript_id = b.transcript_id AND b.rn = a.rn + $1 - 1
)
SELECT
  s.transcript_id,
  s.seg_start_id,
  s.seg_end_id,
  TRIM(string_agg(o.text, ' ' ORDER BY o.start_ms, o.id)) AS text
FROM spans s
JOIN ordered o
  ON o.transcript_id = s.transcript_id AND o.rn BETWEEN s.rn_start AND s.rn_end
GROUP BY s.transcript_id, s.seg_start_id, s.seg_end_id;
`
}

// ErrEmptyStaging is returned by RebuildWindows when the staged
// window set is empty — the rebuild is refused rather than committing
// an empty windows table.
var ErrEmptyStaging = errors.New("store: staged window set is empty, rebuild refused")

// Ping checks database connectivity on the write pool.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.rw.Ping(ctx)
}
