package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/blockio/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    kind         TEXT NOT NULL,
    status       TEXT NOT NULL,
    source       TEXT NOT NULL,
    target       TEXT NOT NULL DEFAULT '',
    reference    TEXT NOT NULL DEFAULT '',
    force        INTEGER NOT NULL DEFAULT 0,
    chunk_size   INTEGER NOT NULL,
    size_bytes   INTEGER NOT NULL DEFAULT 0,
    chunks_total INTEGER NOT NULL DEFAULT 0,
    chunks_done  INTEGER NOT NULL DEFAULT 0,
    mismatches   INTEGER NOT NULL DEFAULT 0,
    error        TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createDigestsTable = `
CREATE TABLE IF NOT EXISTS chunk_digests (
    job_id   TEXT NOT NULL REFERENCES jobs(id),
    chunk_id INTEGER NOT NULL,
    digest   TEXT NOT NULL,
    PRIMARY KEY (job_id, chunk_id)
)`

const jobColumns = `id, kind, status, source, target, reference, force, chunk_size,
	size_bytes, chunks_total, chunks_done, mismatches, error,
	created_at, started_at, finished_at`

// ErrNotFound is returned when a job is not found.
var ErrNotFound = errors.New("job not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, ddl := range map[string]string{"jobs": createJobsTable, "chunk_digests": createDigestsTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*model.Job, error) {
	j := &model.Job{}
	err := row.Scan(
		&j.ID, &j.Kind, &j.Status, &j.Source, &j.Target, &j.Reference, &j.Force, &j.ChunkSize,
		&j.SizeBytes, &j.ChunksTotal, &j.ChunksDone, &j.Mismatches, &j.Error,
		&j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	return j, err
}

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, j.Status, j.Source, j.Target, j.Reference, j.Force, j.ChunkSize,
		j.SizeBytes, j.ChunksTotal, j.ChunksDone, j.Mismatches, j.Error,
		j.CreatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC,
// along with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobStatus moves a job to status. Entering running sets started_at;
// entering a terminal status sets finished_at and records errMsg.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.StatusCompleted, model.StatusFailed:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, error = ?, finished_at = ? WHERE id = ?", status, errMsg, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE jobs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return tx.Commit()
}

// UpdateJobGeometry records the source size and chunk count once known.
func (s *SQLiteStore) UpdateJobGeometry(ctx context.Context, id string, sizeBytes, chunksTotal int64) error {
	return s.exec1(ctx, "update job geometry",
		"UPDATE jobs SET size_bytes = ?, chunks_total = ? WHERE id = ?", sizeBytes, chunksTotal, id)
}

// UpdateJobProgress records how many chunks are done and how many mismatched.
func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, chunksDone, mismatches int64) error {
	return s.exec1(ctx, "update job progress",
		"UPDATE jobs SET chunks_done = ?, mismatches = ? WHERE id = ?", chunksDone, mismatches, id)
}

// exec1 runs an update that must touch exactly one job row.
func (s *SQLiteStore) exec1(ctx context.Context, what, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobStats aggregates job counts, total bytes of completed jobs and the
// average duration of finished jobs.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	for _, q := range []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.CountByStatus},
		{"kind", stats.CountByKind},
	} {
		rows, err := s.db.QueryContext(ctx, "SELECT "+q.column+", COUNT(*) FROM jobs GROUP BY "+q.column)
		if err != nil {
			return nil, fmt.Errorf("count by %s: %w", q.column, err)
		}
		for rows.Next() {
			var key string
			var n int
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan count by %s: %w", q.column, err)
			}
			q.into[key] = n
			if q.column == "status" {
				stats.Total += n
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate count by %s: %w", q.column, err)
		}
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(size_bytes), 0) FROM jobs WHERE status = ?", model.StatusCompleted,
	).Scan(&stats.BytesTotal); err != nil {
		return nil, fmt.Errorf("sum bytes: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT started_at, finished_at FROM jobs WHERE started_at IS NOT NULL AND finished_at IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()
	var sum time.Duration
	var n int
	for rows.Next() {
		var started, finished time.Time
		if err := rows.Scan(&started, &finished); err != nil {
			return nil, fmt.Errorf("scan durations: %w", err)
		}
		sum += finished.Sub(started)
		n++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	if n > 0 {
		stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(n)
	}

	return stats, nil
}

// InsertDigests records chunk digests in one transaction. A digest
// recorded again for the same job and chunk replaces the earlier one.
func (s *SQLiteStore) InsertDigests(ctx context.Context, digests []model.ChunkDigest) error {
	if len(digests) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO chunk_digests (job_id, chunk_id, digest) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert digest: %w", err)
	}
	defer stmt.Close()

	for _, d := range digests {
		if _, err := stmt.ExecContext(ctx, d.JobID, int64(d.ChunkID), d.Digest); err != nil {
			return fmt.Errorf("insert digest for chunk %d: %w", d.ChunkID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit digests: %w", err)
	}
	return nil
}

// GetDigests returns the digests recorded for jobID ordered by chunk id.
func (s *SQLiteStore) GetDigests(ctx context.Context, jobID string) ([]model.ChunkDigest, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT job_id, chunk_id, digest FROM chunk_digests WHERE job_id = ? ORDER BY chunk_id", jobID)
	if err != nil {
		return nil, fmt.Errorf("get digests: %w", err)
	}
	defer rows.Close()

	var digests []model.ChunkDigest
	for rows.Next() {
		var d model.ChunkDigest
		var chunkID int64
		if err := rows.Scan(&d.JobID, &chunkID, &d.Digest); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		d.ChunkID = uint64(chunkID)
		digests = append(digests, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digests: %w", err)
	}
	return digests, nil
}
