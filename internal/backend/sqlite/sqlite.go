// Package sqlite stores striped images in a SQLite database. Object payloads
// are zstd-compressed; sparse regions take no space.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/striped"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS pools (
    name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS images (
    pool        TEXT NOT NULL,
    image       TEXT NOT NULL,
    size        INTEGER NOT NULL,
    object_size INTEGER NOT NULL,
    features    INTEGER NOT NULL,
    snapshots   TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (pool, image)
);
CREATE TABLE IF NOT EXISTS objects (
    pool     TEXT NOT NULL,
    image    TEXT NOT NULL,
    snapshot TEXT NOT NULL,
    idx      INTEGER NOT NULL,
    data     BLOB NOT NULL,
    PRIMARY KEY (pool, image, snapshot, idx)
)`

// Compile-time interface satisfaction check.
var _ striped.ObjectStore = (*Store)(nil)

// Store implements striped.ObjectStore using SQLite.
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore opens the SQLite database at dbPath and creates the tables.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// New opens a striped backend named "sqlite" over the database at dbPath.
func New(dbPath string, opts ...striped.Option) (*striped.Backend, error) {
	s, err := NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	return striped.New("sqlite", s, opts...), nil
}

func (s *Store) PoolExists(ctx context.Context, pool string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pools WHERE name = ?`, pool).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query pool: %w", err)
	}
	return n > 0, nil
}

func (s *Store) CreatePool(ctx context.Context, pool string) error {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO pools (name) VALUES (?)`, pool)
	if err != nil {
		return fmt.Errorf("insert pool: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", backend.ErrPoolExists, pool)
	}
	return nil
}

func (s *Store) GetImage(ctx context.Context, pool, image string) (striped.ImageInfo, error) {
	info := striped.ImageInfo{Pool: pool, Image: image}
	var (
		features  int64
		snapshots string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT size, object_size, features, snapshots FROM images WHERE pool = ? AND image = ?`,
		pool, image,
	).Scan(&info.Size, &info.ObjectSize, &features, &snapshots)
	if errors.Is(err, sql.ErrNoRows) {
		return striped.ImageInfo{}, fmt.Errorf("%w: %s/%s", backend.ErrVolumeNotFound, pool, image)
	}
	if err != nil {
		return striped.ImageInfo{}, fmt.Errorf("get image: %w", err)
	}
	info.Features = uint64(features)
	if err := json.Unmarshal([]byte(snapshots), &info.Snapshots); err != nil {
		return striped.ImageInfo{}, fmt.Errorf("decode snapshots of %s/%s: %w", pool, image, err)
	}
	return info, nil
}

func (s *Store) PutImage(ctx context.Context, info striped.ImageInfo) error {
	snapshots := info.Snapshots
	if snapshots == nil {
		snapshots = map[string]int64{}
	}
	encoded, err := json.Marshal(snapshots)
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO images (pool, image, size, object_size, features, snapshots)
		VALUES (?, ?, ?, ?, ?, ?)`,
		info.Pool, info.Image, info.Size, info.ObjectSize, int64(info.Features), string(encoded),
	)
	if err != nil {
		return fmt.Errorf("put image: %w", err)
	}
	return nil
}

func (s *Store) GetObject(ctx context.Context, key striped.ObjectKey) ([]byte, error) {
	var compressed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM objects WHERE pool = ? AND image = ? AND snapshot = ? AND idx = ?`,
		key.Pool, key.Image, key.Snapshot, int64(key.Index),
	).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	data, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress object %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) PutObject(ctx context.Context, key striped.ObjectKey, data []byte) error {
	compressed := s.enc.EncodeAll(data, nil)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects (pool, image, snapshot, idx, data) VALUES (?, ?, ?, ?, ?)`,
		key.Pool, key.Image, key.Snapshot, int64(key.Index), compressed,
	)
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListObjects(ctx context.Context, pool, image, snapshot string) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT idx FROM objects WHERE pool = ? AND image = ? AND snapshot = ? ORDER BY idx`,
		pool, image, snapshot,
	)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	defer rows.Close()

	var indexes []uint64
	for rows.Next() {
		var idx int64
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan object index: %w", err)
		}
		indexes = append(indexes, uint64(idx))
	}
	return indexes, rows.Err()
}

// Close releases the codec and the database connection.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
