// Package redis stores striped images in Redis. Pools are members of a set,
// image metadata lives in hashes and each written object is a binary string
// key indexed by a sorted set per image head or snapshot.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/striped"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "blockio"

// Compile-time interface satisfaction check.
var _ striped.ObjectStore = (*Store)(nil)

// Store implements striped.ObjectStore on a Redis client.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// NewStore wraps rdb. Keys are created under prefix.
func NewStore(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", url, err)
	}
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.ReadTimeout = 30 * time.Second
	opt.WriteTimeout = 5 * time.Second

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping %s: %w", opt.Addr, err)
	}
	return rdb, nil
}

// New connects to url and returns a striped backend named "redis".
func New(ctx context.Context, url string, opts ...striped.Option) (*striped.Backend, error) {
	rdb, err := Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return striped.New("redis", NewStore(rdb, DefaultPrefix), opts...), nil
}

func (s *Store) poolsKey() string {
	return s.prefix + ":pools"
}

func (s *Store) imageKey(pool, image string) string {
	return s.prefix + ":image:" + pool + "/" + image
}

func (s *Store) indexKey(pool, image, snapshot string) string {
	return s.prefix + ":objects:" + pool + "/" + image + "@" + snapshot
}

func (s *Store) objectKey(key striped.ObjectKey) string {
	return s.prefix + ":object:" + key.String()
}

func (s *Store) PoolExists(ctx context.Context, pool string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.poolsKey(), pool).Result()
	if err != nil {
		return false, fmt.Errorf("query pool: %w", err)
	}
	return ok, nil
}

func (s *Store) CreatePool(ctx context.Context, pool string) error {
	added, err := s.rdb.SAdd(ctx, s.poolsKey(), pool).Result()
	if err != nil {
		return fmt.Errorf("add pool: %w", err)
	}
	if added == 0 {
		return fmt.Errorf("%w: %s", backend.ErrPoolExists, pool)
	}
	return nil
}

func (s *Store) GetImage(ctx context.Context, pool, image string) (striped.ImageInfo, error) {
	fields, err := s.rdb.HGetAll(ctx, s.imageKey(pool, image)).Result()
	if err != nil {
		return striped.ImageInfo{}, fmt.Errorf("get image: %w", err)
	}
	if len(fields) == 0 {
		return striped.ImageInfo{}, fmt.Errorf("%w: %s/%s", backend.ErrVolumeNotFound, pool, image)
	}

	info := striped.ImageInfo{Pool: pool, Image: image}
	if info.Size, err = strconv.ParseInt(fields["size"], 10, 64); err != nil {
		return striped.ImageInfo{}, fmt.Errorf("parse size of %s/%s: %w", pool, image, err)
	}
	if info.ObjectSize, err = strconv.Atoi(fields["object_size"]); err != nil {
		return striped.ImageInfo{}, fmt.Errorf("parse object size of %s/%s: %w", pool, image, err)
	}
	if info.Features, err = strconv.ParseUint(fields["features"], 10, 64); err != nil {
		return striped.ImageInfo{}, fmt.Errorf("parse features of %s/%s: %w", pool, image, err)
	}
	if raw := fields["snapshots"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &info.Snapshots); err != nil {
			return striped.ImageInfo{}, fmt.Errorf("decode snapshots of %s/%s: %w", pool, image, err)
		}
	}
	return info, nil
}

func (s *Store) PutImage(ctx context.Context, info striped.ImageInfo) error {
	snapshots, err := json.Marshal(info.Snapshots)
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	err = s.rdb.HSet(ctx, s.imageKey(info.Pool, info.Image),
		"size", info.Size,
		"object_size", info.ObjectSize,
		"features", strconv.FormatUint(info.Features, 10),
		"snapshots", string(snapshots),
	).Err()
	if err != nil {
		return fmt.Errorf("put image: %w", err)
	}
	return nil
}

func (s *Store) GetObject(ctx context.Context, key striped.ObjectKey) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.objectKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) PutObject(ctx context.Context, key striped.ObjectKey, data []byte) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.objectKey(key), data, 0)
		pipe.ZAdd(ctx, s.indexKey(key.Pool, key.Image, key.Snapshot), redis.Z{
			Score:  float64(key.Index),
			Member: strconv.FormatUint(key.Index, 10),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *Store) ListObjects(ctx context.Context, pool, image, snapshot string) ([]uint64, error) {
	members, err := s.rdb.ZRange(ctx, s.indexKey(pool, image, snapshot), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	indexes := make([]uint64, 0, len(members))
	for _, m := range members {
		idx, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse object index %q: %w", m, err)
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
