package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/backend/bwlimit"
	"github.com/seantiz/blockio/internal/backend/file"
	"github.com/seantiz/blockio/internal/backend/memory"
	"github.com/seantiz/blockio/internal/backend/redis"
	"github.com/seantiz/blockio/internal/backend/remote"
	"github.com/seantiz/blockio/internal/backend/sqlite"
)

// Volume reference schemes of the configured backends.
const (
	SchemeMemory = "memory"
	SchemeFile   = "file"
	SchemeSQLite = "sqlite"
	SchemeRedis  = "redis"
	SchemeRemote = "remote"
)

// OpenBackends builds a registry holding the memory backend and every other
// backend the configuration names. Bandwidth limits wrap each of them. On
// error the backends opened so far are closed.
func (c Config) OpenBackends(ctx context.Context, logger *slog.Logger) (*backend.Registry, error) {
	reg := backend.NewRegistry()
	add := func(scheme string, b backend.Backend) {
		if c.ReadBWLimit > 0 || c.WriteBWLimit > 0 {
			b = bwlimit.New(b, c.ReadBWLimit, c.WriteBWLimit)
		}
		reg.Register(scheme, b)
		logger.Info("backend registered", "scheme", scheme, "name", b.Capabilities().Name)
	}
	fail := func(scheme string, err error) (*backend.Registry, error) {
		if cerr := reg.Close(); cerr != nil {
			logger.Warn("close backends", "error", cerr)
		}
		return nil, fmt.Errorf("open %s backend: %w", scheme, err)
	}

	add(SchemeMemory, memory.New(c.MemoryPools...))

	if c.FileRoot != "" {
		b, err := file.New(c.FileRoot)
		if err != nil {
			return fail(SchemeFile, err)
		}
		add(SchemeFile, b)
	}
	if c.SQLitePath != "" {
		b, err := sqlite.New(c.SQLitePath)
		if err != nil {
			return fail(SchemeSQLite, err)
		}
		add(SchemeSQLite, b)
	}
	if c.RedisURL != "" {
		b, err := redis.New(ctx, c.RedisURL)
		if err != nil {
			return fail(SchemeRedis, err)
		}
		add(SchemeRedis, b)
	}
	if c.RemoteAddr != "" {
		b, err := remote.New(ctx, c.RemoteAddr)
		if err != nil {
			return fail(SchemeRemote, err)
		}
		add(SchemeRemote, b)
	}
	return reg, nil
}
