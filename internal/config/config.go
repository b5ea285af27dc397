package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/chunkhash"
	"github.com/seantiz/blockio/internal/engine"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "blockio.db"
	defaultHashFunction     = chunkhash.Default
	defaultNewImageFeatures = "layering"
	defaultMemoryPools      = "rbd"

	envListenAddr         = "BLOCKIO_LISTEN_ADDR"
	envDBPath             = "BLOCKIO_DB_PATH"
	envLogLevel           = "BLOCKIO_LOG_LEVEL"
	envChunkSize          = "BLOCKIO_CHUNK_SIZE"
	envSimultaneousReads  = "BLOCKIO_SIMULTANEOUS_READS"
	envSimultaneousWrites = "BLOCKIO_SIMULTANEOUS_WRITES"
	envHashFunction       = "BLOCKIO_HASH_FUNCTION"
	envNewImageFeatures   = "BLOCKIO_NEW_IMAGE_FEATURES"
	envMemoryPools        = "BLOCKIO_MEMORY_POOLS"
	envFileRoot           = "BLOCKIO_FILE_ROOT"
	envSQLitePath         = "BLOCKIO_SQLITE_PATH"
	envRedisURL           = "BLOCKIO_REDIS_URL"
	envRemoteAddr         = "BLOCKIO_REMOTE_ADDR"
	envReadBWLimit        = "BLOCKIO_READ_BWLIMIT"
	envWriteBWLimit       = "BLOCKIO_WRITE_BWLIMIT"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// Engine settings.
	ChunkSize          int
	SimultaneousReads  int
	SimultaneousWrites int
	HashFunction       string
	NewImageFeatures   []string

	// Backends. An empty value leaves the backend unregistered, except for
	// the memory backend which is always available.
	MemoryPools []string
	FileRoot    string
	SQLitePath  string
	RedisURL    string
	RemoteAddr  string

	// Bandwidth limits in bytes per second applied to every backend.
	// Zero means unlimited.
	ReadBWLimit  int64
	WriteBWLimit int64
}

// Load reads configuration from environment variables with sensible defaults.
// Unparseable values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:         defaultListenAddr,
		DBPath:             defaultDBPath,
		LogLevel:           slog.LevelInfo,
		ChunkSize:          engine.DefaultChunkSize,
		SimultaneousReads:  engine.DefaultSimultaneousReads,
		SimultaneousWrites: engine.DefaultSimultaneousWrites,
		HashFunction:       defaultHashFunction,
		NewImageFeatures:   splitList(defaultNewImageFeatures),
		MemoryPools:        splitList(defaultMemoryPools),
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envChunkSize); v != "" {
		if n, err := ParseSize(v); err == nil && n > 0 {
			cfg.ChunkSize = int(n)
		}
	}
	if v := os.Getenv(envSimultaneousReads); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SimultaneousReads = n
		}
	}
	if v := os.Getenv(envSimultaneousWrites); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.SimultaneousWrites = n
		}
	}
	if v := os.Getenv(envHashFunction); v != "" {
		cfg.HashFunction = v
	}
	if v, ok := os.LookupEnv(envNewImageFeatures); ok {
		cfg.NewImageFeatures = splitList(v)
	}
	if v := os.Getenv(envMemoryPools); v != "" {
		cfg.MemoryPools = splitList(v)
	}
	cfg.FileRoot = os.Getenv(envFileRoot)
	cfg.SQLitePath = os.Getenv(envSQLitePath)
	cfg.RedisURL = os.Getenv(envRedisURL)
	cfg.RemoteAddr = os.Getenv(envRemoteAddr)
	if v := os.Getenv(envReadBWLimit); v != "" {
		if n, err := ParseSize(v); err == nil {
			cfg.ReadBWLimit = n
		}
	}
	if v := os.Getenv(envWriteBWLimit); v != "" {
		if n, err := ParseSize(v); err == nil {
			cfg.WriteBWLimit = n
		}
	}

	return cfg
}

// EngineConfig derives the engine configuration. It fails for an unknown
// hash function or image feature.
func (c Config) EngineConfig() (engine.Config, error) {
	hash, err := chunkhash.Lookup(c.HashFunction)
	if err != nil {
		return engine.Config{}, err
	}
	features, err := backend.ParseFeatures(c.NewImageFeatures)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		ChunkSize:          c.ChunkSize,
		SimultaneousReads:  c.SimultaneousReads,
		SimultaneousWrites: c.SimultaneousWrites,
		Hash:               hash,
		NewImageFeatures:   features,
	}, nil
}

// ParseSize parses a byte count such as "4MiB", "512k" or "65536".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("parse size %q: too large", s)
	}
	return int64(n), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
