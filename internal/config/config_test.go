package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"slices"
	"testing"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/engine"
)

var allEnv = []string{
	envListenAddr, envDBPath, envLogLevel, envChunkSize, envSimultaneousReads,
	envSimultaneousWrites, envHashFunction, envMemoryPools, envFileRoot,
	envSQLitePath, envRedisURL, envRemoteAddr, envReadBWLimit, envWriteBWLimit,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.ChunkSize != 4<<20 {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, 4<<20)
	}
	if cfg.SimultaneousReads != 10 || cfg.SimultaneousWrites != 1 {
		t.Errorf("workers = %d/%d, want 10/1", cfg.SimultaneousReads, cfg.SimultaneousWrites)
	}
	if cfg.HashFunction != "sha512" {
		t.Errorf("HashFunction = %q, want sha512", cfg.HashFunction)
	}
	if !slices.Equal(cfg.MemoryPools, []string{"rbd"}) {
		t.Errorf("MemoryPools = %v, want [rbd]", cfg.MemoryPools)
	}
	if cfg.FileRoot != "" || cfg.RedisURL != "" || cfg.ReadBWLimit != 0 {
		t.Error("optional backends configured by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envChunkSize, "64KiB")
	t.Setenv(envSimultaneousReads, "4")
	t.Setenv(envSimultaneousWrites, "2")
	t.Setenv(envHashFunction, "xxh3")
	t.Setenv(envNewImageFeatures, "layering, exclusive-lock")
	t.Setenv(envMemoryPools, "rbd,backup")
	t.Setenv(envRedisURL, "redis://localhost:6379/0")
	t.Setenv(envReadBWLimit, "10MiB")
	t.Setenv(envWriteBWLimit, "1 MB")

	cfg := Load()

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ChunkSize != 64<<10 {
		t.Errorf("ChunkSize = %d, want %d", cfg.ChunkSize, 64<<10)
	}
	if cfg.SimultaneousReads != 4 || cfg.SimultaneousWrites != 2 {
		t.Errorf("workers = %d/%d, want 4/2", cfg.SimultaneousReads, cfg.SimultaneousWrites)
	}
	if !slices.Equal(cfg.NewImageFeatures, []string{"layering", "exclusive-lock"}) {
		t.Errorf("NewImageFeatures = %v", cfg.NewImageFeatures)
	}
	if !slices.Equal(cfg.MemoryPools, []string{"rbd", "backup"}) {
		t.Errorf("MemoryPools = %v", cfg.MemoryPools)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.ReadBWLimit != 10<<20 {
		t.Errorf("ReadBWLimit = %d, want %d", cfg.ReadBWLimit, 10<<20)
	}
	if cfg.WriteBWLimit != 1_000_000 {
		t.Errorf("WriteBWLimit = %d, want 1000000", cfg.WriteBWLimit)
	}
}

func TestLoadInvalidFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv(envChunkSize, "huge")
	t.Setenv(envSimultaneousReads, "-3")
	t.Setenv(envSimultaneousWrites, "many")

	cfg := Load()

	if cfg.ChunkSize != engine.DefaultChunkSize {
		t.Errorf("ChunkSize = %d, want default", cfg.ChunkSize)
	}
	if cfg.SimultaneousReads != engine.DefaultSimultaneousReads || cfg.SimultaneousWrites != engine.DefaultSimultaneousWrites {
		t.Errorf("workers = %d/%d, want defaults", cfg.SimultaneousReads, cfg.SimultaneousWrites)
	}
}

func TestEmptyFeatureList(t *testing.T) {
	clearEnv(t)
	t.Setenv(envNewImageFeatures, "")

	ec, err := Load().EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if ec.NewImageFeatures != 0 {
		t.Errorf("NewImageFeatures = %v, want none", ec.NewImageFeatures)
	}
}

func TestEngineConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv(envNewImageFeatures, "layering,exclusive-lock")
	cfg := Load()

	ec, err := cfg.EngineConfig()
	if err != nil {
		t.Fatalf("EngineConfig: %v", err)
	}
	if ec.ChunkSize != cfg.ChunkSize || ec.SimultaneousReads != cfg.SimultaneousReads {
		t.Errorf("EngineConfig = %+v", ec)
	}
	if ec.Hash == nil {
		t.Error("Hash not set")
	}
	if want := backend.FeatureLayering | backend.FeatureExclusiveLock; ec.NewImageFeatures != want {
		t.Errorf("NewImageFeatures = %v, want %v", ec.NewImageFeatures, want)
	}

	cfg.HashFunction = "md4"
	if _, err := cfg.EngineConfig(); err == nil {
		t.Error("EngineConfig accepted an unknown hash function")
	}
	cfg.HashFunction = "sha512"
	cfg.NewImageFeatures = []string{"teleport"}
	if _, err := cfg.EngineConfig(); err == nil {
		t.Error("EngineConfig accepted an unknown feature")
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"4MiB", 4 << 20, true},
		{"512k", 512_000, true},
		{"65536", 65536, true},
		{"1 GiB", 1 << 30, true},
		{"lots", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v; want %d, ok=%v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := ParseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
}
