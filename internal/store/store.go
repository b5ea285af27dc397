package store

import (
	"context"
	"errors"

	"github.com/seantiz/blockio/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// JobStats holds aggregate job statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	BytesTotal    int64          `json:"bytes_total"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs and their chunk digests.
type Store interface {
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJobStatus(ctx context.Context, id, status, errMsg string) error
	UpdateJobGeometry(ctx context.Context, id string, sizeBytes, chunksTotal int64) error
	UpdateJobProgress(ctx context.Context, id string, chunksDone, mismatches int64) error
	GetJobStats(ctx context.Context) (*JobStats, error)
	InsertDigests(ctx context.Context, digests []model.ChunkDigest) error
	GetDigests(ctx context.Context, jobID string) ([]model.ChunkDigest, error)
	Close() error
}
