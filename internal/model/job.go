package model

import "time"

// Job status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job kind constants.
const (
	KindCopy     = "copy"
	KindChecksum = "checksum"
	KindVerify   = "verify"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidKind reports whether k names a known job kind.
func ValidKind(k string) bool {
	switch k {
	case KindCopy, KindChecksum, KindVerify:
		return true
	}
	return false
}

// Job is a recorded pass over one or two volumes: a copy from source to
// target, a checksum pass over a source, or a verification of a source
// against the digests of an earlier job.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Source      string     `json:"source"`
	Target      string     `json:"target,omitempty"`
	Reference   string     `json:"reference,omitempty"`
	Force       bool       `json:"force,omitempty"`
	ChunkSize   int        `json:"chunk_size"`
	SizeBytes   int64      `json:"size_bytes"`
	ChunksTotal int64      `json:"chunks_total"`
	ChunksDone  int64      `json:"chunks_done"`
	Mismatches  int64      `json:"mismatches,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ChunkDigest is the digest recorded for one chunk by a job.
type ChunkDigest struct {
	JobID   string `json:"job_id"`
	ChunkID uint64 `json:"chunk_id"`
	Digest  string `json:"digest"`
}
