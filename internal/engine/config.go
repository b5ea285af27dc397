package engine

import (
	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/chunkhash"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultChunkSize          = 4 << 20
	DefaultSimultaneousReads  = 10
	DefaultSimultaneousWrites = 1

	// QueueSlack is added to the worker count to size bounded queues.
	QueueSlack = 20
)

// Config controls an Engine.
type Config struct {
	// ChunkSize is the size in bytes of every chunk but a volume's last.
	ChunkSize int

	SimultaneousReads  int
	SimultaneousWrites int

	// ResultQueueDepth and WriteQueueDepth bound the result and write
	// queues. Zero means worker count plus QueueSlack. The result queue
	// never holds fewer slots than there are readers.
	ResultQueueDepth int
	WriteQueueDepth  int

	// Hash computes chunk digests. Nil means chunkhash.Default.
	Hash chunkhash.Func

	// NewImageFeatures is applied to images created by OpenWrite.
	NewImageFeatures backend.Features
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SimultaneousReads <= 0 {
		c.SimultaneousReads = DefaultSimultaneousReads
	}
	if c.SimultaneousWrites <= 0 {
		c.SimultaneousWrites = DefaultSimultaneousWrites
	}
	if c.ResultQueueDepth <= 0 {
		c.ResultQueueDepth = c.SimultaneousReads + QueueSlack
	}
	c.ResultQueueDepth = max(c.ResultQueueDepth, c.SimultaneousReads)
	if c.WriteQueueDepth <= 0 {
		c.WriteQueueDepth = c.SimultaneousWrites + QueueSlack
	}
	if c.Hash == nil {
		c.Hash, _ = chunkhash.Lookup(chunkhash.Default)
	}
	return c
}
