// Package copier runs whole-volume passes on top of the block-I/O engine:
// copying a source volume to a target, recording the digest of every chunk
// of a source, and verifying a source against digests recorded earlier.
package copier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/engine"
	"github.com/seantiz/blockio/internal/model"
)

// flushEvery is the number of digests buffered before they are persisted.
const flushEvery = 512

// ErrNoDigests is returned by Verify when the reference job recorded none.
var ErrNoDigests = errors.New("reference job has no digests")

// DigestStore persists chunk digests. store.SQLiteStore satisfies it.
type DigestStore interface {
	InsertDigests(ctx context.Context, digests []model.ChunkDigest) error
	GetDigests(ctx context.Context, jobID string) ([]model.ChunkDigest, error)
}

// Resolver maps a volume reference scheme to its backend.
// backend.Registry satisfies it.
type Resolver interface {
	Resolve(scheme string) (backend.Backend, error)
}

// Progress is reported after every chunk a pass has finished.
type Progress struct {
	ChunksDone  int64 `json:"chunks_done"`
	ChunksTotal int64 `json:"chunks_total"`
	BytesDone   int64 `json:"bytes_done"`
	Mismatches  int64 `json:"mismatches"`
}

// Options control a single pass.
type Options struct {
	// JobID, when set with a store, is the job the digests are recorded under.
	JobID string

	// Force reuses an existing target volume if it is large enough.
	Force bool

	// ResumeFrom names an earlier copy job. Chunks it recorded a digest for
	// are not read again; their digests are carried over. Implies Force.
	ResumeFrom string

	// OnStart is called once the source size is known.
	OnStart func(sizeBytes, chunksTotal int64)

	// OnProgress is called from the pass goroutine and must not block.
	OnProgress func(Progress)
}

// Result summarizes a finished pass.
type Result struct {
	SizeBytes   int64    `json:"size_bytes"`
	ChunksTotal int64    `json:"chunks_total"`
	ChunksRead  int64    `json:"chunks_read"`
	Carried     int64    `json:"carried"`
	Mismatched  []uint64 `json:"mismatched,omitempty"`
}

// Copier runs one pass at a time and exposes the live status of its engines.
type Copier struct {
	resolver Resolver
	cfg      engine.Config
	store    DigestStore
	logger   *slog.Logger

	mu     sync.Mutex
	source *engine.Engine
	target *engine.Engine
}

// New creates a Copier. store may be nil, in which case digests are not
// persisted and ResumeFrom and Verify are unavailable.
func New(resolver Resolver, cfg engine.Config, store DigestStore, logger *slog.Logger) *Copier {
	return &Copier{resolver: resolver, cfg: cfg, store: store, logger: logger}
}

// Status reports the queue fill and worker activity of the running pass.
// Reader figures come from the source engine, writer figures from the
// target engine.
func (c *Copier) Status() (engine.QueueStatus, engine.ThreadStatus) {
	c.mu.Lock()
	src, dst := c.source, c.target
	c.mu.Unlock()

	var qs engine.QueueStatus
	var ts engine.ThreadStatus
	if src != nil {
		qs.ResultQueueFill = src.QueueStatus().ResultQueueFill
		ts.Readers = src.ThreadStatus().Readers
	}
	if dst != nil {
		qs.WriteQueueFill = dst.QueueStatus().WriteQueueFill
		t := dst.ThreadStatus()
		ts.Writers, ts.WriteQueueLen = t.Writers, t.WriteQueueLen
	}
	return qs, ts
}

func (c *Copier) engineFor(ref string) (*engine.Engine, error) {
	r, err := model.ParseReadRef(ref)
	if err != nil {
		return nil, err
	}
	b, err := c.resolver.Resolve(r.Scheme)
	if err != nil {
		return nil, err
	}
	return engine.New(b, c.cfg, c.logger), nil
}

func (c *Copier) setEngines(src, dst *engine.Engine) {
	c.mu.Lock()
	c.source, c.target = src, dst
	c.mu.Unlock()
}

// Size returns the size in bytes of the volume named by ref.
func (c *Copier) Size(ctx context.Context, ref string) (int64, error) {
	r, err := model.ParseReadRef(ref)
	if err != nil {
		return 0, err
	}
	b, err := c.resolver.Resolve(r.Scheme)
	if err != nil {
		return 0, err
	}
	h, err := b.OpenReadHandle(ctx, r.Pool, r.Image, r.Snapshot)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", r, err)
	}
	defer h.Close()
	return h.Size()
}

// Copy reads every chunk of src and writes it to dst. The target is
// created with the source's size unless it exists, in which case Force (or
// ResumeFrom) must be set and the target must be large enough.
func (c *Copier) Copy(ctx context.Context, src, dst string, opts Options) (*Result, error) {
	var carried map[uint64]string
	if opts.ResumeFrom != "" {
		if c.store == nil {
			return nil, errors.New("resume needs a digest store")
		}
		var err error
		if carried, err = c.loadDigests(ctx, opts.ResumeFrom); err != nil {
			return nil, err
		}
		opts.Force = true
	}

	target, err := c.engineFor(dst)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = c.pass(ctx, src, opts, carried, func(p *pass) error {
		if err := target.OpenWrite(ctx, dst, p.size, opts.Force); err != nil {
			return err
		}
		c.setEngines(p.source, target)
		p.closers = append(p.closers, target.Close)
		return nil
	}, func(p *pass, r model.ReadResult) error {
		chunk := model.Chunk{ID: r.ChunkID}
		digest := r.Digest
		return target.Write(chunk, r.Data, func() {
			p.record(r.ChunkID, digest, int64(len(r.Data)))
		})
	}, &res)
	return res, err
}

// Checksum reads every chunk of src and records its digest.
func (c *Copier) Checksum(ctx context.Context, src string, opts Options) (*Result, error) {
	var res *Result
	err := c.pass(ctx, src, opts, nil, nil, func(p *pass, r model.ReadResult) error {
		p.record(r.ChunkID, r.Digest, int64(len(r.Data)))
		return nil
	}, &res)
	return res, err
}

// Verify reads every chunk of src and compares its digest with the one
// recorded by the reference job. Chunks without a recorded digest count as
// mismatches. The mismatching chunk ids are returned in ascending order.
func (c *Copier) Verify(ctx context.Context, src, reference string, opts Options) (*Result, error) {
	if c.store == nil {
		return nil, errors.New("verify needs a digest store")
	}
	want, err := c.loadDigests(ctx, reference)
	if err != nil {
		return nil, err
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoDigests, reference)
	}

	var res *Result
	err = c.pass(ctx, src, opts, nil, nil, func(p *pass, r model.ReadResult) error {
		if want[r.ChunkID] != r.Digest {
			p.mismatch(r.ChunkID)
			c.logger.Warn("chunk mismatch", "volume", src, "chunk", r.ChunkID,
				"want", want[r.ChunkID], "got", r.Digest)
		}
		p.record(r.ChunkID, r.Digest, int64(len(r.Data)))
		return nil
	}, &res)
	return res, err
}

func (c *Copier) loadDigests(ctx context.Context, jobID string) (map[uint64]string, error) {
	digests, err := c.store.GetDigests(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load digests of %s: %w", jobID, err)
	}
	m := make(map[uint64]string, len(digests))
	for _, d := range digests {
		m[d.ChunkID] = d.Digest
	}
	return m, nil
}

// pass is the state of one read pass over a source volume.
type pass struct {
	c       *Copier
	opts    Options
	source  *engine.Engine
	size    int64
	chunks  int64
	closers []func() error

	done       atomic.Int64
	bytes      atomic.Int64
	mu         sync.Mutex
	pending    []model.ChunkDigest
	mismatched []uint64
}

func (p *pass) record(chunkID uint64, digest string, n int64) {
	p.mu.Lock()
	if p.c.store != nil && p.opts.JobID != "" {
		p.pending = append(p.pending, model.ChunkDigest{JobID: p.opts.JobID, ChunkID: chunkID, Digest: digest})
	}
	p.mu.Unlock()
	p.done.Add(1)
	p.bytes.Add(n)
}

func (p *pass) mismatch(chunkID uint64) {
	p.mu.Lock()
	p.mismatched = append(p.mismatched, chunkID)
	p.mu.Unlock()
}

func (p *pass) progress() Progress {
	p.mu.Lock()
	mismatches := int64(len(p.mismatched))
	p.mu.Unlock()
	return Progress{
		ChunksDone:  p.done.Load(),
		ChunksTotal: p.chunks,
		BytesDone:   p.bytes.Load(),
		Mismatches:  mismatches,
	}
}

// flush persists buffered digests once at least min are pending.
func (p *pass) flush(ctx context.Context, min int) error {
	p.mu.Lock()
	if len(p.pending) < max(min, 1) {
		p.mu.Unlock()
		return nil
	}
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()
	return p.c.store.InsertDigests(ctx, batch)
}

func (p *pass) report() {
	if p.opts.OnProgress != nil {
		p.opts.OnProgress(p.progress())
	}
}

// pass opens src for reading, runs setup, then queues one request per
// chunk and hands every fetched result to sink. Chunks in carried are
// queued without fetching and recorded with the carried digest.
func (c *Copier) pass(
	ctx context.Context,
	src string,
	opts Options,
	carried map[uint64]string,
	setup func(*pass) error,
	sink func(*pass, model.ReadResult) error,
	out **Result,
) (err error) {
	source, err := c.engineFor(src)
	if err != nil {
		return err
	}
	if err := source.OpenRead(ctx, src); err != nil {
		return err
	}
	p := &pass{c: c, opts: opts, source: source}
	c.setEngines(source, nil)
	defer c.setEngines(nil, nil)

	// Workers are stopped in reverse open order. Nobody collects the
	// remaining results of a failed pass, so its source is abandoned.
	p.closers = append(p.closers, source.Close)
	defer func() {
		if err != nil {
			p.closers[0] = func() error {
				_, aerr := source.Abandon()
				return aerr
			}
		}
		for i := len(p.closers) - 1; i >= 0; i-- {
			if cerr := p.closers[i](); cerr != nil && err == nil {
				err = cerr
			}
		}
	}()

	if p.size, err = source.Size(ctx); err != nil {
		return err
	}
	chunkSize := int64(source.Config().ChunkSize)
	p.chunks = (p.size + chunkSize - 1) / chunkSize
	if opts.OnStart != nil {
		opts.OnStart(p.size, p.chunks)
	}
	if setup != nil {
		if err := setup(p); err != nil {
			return err
		}
	}

	var carriedCount int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for id := range uint64(p.chunks) {
			digest, skip := carried[id]
			if _, err := source.Read(id, false, !skip, digest); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for range p.chunks {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := source.Get()
			if err != nil {
				return err
			}
			if !r.Fetched() {
				carriedCount++
				p.record(r.ChunkID, r.Metadata.(string), 0)
			} else if err := sink(p, r); err != nil {
				return err
			}
			if c.store != nil && opts.JobID != "" {
				if err := p.flush(gctx, flushEvery); err != nil {
					return err
				}
			}
			p.report()
		}
		return nil
	})
	if err = g.Wait(); err != nil {
		return err
	}

	// Close the target before the final flush so every completed write
	// has been recorded.
	for i := len(p.closers) - 1; i >= 1; i-- {
		if err = p.closers[i](); err != nil {
			p.closers = p.closers[:1]
			return err
		}
	}
	p.closers = p.closers[:1]

	if c.store != nil && opts.JobID != "" {
		if err = p.flush(ctx, 1); err != nil {
			return err
		}
	}
	p.report()

	sort.Slice(p.mismatched, func(i, j int) bool { return p.mismatched[i] < p.mismatched[j] })
	*out = &Result{
		SizeBytes:   p.size,
		ChunksTotal: p.chunks,
		ChunksRead:  p.chunks - carriedCount,
		Carried:     carriedCount,
		Mismatched:  p.mismatched,
	}
	c.logger.Info("pass finished", "volume", src, "size", p.size, "chunks", p.chunks,
		"carried", carriedCount, "mismatches", len(p.mismatched))
	return nil
}
