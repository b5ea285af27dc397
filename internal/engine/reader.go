package engine

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/seantiz/blockio/internal/backend"
	"github.com/seantiz/blockio/internal/model"
)

// runReader drains the request queue until it dequeues a stop signal, which
// it forwards to the result queue.
func (e *Engine) runReader(id int, h backend.Handle) {
	defer func() {
		if err := h.Close(); err != nil {
			e.logger.Warn("close read handle", "worker", id, "error", err)
		}
	}()

	for {
		msg := e.requests.Pop()
		queueDepth.WithLabelValues(queueRequest).Dec()

		switch m := msg.(type) {
		case stopSignal:
			e.results <- stopSignal{}
			queueDepth.WithLabelValues(queueResult).Inc()
			e.logger.Debug("io reader finishing", "worker", id)
			return
		case readRequest:
			out := e.read(id, h, m.req)
			e.results <- out
			queueDepth.WithLabelValues(queueResult).Inc()
		}
	}
}

// read fetches and hashes one chunk. Requests without Fetch pass through.
func (e *Engine) read(id int, h backend.Handle, req model.ReadRequest) readOutcome {
	res := model.ReadResult{ChunkID: req.ChunkID, Metadata: req.Metadata}
	if !req.Fetch {
		return readOutcome{result: res}
	}

	chunk := model.Chunk{ID: req.ChunkID}
	off := chunk.Offset(e.cfg.ChunkSize)
	want := int64(e.cfg.ChunkSize)
	if remain := e.volumeSize - off; remain < want {
		want = max(remain, 0)
	}
	if want == 0 {
		ioErrors.WithLabelValues(errKindUnexpectedEOF).Inc()
		return readOutcome{result: res, err: fmt.Errorf("%w: chunk %d starts at %d, volume ends at %d",
			ErrUnexpectedEndOfData, req.ChunkID, off, e.volumeSize)}
	}

	buf := make([]byte, want)
	e.readers.set(id, StateReading)
	start := time.Now()
	n, err := h.ReadAt(buf, off)
	readDuration.Observe(time.Since(start).Seconds())
	e.readers.set(id, StateIdle)

	switch {
	case err != nil && !errors.Is(err, io.EOF):
		ioErrors.WithLabelValues(errKindRead).Inc()
		e.logger.Error("read chunk", "volume", e.ref.String(), "worker", id, "chunk", req.ChunkID, "error", err)
		return readOutcome{result: res, err: fmt.Errorf("read chunk %d: %w", req.ChunkID, err)}
	case int64(n) < want:
		ioErrors.WithLabelValues(errKindUnexpectedEOF).Inc()
		e.logger.Error("short read", "volume", e.ref.String(), "worker", id, "chunk", req.ChunkID,
			"got", n, "want", want)
		return readOutcome{result: res, err: fmt.Errorf("%w: chunk %d: got %d of %d bytes",
			ErrUnexpectedEndOfData, req.ChunkID, n, want)}
	}

	chunksRead.Inc()
	bytesRead.Add(float64(n))
	res.Data = buf
	res.Digest = e.cfg.Hash(buf)
	return readOutcome{result: res}
}

// Read queues a request for chunkID. Asynchronous reads return immediately
// with nil data; the result arrives through Get. A synchronous read also
// takes the next result and returns its data, failing with
// ErrInterleavedSyncRead if that result belongs to another chunk.
func (e *Engine) Read(chunkID uint64, sync, fetch bool, metadata any) ([]byte, error) {
	e.sends.RLock()
	e.mu.RLock()
	requests, m := e.requests, e.mode
	e.mu.RUnlock()
	if m != modeRead {
		e.sends.RUnlock()
		return nil, ErrReadHandleNotOpen
	}
	requests.Push(readRequest{req: model.ReadRequest{ChunkID: chunkID, Fetch: fetch, Metadata: metadata}})
	queueDepth.WithLabelValues(queueRequest).Inc()
	e.sends.RUnlock()
	if !sync {
		return nil, nil
	}

	res, err := e.Get()
	if errors.Is(err, ErrEndOfStream) || errors.Is(err, ErrReadHandleNotOpen) {
		return nil, err
	}
	if res.ChunkID != chunkID {
		return nil, fmt.Errorf("%w: asked for chunk %d, got chunk %d", ErrInterleavedSyncRead, chunkID, res.ChunkID)
	}
	return res.Data, err
}

// Get blocks until the next result is available. A per-chunk failure is
// returned together with the result's chunk id and metadata. Get returns
// ErrEndOfStream for each reader that has stopped, and ErrReadHandleNotOpen
// once a closed engine has handed out everything its readers produced.
func (e *Engine) Get() (model.ReadResult, error) {
	e.mu.RLock()
	results := e.results
	e.mu.RUnlock()
	if results == nil {
		return model.ReadResult{}, ErrReadHandleNotOpen
	}

	msg, ok := <-results
	if !ok {
		return model.ReadResult{}, ErrReadHandleNotOpen
	}
	queueDepth.WithLabelValues(queueResult).Dec()
	switch m := msg.(type) {
	case readOutcome:
		return m.result, m.err
	case stopSignal:
		return model.ReadResult{}, ErrEndOfStream
	}
	panic(fmt.Sprintf("engine: unexpected result message %T", msg))
}

// DiscardPending drops read requests no reader has dequeued yet and reports
// how many were dropped. Stop signals are kept. Results of requests a
// reader already took still arrive through Get.
func (e *Engine) DiscardPending() int {
	e.mu.RLock()
	requests := e.requests
	e.mu.RUnlock()
	if requests == nil {
		return 0
	}
	n := requests.RemoveFunc(func(m readMsg) bool {
		_, ok := m.(readRequest)
		return ok
	})
	queueDepth.WithLabelValues(queueRequest).Sub(float64(n))
	return n
}

// Abandon ends a read pass whose remaining results nobody will collect.
// It discards pending requests, closes the engine and throws away every
// result delivered meanwhile. It reports how many requests were dropped,
// whether before or after a reader fetched them. On an engine not open for
// reading it is Close.
func (e *Engine) Abandon() (int, error) {
	if e.currentMode() != modeRead {
		return 0, e.Close()
	}

	dropped := e.DiscardPending()
	closed := make(chan error, 1)
	go func() { closed <- e.Close() }()
	for {
		_, err := e.Get()
		if errors.Is(err, ErrReadHandleNotOpen) {
			break
		}
		if !errors.Is(err, ErrEndOfStream) {
			dropped++
		}
	}
	if dropped > 0 {
		e.logger.Info("read pass abandoned", "volume", e.ref.String(), "dropped", dropped)
	}
	return dropped, <-closed
}
