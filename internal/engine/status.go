package engine

import (
	"fmt"
	"sync/atomic"
)

// WorkerState is the last activity reported by a worker.
type WorkerState int32

const (
	StateIdle WorkerState = iota
	StateReading
	StateWriting
)

func (s WorkerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	}
	return fmt.Sprintf("WorkerState(%d)", int32(s))
}

// MarshalText renders the state by name in JSON.
func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// statusTracker holds one slot per worker. A slot is written only by the
// worker that owns it; readers of the tracker see a possibly stale view.
type statusTracker struct {
	role  string
	slots []atomic.Int32
}

func newStatusTracker(role string, n int) *statusTracker {
	return &statusTracker{role: role, slots: make([]atomic.Int32, n)}
}

func (t *statusTracker) set(worker int, s WorkerState) {
	prev := WorkerState(t.slots[worker].Swap(int32(s)))
	switch {
	case prev == StateIdle && s != StateIdle:
		busyWorkers.WithLabelValues(t.role).Inc()
	case prev != StateIdle && s == StateIdle:
		busyWorkers.WithLabelValues(t.role).Dec()
	}
}

func (t *statusTracker) states() []WorkerState {
	if t == nil {
		return nil
	}
	out := make([]WorkerState, len(t.slots))
	for i := range t.slots {
		out[i] = WorkerState(t.slots[i].Load())
	}
	return out
}

// ThreadStatus is a snapshot of worker activity and write queue depth.
type ThreadStatus struct {
	Readers       []WorkerState `json:"readers"`
	Writers       []WorkerState `json:"writers"`
	WriteQueueLen int           `json:"write_queue_len"`
}

func count(states []WorkerState) (idle, busy int) {
	for _, s := range states {
		if s == StateIdle {
			idle++
		} else {
			busy++
		}
	}
	return idle, busy
}

// String renders the snapshot as "IOR: N<idle> R<reading>  IOW: N<idle> W<writing> QL<depth>".
func (s ThreadStatus) String() string {
	rIdle, rBusy := count(s.Readers)
	wIdle, wBusy := count(s.Writers)
	return fmt.Sprintf("IOR: N%d R%d  IOW: N%d W%d QL%d", rIdle, rBusy, wIdle, wBusy, s.WriteQueueLen)
}

// QueueStatus reports how full the bounded queues are, as occupied/capacity.
type QueueStatus struct {
	ResultQueueFill float64 `json:"result_queue_fill"`
	WriteQueueFill  float64 `json:"write_queue_fill"`
}
