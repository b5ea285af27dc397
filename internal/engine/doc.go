// Package engine provides the concurrent block-I/O engine.
//
// An Engine is opened either for reading or for writing a single volume.
// In read mode a pool of reader goroutines, each owning its own backend
// handle, drains an unbounded request queue and publishes hashed chunks to a
// bounded result queue consumed with Get. In write mode a pool of writer
// goroutines drains a bounded write queue into one shared write handle.
// Bounded queues block their producer when full; that is the only flow
// control between the caller and the workers.
//
// Workers stop only when they dequeue a stop signal. Close enqueues one per
// worker and waits for all of them.
package engine
