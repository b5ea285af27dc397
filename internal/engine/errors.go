package engine

import "errors"

// Errors returned by the engine. Backend lookup failures during open are
// returned wrapped as backend.ErrPoolNotFound or backend.ErrVolumeNotFound,
// and malformed references as model.ErrInvalidVolumeReference.
var (
	ErrVolumeAlreadyExists = errors.New("volume already exists")
	ErrTargetTooSmall      = errors.New("target volume is smaller than source")
	ErrUnexpectedEndOfData = errors.New("backend returned less data than a full chunk")
	ErrShortWrite          = errors.New("backend accepted fewer bytes than supplied")
	ErrWriteHandleNotOpen  = errors.New("no write handle open")
	ErrReadHandleNotOpen   = errors.New("no read handles open")
	ErrInterleavedSyncRead = errors.New("do not mix threaded reading with sync reading")
	ErrAlreadyOpen         = errors.New("engine is already open")
	ErrNotOpen             = errors.New("engine is not open")
	ErrEndOfStream         = errors.New("reader finished")

	// ErrConcurrentWritesUnsupported is returned by OpenWrite when more than
	// one writer is configured and the backend does not declare that one
	// handle tolerates concurrent writes.
	ErrConcurrentWritesUnsupported = errors.New("backend does not support concurrent writes on one handle")
)
