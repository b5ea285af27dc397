package model

// Chunk identifies a fixed-size unit of volume data. Its byte offset in the
// volume is ID multiplied by the engine's chunk size.
type Chunk struct {
	ID uint64 `json:"id"`
}

// Offset returns the byte offset of the chunk for the given chunk size.
func (c Chunk) Offset(chunkSize int) int64 {
	return int64(c.ID) * int64(chunkSize)
}

// ReadRequest asks the reader pool for one chunk. When Fetch is false the
// request passes through without touching the backend, carrying Metadata to
// the result queue in order.
type ReadRequest struct {
	ChunkID  uint64
	Fetch    bool
	Metadata any
}

// ReadResult is a completed read. Data and Digest are empty iff the
// originating request had Fetch set to false.
type ReadResult struct {
	ChunkID  uint64
	Data     []byte
	Digest   string
	Metadata any
}

// Fetched reports whether the result carries chunk data.
func (r ReadResult) Fetched() bool {
	return r.Data != nil
}

// WriteEntry is a pending write of Payload at the chunk's offset.
// OnComplete, when set, runs on the writer goroutine after the write
// succeeded and must not block.
type WriteEntry struct {
	Chunk      Chunk
	Payload    []byte
	OnComplete func()
}
