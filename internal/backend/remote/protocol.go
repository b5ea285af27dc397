package remote

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/seantiz/blockio/internal/backend"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Request operations. The first request on a connection decides its role:
// open_read and open_write bind the connection to a handle, which then
// accepts size, read, write and close; every other op is answered once and
// the connection is closed.
const (
	OpCapabilities   = "capabilities"
	OpCreatePool     = "create_pool"
	OpCreateImage    = "create_image"
	OpCreateSnapshot = "create_snapshot"
	OpOpenRead       = "open_read"
	OpOpenWrite      = "open_write"
	OpSize           = "size"
	OpRead           = "read"
	OpWrite          = "write"
	OpClose          = "close"
)

// Request is the JSON payload sent from client to server.
type Request struct {
	Op       string   `json:"op"`
	Pool     string   `json:"pool,omitempty"`
	Image    string   `json:"image,omitempty"`
	Snapshot string   `json:"snapshot,omitempty"`
	Size     int64    `json:"size,omitempty"`
	Features []string `json:"features,omitempty"`
	Offset   int64    `json:"offset,omitempty"`
	Length   int      `json:"length,omitempty"`
	Data     []byte   `json:"data,omitempty"`
}

// Response is the JSON payload sent from server to client. A non-empty Code
// reports a failure; Error carries the server's message.
type Response struct {
	Code         string                `json:"code,omitempty"`
	Error        string                `json:"error,omitempty"`
	Data         []byte                `json:"data,omitempty"`
	N            int                   `json:"n,omitempty"`
	EOF          bool                  `json:"eof,omitempty"`
	Size         int64                 `json:"size,omitempty"`
	Capabilities *backend.Capabilities `json:"capabilities,omitempty"`
}

// Error codes carried in Response.Code.
const (
	CodeInternal             = "internal"
	CodeBadRequest           = "bad_request"
	CodePoolNotFound         = "pool_not_found"
	CodeVolumeNotFound       = "volume_not_found"
	CodeVolumeExists         = "volume_exists"
	CodePoolExists           = "pool_exists"
	CodeReadOnly             = "read_only"
	CodeOutOfRange           = "out_of_range"
	CodeClosed               = "closed"
	CodeSnapshotsUnsupported = "snapshots_unsupported"
)

var codeErrors = []struct {
	code string
	err  error
}{
	{CodePoolNotFound, backend.ErrPoolNotFound},
	{CodeVolumeNotFound, backend.ErrVolumeNotFound},
	{CodeVolumeExists, backend.ErrVolumeExists},
	{CodePoolExists, backend.ErrPoolExists},
	{CodeReadOnly, backend.ErrReadOnly},
	{CodeOutOfRange, backend.ErrOutOfRange},
	{CodeClosed, backend.ErrClosed},
	{CodeSnapshotsUnsupported, backend.ErrSnapshotsUnsupported},
}

// ErrRemote wraps server failures that map to no backend sentinel.
var ErrRemote = errors.New("remote error")

// ErrorResponse encodes err as a failed Response.
func ErrorResponse(err error) Response {
	for _, ce := range codeErrors {
		if errors.Is(err, ce.err) {
			return Response{Code: ce.code, Error: err.Error()}
		}
	}
	return Response{Code: CodeInternal, Error: err.Error()}
}

// Err decodes a failed Response back into an error that matches the
// original backend sentinel under errors.Is. It returns nil on success.
func (r Response) Err() error {
	if r.Code == "" {
		return nil
	}
	for _, ce := range codeErrors {
		if ce.code == r.Code {
			return fmt.Errorf("%w (remote: %s)", ce.err, r.Error)
		}
	}
	return fmt.Errorf("%w: %s: %s", ErrRemote, r.Code, r.Error)
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
