package store

import (
	"context"
	"errors"
	"os"
	"time"
)

// Common errors. The protocol engine maps these to HTTP statuses at its
// boundary; everything else becomes a 500.
var (
	ErrStreamNotFound      = errors.New("stream not found")
	ErrStreamExists        = errors.New("stream already exists")
	ErrContentTypeMismatch = errors.New("content type mismatch")
	ErrRangeNotSatisfiable = errors.New("offset beyond head")
	ErrRecordTooLarge      = errors.New("record exceeds maximum size")
	ErrEmptyRecord         = errors.New("empty record not allowed")
	ErrStreamDegraded      = errors.New("stream is degraded")
	ErrInvalidOffset       = errors.New("invalid offset")
)

// StreamConfig is supplied at creation and immutable afterwards.
// A non-empty ItemContentType selects record-mode: offsets count records,
// appends are framed one record at a time, and reads never split a record.
type StreamConfig struct {
	ContentType     string
	ItemContentType string
	MaxRecordSize   int64 // 0 = store default
}

// RecordMode reports whether the stream is record-addressed.
func (c StreamConfig) RecordMode() bool {
	return c.ItemContentType != ""
}

// AppendContentType returns the media type appends must carry.
func (c StreamConfig) AppendContentType() string {
	if c.RecordMode() {
		return c.ItemContentType
	}
	return c.ContentType
}

// StreamInfo is the result of a head inspection.
type StreamInfo struct {
	Path       string
	Config     StreamConfig
	HeadOffset Offset
	CreatedAt  time.Time
	LastAppend time.Time
	Degraded   bool
}

// FileRegion is a zero-copy handle to a byte range of a data file. Transport
// adapters transfer it with sendfile where the platform allows.
type FileRegion struct {
	Path     string
	Position int64
	Length   int64
}

// Bytes reads the region into memory. Callers that cannot use zero-copy
// transfer (SSE framing, tests) fall back to this.
func (r FileRegion) Bytes() ([]byte, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, r.Length)
	if _, err := f.ReadAt(buf, r.Position); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadResult is the outcome of a read. Exactly one of Data or Region is set
// for non-empty reads; both are unset when the range is empty.
type ReadResult struct {
	Data        []byte
	Region      *FileRegion
	NextOffset  Offset
	EndOfStream bool
}

// Empty reports whether the read returned no bytes.
func (r *ReadResult) Empty() bool {
	return len(r.Data) == 0 && r.Region == nil
}

// Materialize returns the result's bytes, reading the file region if needed.
func (r *ReadResult) Materialize() ([]byte, error) {
	if r.Region != nil {
		return r.Region.Bytes()
	}
	return r.Data, nil
}

// AppendOptions carries the request media types for validation.
type AppendOptions struct {
	ContentType string
}

// Store is the durable ordered record log behind the protocol engine.
// All operations are safe for concurrent use; appends to one stream are
// serialized under a per-stream lock.
type Store interface {
	// Create creates a stream with optional initial content, stored as the
	// first record. Returns ErrStreamExists if the path is already live.
	Create(path string, cfg StreamConfig, initial []byte) (*StreamInfo, error)

	// Append atomically appends one record and returns the new head.
	Append(path string, data []byte, opts AppendOptions) (Offset, error)

	// Read returns at most max bytes (records in record-mode) starting at
	// from. NextOffset is the first position not returned; EndOfStream is
	// true iff NextOffset equals the head at read time. from beyond the
	// head yields ErrRangeNotSatisfiable; from exactly at the head yields
	// an empty result with EndOfStream set.
	Read(path string, from Offset, max int64) (*ReadResult, error)

	// Head reports stream presence and metadata.
	Head(path string) (*StreamInfo, error)

	// Delete removes the stream and signals outstanding waiters terminal.
	// Returns true if the stream was present.
	Delete(path string) (bool, error)

	// Await blocks until the head advances past from, the timeout elapses,
	// the context is done, or the stream is deleted. It returns true only
	// when new data is available. A waiter that registers before an append
	// completes is guaranteed to observe it.
	Await(ctx context.Context, path string, from Offset, timeout time.Duration) (bool, error)

	// Close releases resources held by the store.
	Close() error
}

// Tail is the live-tail coordination surface the store drives. The
// dispatcher implements it; stores call Notify after every successful
// append and Terminate on delete.
type Tail interface {
	// Register adds a waiter parked behind the given offset. It fails when
	// the process-wide waiter cap is reached.
	Register(path string, after Offset) (TailWaiter, error)

	// Notify wakes waiters whose registered offset is below head.
	Notify(path string, head Offset)

	// Terminate wakes all waiters for the stream with a terminal marker.
	Terminate(path string)
}

// TailWaiter is a single registered waiter. Wait returns advanced=true when
// the head moved past the registered offset, and false on timeout or
// terminal signal. Cancel is idempotent and must always be called.
type TailWaiter interface {
	Wait(ctx context.Context, timeout time.Duration) (advanced bool, err error)
	Cancel()
}

// nopTail is used when no dispatcher is wired (store-only tests).
type nopTail struct{}

func (nopTail) Register(string, Offset) (TailWaiter, error) { return nopWaiter{}, nil }
func (nopTail) Notify(string, Offset)                       {}
func (nopTail) Terminate(string)                            {}

type nopWaiter struct{}

func (nopWaiter) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
func (nopWaiter) Cancel() {}

// ContentTypeMatches compares two content types, ignoring case and
// parameters such as charset.
func ContentTypeMatches(a, b string) bool {
	if a == "" {
		a = "application/octet-stream"
	}
	if b == "" {
		b = "application/octet-stream"
	}
	return asciiEqualFold(ExtractMediaType(a), ExtractMediaType(b))
}

// ExtractMediaType strips parameters from a content-type header value.
func ExtractMediaType(ct string) string {
	for i := 0; i < len(ct); i++ {
		if ct[i] == ';' {
			return ct[:i]
		}
	}
	return ct
}

func asciiEqualFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
