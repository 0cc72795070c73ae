// Package codec maps content types to record framing strategies for
// record-oriented streams. Byte-mode streams use the pass-through codec;
// record-mode streams frame one record per append, and the stores round
// reads to record boundaries with their index.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// ErrInvalidRecord is returned when a record does not satisfy the codec's
// content constraints (for example, malformed JSON on a JSON-lines stream).
var ErrInvalidRecord = errors.New("record rejected by codec")

// StreamCodec frames appended records into their stored representation.
type StreamCodec interface {
	// Frame converts one appended record into its stored form.
	Frame(record []byte) ([]byte, error)
}

// Registry indexes codecs by media type. Unknown types resolve to the
// pass-through bytes codec.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]StreamCodec
}

// NewRegistry builds a registry preloaded with the JSON-lines codec for
// application/json and application/x-ndjson.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]StreamCodec)}
	jl := JSONLines{}
	r.Register("application/json", jl)
	r.Register("application/x-ndjson", jl)
	return r
}

// Register binds a codec to a media type, replacing any previous binding.
func (r *Registry) Register(mediaType string, c StreamCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[normalize(mediaType)] = c
}

// Lookup returns the codec for a content type, never nil.
func (r *Registry) Lookup(contentType string) StreamCodec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.codecs[normalize(contentType)]; ok {
		return c
	}
	return Passthrough{}
}

func normalize(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Passthrough stores records byte-for-byte.
type Passthrough struct{}

// Frame returns the record unchanged.
func (Passthrough) Frame(record []byte) ([]byte, error) {
	return record, nil
}

// JSONLines frames each record as one newline-terminated JSON value.
type JSONLines struct{}

// Frame validates the record as JSON and appends the line terminator.
// Records containing raw newlines are rejected so one stored line is
// always one record.
func (JSONLines) Frame(record []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(record)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, ErrInvalidRecord
	}
	if bytes.IndexByte(trimmed, '\n') >= 0 {
		compact := &bytes.Buffer{}
		if err := json.Compact(compact, trimmed); err != nil {
			return nil, ErrInvalidRecord
		}
		trimmed = compact.Bytes()
	}
	out := make([]byte, 0, len(trimmed)+1)
	out = append(out, trimmed...)
	return append(out, '\n'), nil
}
