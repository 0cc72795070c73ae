package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore is the in-memory reference implementation of Store. The
// streams map is guarded by a store-level mutex used only for lookup and
// create/delete; record storage and the head counter are guarded per
// stream so appends to different streams never contend.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memStream

	tail           Tail
	defaultMaxSize int64
	logger         *zap.Logger
}

type memRecord struct {
	start Offset
	data  []byte
}

type memStream struct {
	mu         sync.Mutex
	cfg        StreamConfig
	records    []memRecord
	head       Offset
	createdAt  time.Time
	lastAppend time.Time
}

// MemoryStoreConfig configures the in-memory store.
type MemoryStoreConfig struct {
	// MaxRecordSize caps appended records unless the stream overrides it.
	MaxRecordSize int64
	Tail          Tail
	Logger        *zap.Logger
}

// DefaultMaxRecordSize matches the file store's segment cap.
const DefaultMaxRecordSize = 64 * 1024 * 1024

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg MemoryStoreConfig) *MemoryStore {
	if cfg.MaxRecordSize <= 0 {
		cfg.MaxRecordSize = DefaultMaxRecordSize
	}
	if cfg.Tail == nil {
		cfg.Tail = nopTail{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &MemoryStore{
		streams:        make(map[string]*memStream),
		tail:           cfg.Tail,
		defaultMaxSize: cfg.MaxRecordSize,
		logger:         cfg.Logger,
	}
}

func (s *MemoryStore) lookup(path string) (*memStream, error) {
	s.mu.RLock()
	st, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStreamNotFound
	}
	return st, nil
}

// Create creates a new stream, optionally seeding it with an initial record.
func (s *MemoryStore) Create(path string, cfg StreamConfig, initial []byte) (*StreamInfo, error) {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}

	s.mu.Lock()
	if _, ok := s.streams[path]; ok {
		s.mu.Unlock()
		return nil, ErrStreamExists
	}
	now := time.Now()
	st := &memStream{
		cfg:        cfg,
		head:       ZeroOffset,
		createdAt:  now,
		lastAppend: now,
	}
	s.streams[path] = st
	s.mu.Unlock()

	if len(initial) > 0 {
		if _, err := s.Append(path, initial, AppendOptions{ContentType: cfg.AppendContentType()}); err != nil {
			s.mu.Lock()
			delete(s.streams, path)
			s.mu.Unlock()
			return nil, err
		}
	}

	s.logger.Debug("stream created", zap.String("path", path), zap.String("content_type", cfg.ContentType))
	return s.Head(path)
}

func (s *MemoryStore) maxRecordSize(cfg StreamConfig) int64 {
	if cfg.MaxRecordSize > 0 {
		return cfg.MaxRecordSize
	}
	return s.defaultMaxSize
}

// Append appends one record atomically and wakes waiters.
func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (Offset, error) {
	st, err := s.lookup(path)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, ErrEmptyRecord
	}

	st.mu.Lock()
	if opts.ContentType != "" && !ContentTypeMatches(st.cfg.AppendContentType(), opts.ContentType) {
		st.mu.Unlock()
		return 0, ErrContentTypeMismatch
	}
	if int64(len(data)) > s.maxRecordSize(st.cfg) {
		st.mu.Unlock()
		return 0, ErrRecordTooLarge
	}

	delta := int64(len(data))
	if st.cfg.RecordMode() {
		delta = 1
	}
	st.records = append(st.records, memRecord{start: st.head, data: data})
	st.head = st.head.Next(delta)
	st.lastAppend = time.Now()
	head := st.head
	st.mu.Unlock()

	s.tail.Notify(path, head)
	return head, nil
}

// Read takes a snapshot of (records, head) under the stream lock and copies
// bytes after releasing it.
func (s *MemoryStore) Read(path string, from Offset, max int64) (*ReadResult, error) {
	st, err := s.lookup(path)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	records := st.records
	head := st.head
	recordMode := st.cfg.RecordMode()
	st.mu.Unlock()

	if from < 0 {
		return nil, ErrInvalidOffset
	}
	if from > head {
		return nil, ErrRangeNotSatisfiable
	}
	if from == head {
		return &ReadResult{NextOffset: from, EndOfStream: true}, nil
	}
	if max <= 0 {
		return &ReadResult{NextOffset: from, EndOfStream: false}, nil
	}

	if recordMode {
		return readRecords(records, from, max, head), nil
	}
	return readBytes(records, from, max, head), nil
}

// readRecords returns whole records [from, from+max); offsets are indexes.
func readRecords(records []memRecord, from Offset, max int64, head Offset) *ReadResult {
	end := from + Offset(max)
	if end > head {
		end = head
	}
	var out []byte
	for i := from; i < end; i++ {
		out = append(out, records[i].data...)
	}
	return &ReadResult{
		Data:        out,
		NextOffset:  end,
		EndOfStream: end == head,
	}
}

// readBytes returns at most max bytes starting at from, splitting records
// at the range boundaries as byte-mode permits.
func readBytes(records []memRecord, from Offset, max int64, head Offset) *ReadResult {
	end := from + Offset(max)
	if end > head {
		end = head
	}
	out := make([]byte, 0, end-from)
	for _, rec := range records {
		recEnd := rec.start + Offset(len(rec.data))
		if recEnd <= from {
			continue
		}
		if rec.start >= end {
			break
		}
		lo, hi := Offset(0), Offset(len(rec.data))
		if from > rec.start {
			lo = from - rec.start
		}
		if end < recEnd {
			hi = end - rec.start
		}
		out = append(out, rec.data[lo:hi]...)
	}
	return &ReadResult{
		Data:        out,
		NextOffset:  end,
		EndOfStream: end == head,
	}
}

// Head reports stream metadata.
func (s *MemoryStore) Head(path string) (*StreamInfo, error) {
	st, err := s.lookup(path)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return &StreamInfo{
		Path:       path,
		Config:     st.cfg,
		HeadOffset: st.head,
		CreatedAt:  st.createdAt,
		LastAppend: st.lastAppend,
	}, nil
}

// Delete removes the stream and signals waiters terminal.
func (s *MemoryStore) Delete(path string) (bool, error) {
	s.mu.Lock()
	_, ok := s.streams[path]
	delete(s.streams, path)
	s.mu.Unlock()
	if ok {
		s.tail.Terminate(path)
	}
	return ok, nil
}

// Await registers with the dispatcher before checking the head, so an
// append racing with the registration is never missed.
func (s *MemoryStore) Await(ctx context.Context, path string, from Offset, timeout time.Duration) (bool, error) {
	st, err := s.lookup(path)
	if err != nil {
		return false, err
	}

	w, err := s.tail.Register(path, from)
	if err != nil {
		return false, err
	}
	defer w.Cancel()

	st.mu.Lock()
	head := st.head
	st.mu.Unlock()
	if head > from {
		return true, nil
	}

	return w.Wait(ctx, timeout)
}

// Close releases nothing for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
