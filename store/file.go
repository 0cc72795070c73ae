package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FileStore is the blocking file-backed Store. Each stream owns a directory
// with a meta document, an append-only data file, and a fixed-width index
// file. Appends write data, fsync, write the index entry, fsync. A crash
// between the two fsyncs leaves trailing data bytes the index never points
// at, which recovery ignores; an index entry whose data region is short is
// truncated at startup.
type FileStore struct {
	root    string
	catalog *BoltCatalog
	writers *FilePool
	readers *FilePool
	tail    Tail

	defaultMaxSize int64
	logger         *zap.Logger

	mu      sync.RWMutex
	streams map[string]*fileStream
}

type fileStream struct {
	mu         sync.Mutex
	dirName    string
	cfg        StreamConfig
	entries    []IndexEntry
	head       Offset
	dataSize   int64
	createdAt  time.Time
	lastAppend time.Time
	degraded   bool
}

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	// Root is the directory all stream directories live under. Required.
	Root string
	// MaxFileHandles bounds the writer and reader pools independently.
	MaxFileHandles int
	// MaxRecordSize caps appended records unless the stream overrides it.
	MaxRecordSize int64
	Tail          Tail
	Logger        *zap.Logger
}

// Reads no longer than this are served from the pooled read handle instead
// of handing out a file region; live tails read small tails constantly and
// should not pay an open() per round.
const inlineReadLimit = 256 * 1024

// NewFileStore opens a file store rooted at cfg.Root, recovering every
// cataloged stream.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("file store root directory is required")
	}
	if cfg.MaxRecordSize <= 0 {
		cfg.MaxRecordSize = DefaultMaxRecordSize
	}
	if cfg.Tail == nil {
		cfg.Tail = nopTail{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "streams"), 0o755); err != nil {
		return nil, fmt.Errorf("create streams directory: %w", err)
	}

	catalog, err := OpenBoltCatalog(filepath.Join(cfg.Root, "catalog"))
	if err != nil {
		return nil, err
	}

	s := &FileStore{
		root:           cfg.Root,
		catalog:        catalog,
		writers:        NewWriterPool(cfg.MaxFileHandles),
		readers:        NewReaderPool(cfg.MaxFileHandles),
		tail:           cfg.Tail,
		defaultMaxSize: cfg.MaxRecordSize,
		logger:         cfg.Logger,
		streams:        make(map[string]*fileStream),
	}

	if err := s.recoverAll(); err != nil {
		catalog.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileStore) streamDir(dirName string) string {
	return filepath.Join(s.root, "streams", dirName)
}

func (s *FileStore) dataPath(dirName string) string {
	return filepath.Join(s.streamDir(dirName), DataFileName)
}

func (s *FileStore) indexPath(dirName string) string {
	return filepath.Join(s.streamDir(dirName), IndexFileName)
}

// recoverAll reconciles the catalog with the stream directories.
func (s *FileStore) recoverAll() error {
	var orphans []string
	err := s.catalog.ForEach(func(row *CatalogRow) error {
		dir := s.streamDir(row.DirName)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			orphans = append(orphans, row.Path)
			return nil
		}

		st, err := s.recoverStream(row.Path, row.DirName, row.Degraded)
		if err != nil {
			return fmt.Errorf("recover %s: %w", row.Path, err)
		}
		s.streams[row.Path] = st

		if st.head != row.Head {
			s.logger.Warn("reconciled stream head from index",
				zap.String("path", row.Path),
				zap.String("catalog_head", row.Head.String()),
				zap.String("index_head", st.head.String()))
			if err := s.catalog.UpdateHead(row.Path, st.head); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, path := range orphans {
		s.logger.Warn("dropping orphaned catalog row", zap.String("path", path))
		if err := s.catalog.Delete(path); err != nil {
			return err
		}
	}
	return nil
}

// recoverStream loads one stream from disk, repairing a torn trailing write.
func (s *FileStore) recoverStream(path, dirName string, degraded bool) (*fileStream, error) {
	dir := s.streamDir(dirName)

	cfg, createdAt, err := ReadMeta(filepath.Join(dir, MetaFileName))
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}

	var dataSize int64
	if fi, err := os.Stat(filepath.Join(dir, DataFileName)); err == nil {
		dataSize = fi.Size()
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	entries, repaired, err := LoadIndex(filepath.Join(dir, IndexFileName), dataSize, cfg.RecordMode())
	if err != nil {
		return nil, err
	}
	if repaired {
		s.logger.Warn("truncated torn index entry", zap.String("path", path))
	}

	st := &fileStream{
		dirName:    dirName,
		cfg:        cfg,
		entries:    entries,
		head:       ZeroOffset,
		createdAt:  createdAt,
		lastAppend: createdAt,
		degraded:   degraded && !repaired,
	}
	if n := len(entries); n > 0 {
		last := entries[n-1]
		st.head = last.End(cfg.RecordMode())
		st.dataSize = last.Position + last.Length
	}

	// Unindexed trailing data bytes are leftovers of a torn append. They
	// must go: the writer appends at the physical end of the file, and
	// byte-mode reads equate logical offsets with file positions.
	if dataSize > st.dataSize {
		if err := os.Truncate(filepath.Join(dir, DataFileName), st.dataSize); err != nil {
			return nil, fmt.Errorf("truncate data: %w", err)
		}
		s.logger.Warn("truncated unindexed data bytes",
			zap.String("path", path),
			zap.Int64("from", dataSize),
			zap.Int64("to", st.dataSize))
	}
	return st, nil
}

func (s *FileStore) lookup(path string) (*fileStream, error) {
	s.mu.RLock()
	st, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStreamNotFound
	}
	return st, nil
}

// Create creates a new stream directory and catalog row.
func (s *FileStore) Create(path string, cfg StreamConfig, initial []byte) (*StreamInfo, error) {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/octet-stream"
	}

	s.mu.Lock()
	if _, ok := s.streams[path]; ok {
		s.mu.Unlock()
		return nil, ErrStreamExists
	}

	dirName := uuid.NewString()
	dir := s.streamDir(dirName)
	now := time.Now()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create stream directory: %w", err)
	}
	cleanup := func() {
		os.RemoveAll(dir)
	}

	if err := WriteMeta(filepath.Join(dir, MetaFileName), cfg, now); err != nil {
		s.mu.Unlock()
		cleanup()
		return nil, fmt.Errorf("write meta: %w", err)
	}
	for _, name := range []string{DataFileName, IndexFileName} {
		f, err := os.Create(filepath.Join(dir, name))
		if err != nil {
			s.mu.Unlock()
			cleanup()
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		f.Close()
	}

	row := &CatalogRow{Path: path, DirName: dirName, Config: cfg, Head: ZeroOffset, CreatedAt: now}
	if err := s.catalog.Put(row); err != nil {
		s.mu.Unlock()
		cleanup()
		return nil, fmt.Errorf("catalog put: %w", err)
	}

	st := &fileStream{
		dirName:    dirName,
		cfg:        cfg,
		head:       ZeroOffset,
		createdAt:  now,
		lastAppend: now,
	}
	s.streams[path] = st
	s.mu.Unlock()

	if len(initial) > 0 {
		if _, err := s.Append(path, initial, AppendOptions{ContentType: cfg.AppendContentType()}); err != nil {
			s.removeStream(path)
			return nil, err
		}
	}

	s.logger.Debug("stream created",
		zap.String("path", path),
		zap.String("dir", dirName),
		zap.String("content_type", cfg.ContentType))
	return s.Head(path)
}

// markDegraded flips the stream's degraded flag and persists the marker.
// Caller holds st.mu.
func (s *FileStore) markDegraded(path string, st *fileStream, cause error) {
	st.degraded = true
	if cerr := s.catalog.SetDegraded(path, true); cerr != nil {
		s.logger.Error("failed to persist degraded marker",
			zap.String("path", path), zap.Error(cerr))
	}
	s.logger.Error("append left stream degraded",
		zap.String("path", path),
		zap.Error(cause))
}

func (s *FileStore) maxRecordSize(cfg StreamConfig) int64 {
	if cfg.MaxRecordSize > 0 {
		return cfg.MaxRecordSize
	}
	return s.defaultMaxSize
}

// Append writes the record to the data file, fsyncs, appends the index
// entry, fsyncs, then advances the in-memory head and wakes waiters. If the
// data write survives but the index write does not, the stream is marked
// degraded: reads keep working up to the last consistent entry, appends
// fail until an operator resets the stream.
func (s *FileStore) Append(path string, data []byte, opts AppendOptions) (Offset, error) {
	st, err := s.lookup(path)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, ErrEmptyRecord
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.degraded {
		return 0, ErrStreamDegraded
	}
	if opts.ContentType != "" && !ContentTypeMatches(st.cfg.AppendContentType(), opts.ContentType) {
		return 0, ErrContentTypeMismatch
	}
	if int64(len(data)) > s.maxRecordSize(st.cfg) {
		return 0, ErrRecordTooLarge
	}

	dataPath := s.dataPath(st.dirName)
	dataF, err := s.writers.Get(dataPath)
	if err != nil {
		return 0, fmt.Errorf("open data file: %w", err)
	}
	if _, err := dataF.Write(data); err != nil {
		// A short write leaves unindexed bytes at the physical end of the
		// file, where the next append would land. Degrade; ResetDegraded
		// truncates them away.
		s.markDegraded(path, st, err)
		return 0, fmt.Errorf("%w: %v", ErrStreamDegraded, err)
	}
	if err := dataF.Sync(); err != nil {
		s.markDegraded(path, st, err)
		return 0, fmt.Errorf("%w: %v", ErrStreamDegraded, err)
	}

	entry := IndexEntry{Start: st.head, Position: st.dataSize, Length: int64(len(data))}

	indexPath := s.indexPath(st.dirName)
	idxF, err := s.writers.Get(indexPath)
	if err == nil {
		if werr := AppendIndexEntry(idxF, entry.Start, entry.Length); werr != nil {
			err = werr
		} else {
			err = idxF.Sync()
		}
	}
	if err != nil {
		// Data is durable but the index is not: partial append. Degraded
		// until ResetDegraded re-scans.
		s.markDegraded(path, st, err)
		return 0, fmt.Errorf("%w: %v", ErrStreamDegraded, err)
	}

	st.entries = append(st.entries, entry)
	st.dataSize += entry.Length
	st.head = entry.End(st.cfg.RecordMode())
	st.lastAppend = time.Now()

	if err := s.catalog.UpdateHead(path, st.head); err != nil {
		// The index file is the source of truth; recovery reconciles.
		s.logger.Warn("failed to update catalog head",
			zap.String("path", path), zap.Error(err))
	}

	head := st.head
	s.tail.Notify(path, head)
	return head, nil
}

// Read resolves the requested range against the index snapshot. Large
// ranges come back as zero-copy file regions; small ones are materialized
// through the pooled read handle.
func (s *FileStore) Read(path string, from Offset, max int64) (*ReadResult, error) {
	st, err := s.lookup(path)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	entries := st.entries
	head := st.head
	recordMode := st.cfg.RecordMode()
	dirName := st.dirName
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

	var pos, length int64
	var next Offset
	if recordMode {
		end := from + Offset(max)
		if end > head {
			end = head
		}
		first, last := entries[int(from)], entries[int(end-1)]
		pos = first.Position
		length = last.Position + last.Length - first.Position
		next = end
	} else {
		end := from + Offset(max)
		if end > head {
			end = head
		}
		// Byte-mode data files hold raw concatenated bytes, so logical
		// offsets are file positions and ranges may split records.
		pos = int64(from)
		length = int64(end - from)
		next = end
	}

	res := &ReadResult{NextOffset: next, EndOfStream: next == head}
	if length <= inlineReadLimit {
		f, err := s.readers.Get(s.dataPath(dirName))
		if err != nil {
			return nil, fmt.Errorf("open data file: %w", err)
		}
		buf := make([]byte, length)
		if _, err := f.ReadAt(buf, pos); err != nil {
			return nil, fmt.Errorf("read data: %w", err)
		}
		res.Data = buf
	} else {
		res.Region = &FileRegion{Path: s.dataPath(dirName), Position: pos, Length: length}
	}
	return res, nil
}

// Head reports stream metadata including the degraded marker.
func (s *FileStore) Head(path string) (*StreamInfo, error) {
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
		Degraded:   st.degraded,
	}, nil
}

// Delete removes the stream. The directory is renamed first and removed in
// the background so delete latency never pays for large data files.
func (s *FileStore) Delete(path string) (bool, error) {
	ok, err := s.removeStream(path)
	if err != nil {
		return false, err
	}
	if ok {
		s.tail.Terminate(path)
	}
	return ok, nil
}

func (s *FileStore) removeStream(path string) (bool, error) {
	s.mu.Lock()
	st, ok := s.streams[path]
	if ok {
		delete(s.streams, path)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	s.writers.Remove(s.dataPath(st.dirName))
	s.writers.Remove(s.indexPath(st.dirName))
	s.readers.Remove(s.dataPath(st.dirName))

	if err := s.catalog.Delete(path); err != nil {
		return true, fmt.Errorf("catalog delete: %w", err)
	}

	dir := s.streamDir(st.dirName)
	tomb := filepath.Join(s.root, "streams",
		fmt.Sprintf(".deleted~%s~%d", st.dirName, time.Now().UnixNano()))
	if err := os.Rename(dir, tomb); err != nil {
		os.RemoveAll(dir)
	} else {
		go os.RemoveAll(tomb)
	}
	return true, nil
}

// Await registers before checking the head so a concurrent append cannot be
// missed.
func (s *FileStore) Await(ctx context.Context, path string, from Offset, timeout time.Duration) (bool, error) {
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

// ResetDegraded re-runs recovery for a single stream, truncating whatever
// trailing state caused the degradation, and clears the marker. Intended
// for operator use after the underlying fault is fixed.
func (s *FileStore) ResetDegraded(path string) error {
	st, err := s.lookup(path)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	// Drop pooled handles so the re-scan sees settled files.
	s.writers.Remove(s.dataPath(st.dirName))
	s.writers.Remove(s.indexPath(st.dirName))
	s.readers.Remove(s.dataPath(st.dirName))

	fresh, err := s.recoverStream(path, st.dirName, false)
	if err != nil {
		return fmt.Errorf("reset %s: %w", path, err)
	}

	st.entries = fresh.entries
	st.head = fresh.head
	st.dataSize = fresh.dataSize
	st.degraded = false

	if err := s.catalog.SetDegraded(path, false); err != nil {
		return err
	}
	if err := s.catalog.UpdateHead(path, st.head); err != nil {
		return err
	}
	s.logger.Info("stream reset", zap.String("path", path), zap.String("head", st.head.String()))
	return nil
}

// Close releases the handle pools and the catalog.
func (s *FileStore) Close() error {
	var lastErr error
	if err := s.writers.Close(); err != nil {
		lastErr = err
	}
	if err := s.readers.Close(); err != nil {
		lastErr = err
	}
	if err := s.catalog.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

var _ Store = (*FileStore)(nil)
