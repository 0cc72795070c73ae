package store

import (
	"container/list"
	"os"
	"sync"
)

// FilePool keeps a bounded set of open file handles with LRU eviction.
// File-backed streams hold one append handle and one read handle each; the
// pool keeps descriptor usage flat regardless of how many streams exist.
type FilePool struct {
	mu      sync.Mutex
	maxSize int
	open    func(path string) (*os.File, error)
	files   map[string]*poolEntry
	lru     *list.List // front = most recently used
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

// DefaultMaxFileHandles bounds open descriptors per pool.
const DefaultMaxFileHandles = 1024

// NewWriterPool creates a pool of append-mode handles.
func NewWriterPool(maxSize int) *FilePool {
	return newFilePool(maxSize, func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	})
}

// NewReaderPool creates a pool of read-only handles.
func NewReaderPool(maxSize int) *FilePool {
	return newFilePool(maxSize, os.Open)
}

func newFilePool(maxSize int, open func(string) (*os.File, error)) *FilePool {
	if maxSize <= 0 {
		maxSize = DefaultMaxFileHandles
	}
	return &FilePool{
		maxSize: maxSize,
		open:    open,
		files:   make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// Get returns the pooled handle for path, opening it if needed. The caller
// must not close the returned file.
func (p *FilePool) Get(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := p.open(path)
	if err != nil {
		return nil, err
	}

	p.evictIfNeeded()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry
	return file, nil
}

// Sync fsyncs the handle for path if it is open.
func (p *FilePool) Sync(path string) error {
	p.mu.Lock()
	entry, ok := p.files[path]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.file.Sync()
}

// Remove closes and drops the handle for path.
func (p *FilePool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

// Size returns the number of open handles.
func (p *FilePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

// Close closes every handle in the pool.
func (p *FilePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()
	return lastErr
}

// evictIfNeeded drops the least recently used handle. Caller holds the lock.
func (p *FilePool) evictIfNeeded() {
	if len(p.files) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.files, entry.path)
	entry.file.Close()
}
