package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFilePool_ReusesHandles(t *testing.T) {
	dir := t.TempDir()
	p := NewWriterPool(4)
	defer p.Close()

	path := filepath.Join(dir, "a")
	f1, err := p.Get(path)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	f2, err := p.Get(path)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if f1 != f2 {
		t.Error("pool opened a second handle for the same path")
	}
	if p.Size() != 1 {
		t.Errorf("Size = %d, want 1", p.Size())
	}
}

func TestFilePool_EvictsLRU(t *testing.T) {
	dir := t.TempDir()
	p := NewWriterPool(2)
	defer p.Close()

	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	c := filepath.Join(dir, "c")

	p.Get(a)
	p.Get(b)
	p.Get(a) // a is now most recently used
	p.Get(c) // evicts b

	if p.Size() != 2 {
		t.Errorf("Size = %d, want 2", p.Size())
	}

	// Writing through the retained handle still works.
	f, err := p.Get(a)
	if err != nil {
		t.Fatalf("Get after eviction failed: %v", err)
	}
	if _, err := f.Write([]byte("x")); err != nil {
		t.Errorf("write through retained handle failed: %v", err)
	}
}

func TestFilePool_Remove(t *testing.T) {
	dir := t.TempDir()
	p := NewWriterPool(4)
	defer p.Close()

	path := filepath.Join(dir, "a")
	p.Get(path)
	if err := p.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if p.Size() != 0 {
		t.Errorf("Size after Remove = %d, want 0", p.Size())
	}
	if err := p.Remove(path); err != nil {
		t.Errorf("Remove of absent path failed: %v", err)
	}
}

func TestFilePool_ReaderPoolSeesFreshData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	p := NewReaderPool(4)
	defer p.Close()

	f, err := p.Get(path)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := f.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("read %q, want %q", buf, "hello")
	}

	// Bytes appended after the handle was pooled are visible to ReadAt.
	w, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	w.Write([]byte("world"))
	w.Close()

	buf = make([]byte, 5)
	if _, err := f.ReadAt(buf, 5); err != nil {
		t.Fatalf("ReadAt after append failed: %v", err)
	}
	if string(buf) != "world" {
		t.Errorf("read %q, want %q", buf, "world")
	}
}
