package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Per-stream directory layout:
//
//	<root>/<dir>/
//	  meta   JSON stream configuration document
//	  data   concatenated record bytes, no framing
//	  index  fixed 16-byte entries: (offset u64 BE, length u64 BE)
//
// Offsets in index entries are logical: data-byte positions for byte-mode
// streams, record ordinals for record-mode streams. The file position of a
// record is the sum of the lengths of all records before it, which for
// byte-mode equals the logical offset.
const (
	MetaFileName  = "meta"
	DataFileName  = "data"
	IndexFileName = "index"

	// IndexEntrySize is the fixed size of one index entry.
	IndexEntrySize = 16
)

// ErrCorruptIndex is returned when index entries disagree with each other
// beyond what trailing-entry truncation can repair.
var ErrCorruptIndex = errors.New("corrupt index file")

// IndexEntry locates one record in the data file.
type IndexEntry struct {
	Start    Offset // logical offset assigned to the record
	Position int64  // byte position within the data file
	Length   int64  // record length in bytes
}

// End returns the logical offset immediately after the record.
func (e IndexEntry) End(recordMode bool) Offset {
	if recordMode {
		return e.Start + 1
	}
	return e.Start + Offset(e.Length)
}

// AppendIndexEntry writes one entry at the current end of the index file.
func AppendIndexEntry(w io.Writer, start Offset, length int64) error {
	var buf [IndexEntrySize]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(start))
	binary.BigEndian.PutUint64(buf[8:16], uint64(length))
	_, err := w.Write(buf[:])
	return err
}

// LoadIndex reads the index file and reconciles it against the data file
// size. A trailing entry whose data region is incomplete is truncated away,
// along with any trailing partial entry bytes; entries before it are
// guaranteed consistent. Returns the entry table and whether a repair
// happened.
func LoadIndex(indexPath string, dataSize int64, recordMode bool) ([]IndexEntry, bool, error) {
	raw, err := os.ReadFile(indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	repaired := false
	if rem := len(raw) % IndexEntrySize; rem != 0 {
		raw = raw[:len(raw)-rem]
		repaired = true
	}

	entries := make([]IndexEntry, 0, len(raw)/IndexEntrySize)
	var pos int64
	var next Offset
	for i := 0; i+IndexEntrySize <= len(raw); i += IndexEntrySize {
		start := Offset(binary.BigEndian.Uint64(raw[i : i+8]))
		length := int64(binary.BigEndian.Uint64(raw[i+8 : i+16]))
		if length <= 0 || start != next {
			// Offsets are assigned contiguously; a gap means the entry was
			// never fully written or the file is damaged mid-way.
			if i+IndexEntrySize == len(raw) {
				repaired = true
				break
			}
			return nil, false, fmt.Errorf("%w: entry %d start %d want %d", ErrCorruptIndex, i/IndexEntrySize, start, next)
		}
		if pos+length > dataSize {
			// Torn write: index entry fsynced but the data region is short.
			// Only the last entry may legally be in this state.
			if i+IndexEntrySize == len(raw) {
				repaired = true
				break
			}
			return nil, false, fmt.Errorf("%w: entry %d overruns data file", ErrCorruptIndex, i/IndexEntrySize)
		}
		e := IndexEntry{Start: start, Position: pos, Length: length}
		entries = append(entries, e)
		pos += length
		next = e.End(recordMode)
	}

	if repaired {
		if err := os.Truncate(indexPath, int64(len(entries))*IndexEntrySize); err != nil {
			return nil, false, fmt.Errorf("truncate index: %w", err)
		}
	}
	return entries, repaired, nil
}

// metaDoc is the persisted form of StreamConfig plus the creation instant.
type metaDoc struct {
	ContentType     string `json:"content_type"`
	ItemContentType string `json:"item_content_type,omitempty"`
	MaxRecordSize   int64  `json:"max_record_size,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

// WriteMeta writes the stream's meta document.
func WriteMeta(path string, cfg StreamConfig, createdAt time.Time) error {
	doc := metaDoc{
		ContentType:     cfg.ContentType,
		ItemContentType: cfg.ItemContentType,
		MaxRecordSize:   cfg.MaxRecordSize,
		CreatedAt:       createdAt.UnixMilli(),
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadMeta loads a stream's meta document.
func ReadMeta(path string) (StreamConfig, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StreamConfig{}, time.Time{}, err
	}
	var doc metaDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return StreamConfig{}, time.Time{}, fmt.Errorf("parse meta: %w", err)
	}
	cfg := StreamConfig{
		ContentType:     doc.ContentType,
		ItemContentType: doc.ItemContentType,
		MaxRecordSize:   doc.MaxRecordSize,
	}
	return cfg, time.UnixMilli(doc.CreatedAt), nil
}
