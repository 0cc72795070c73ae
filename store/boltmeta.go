package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// BoltCatalog maps stream paths to their on-disk directories and caches the
// head offset so startup does not need to scan every index file that agrees
// with the catalog. The per-stream meta document remains the authoritative
// configuration record; the catalog is an accelerator plus the path index.
type BoltCatalog struct {
	db *bbolt.DB
}

var streamsBucket = []byte("streams")

// CatalogRow is one catalog record.
type CatalogRow struct {
	Path      string       `json:"path"`
	DirName   string       `json:"dir_name"`
	Config    StreamConfig `json:"-"`
	Head      Offset       `json:"head"`
	Degraded  bool         `json:"degraded,omitempty"`
	CreatedAt time.Time    `json:"-"`
}

// catalogRow is the serialized form of CatalogRow.
type catalogRow struct {
	Path            string `json:"path"`
	DirName         string `json:"dir_name"`
	ContentType     string `json:"content_type"`
	ItemContentType string `json:"item_content_type,omitempty"`
	MaxRecordSize   int64  `json:"max_record_size,omitempty"`
	Head            string `json:"head"`
	Degraded        bool   `json:"degraded,omitempty"`
	CreatedAt       int64  `json:"created_at"`
}

// OpenBoltCatalog opens (creating if necessary) the catalog database.
func OpenBoltCatalog(dir string) (*BoltCatalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, "catalog.db"), 0o600, &bbolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create streams bucket: %w", err)
	}
	return &BoltCatalog{db: db}, nil
}

func encodeRow(row *CatalogRow) ([]byte, error) {
	return json.Marshal(catalogRow{
		Path:            row.Path,
		DirName:         row.DirName,
		ContentType:     row.Config.ContentType,
		ItemContentType: row.Config.ItemContentType,
		MaxRecordSize:   row.Config.MaxRecordSize,
		Head:            row.Head.String(),
		Degraded:        row.Degraded,
		CreatedAt:       row.CreatedAt.UnixMilli(),
	})
}

func decodeRow(data []byte) (*CatalogRow, error) {
	var raw catalogRow
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode catalog row: %w", err)
	}
	head, err := ParseOffset(raw.Head)
	if err != nil {
		return nil, fmt.Errorf("decode catalog head: %w", err)
	}
	return &CatalogRow{
		Path:    raw.Path,
		DirName: raw.DirName,
		Config: StreamConfig{
			ContentType:     raw.ContentType,
			ItemContentType: raw.ItemContentType,
			MaxRecordSize:   raw.MaxRecordSize,
		},
		Head:      head,
		Degraded:  raw.Degraded,
		CreatedAt: time.UnixMilli(raw.CreatedAt),
	}, nil
}

// Put stores or replaces a catalog row.
func (c *BoltCatalog) Put(row *CatalogRow) error {
	data, err := encodeRow(row)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).Put([]byte(row.Path), data)
	})
}

// Get loads the row for a path, or ErrStreamNotFound.
func (c *BoltCatalog) Get(path string) (*CatalogRow, error) {
	var row *CatalogRow
	err := c.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(streamsBucket).Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		var err error
		row, err = decodeRow(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// UpdateHead rewrites only the cached head for a path.
func (c *BoltCatalog) UpdateHead(path string, head Offset) error {
	return c.mutate(path, func(row *CatalogRow) {
		row.Head = head
	})
}

// SetDegraded flips the degraded marker for a path.
func (c *BoltCatalog) SetDegraded(path string, degraded bool) error {
	return c.mutate(path, func(row *CatalogRow) {
		row.Degraded = degraded
	})
}

func (c *BoltCatalog) mutate(path string, fn func(*CatalogRow)) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(streamsBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return ErrStreamNotFound
		}
		row, err := decodeRow(data)
		if err != nil {
			return err
		}
		fn(row)
		out, err := encodeRow(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), out)
	})
}

// Delete removes the row for a path. Missing rows are not an error; delete
// must be idempotent for crash recovery.
func (c *BoltCatalog) Delete(path string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).Delete([]byte(path))
	})
}

// ForEach iterates all catalog rows.
func (c *BoltCatalog) ForEach(fn func(row *CatalogRow) error) error {
	return c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).ForEach(func(k, v []byte) error {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			return fn(row)
		})
	})
}

// Close closes the underlying database.
func (c *BoltCatalog) Close() error {
	return c.db.Close()
}
