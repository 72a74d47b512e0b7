// Package store implements an embedded on-disk key→value store: a paged
// hash table index over an append-only data log. Keys and values are
// variable-length byte strings; the index keeps fixed-size data-log
// positions in its segments, so values of any length ride on the log.
//
// A store directory holds three files:
//
//	<dir>/hash_idx — the table file
//	<dir>/keys_idx — the keys log
//	<dir>/data     — the data (values) log
//
// A store has a single exclusive owner; two stores over the same directory
// corrupt state.
package store

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/pagedhash/store/index"
	"github.com/rpcpool/pagedhash/store/recordlog"
	"github.com/rpcpool/pagedhash/store/types"
)

var log = logging.Logger("pagedhash")

// File names inside a store directory.
const (
	TableFileName = "hash_idx"
	KeysFileName  = "keys_idx"
	DataFileName  = "data"
)

// Store is the composite facade over the index and the data log.
type Store struct {
	dir    string
	idx    *index.Index
	data   *recordlog.Log
	closed bool
}

// Open opens the store in dir, creating the directory if needed. Without the
// Overwrite option an existing store is adopted, and its page length must
// equal the configured one.
func Open(dir string, options ...Option) (*Store, error) {
	cfg := config{pageLength: index.DefaultPageLength}
	cfg.apply(options)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create store directory %q: %w", dir, err)
	}

	data, err := recordlog.Open(filepath.Join(dir, DataFileName), cfg.overwrite)
	if err != nil {
		return nil, err
	}
	idx, err := index.Open(
		filepath.Join(dir, TableFileName),
		filepath.Join(dir, KeysFileName),
		index.Config{
			PageLength:    cfg.pageLength,
			ValueSize:     types.PositionBytesLen,
			Overwrite:     cfg.overwrite,
			MaxLoadFactor: cfg.maxLoadFactor,
		},
	)
	if err != nil {
		data.Close()
		return nil, err
	}

	log.Debugw("store opened",
		"dir", dir,
		"size", idx.Size(),
		"buckets", idx.BucketCount(),
	)
	return &Store{
		dir:  dir,
		idx:  idx,
		data: data,
	}, nil
}

// Insert adds the key→value pair. It returns false when an alive entry for
// key already exists; in that case nothing is appended to the data log. A
// previously erased key is resurrected with the new value.
func (s *Store) Insert(key, value []byte) (bool, error) {
	if s.closed {
		return false, types.ErrClosed
	}
	return s.idx.InsertLazy(key, func() ([]byte, error) {
		pos, err := s.data.Append(value)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, types.PositionBytesLen)
		binary.LittleEndian.PutUint64(buf, uint64(pos))
		return buf, nil
	})
}

// Get returns the value of the most recent successful insert of key.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed {
		return nil, false, types.ErrClosed
	}
	posBuf, found, err := s.idx.Get(key)
	if err != nil || !found {
		return nil, false, err
	}
	pos := types.Position(binary.LittleEndian.Uint64(posBuf))
	value, err := s.data.ReadAt(pos)
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Has reports whether key is present.
func (s *Store) Has(key []byte) (bool, error) {
	if s.closed {
		return false, types.ErrClosed
	}
	return s.idx.Has(key)
}

// Erase removes key. The data log bytes are not reclaimed. Returns false
// when the key is absent.
func (s *Store) Erase(key []byte) (bool, error) {
	if s.closed {
		return false, types.ErrClosed
	}
	return s.idx.Erase(key)
}

// Size returns the number of present keys.
func (s *Store) Size() uint64 {
	return s.idx.Size()
}

// Empty reports whether the store holds no keys.
func (s *Store) Empty() bool {
	return s.idx.Size() == 0
}

// LoadFactor returns the index load factor.
func (s *Store) LoadFactor() float64 {
	return s.idx.LoadFactor()
}

// MaxLoadFactor returns the index doubling threshold.
func (s *Store) MaxLoadFactor() float64 {
	return s.idx.MaxLoadFactor()
}

// SetMaxLoadFactor sets the index doubling threshold.
func (s *Store) SetMaxLoadFactor(f float64) {
	s.idx.SetMaxLoadFactor(f)
}

// BucketCount returns the index bucket count.
func (s *Store) BucketCount() uint64 {
	return s.idx.BucketCount()
}

// ShrinkToFit rewrites the table at the smallest bucket count the threshold
// allows. The keys and data logs are not rewritten.
func (s *Store) ShrinkToFit() error {
	if s.closed {
		return types.ErrClosed
	}
	return s.idx.ShrinkToFit()
}

// Stats is a point-in-time snapshot of the store.
type Stats struct {
	Dir           string  `json:"dir"`
	Size          uint64  `json:"size"`
	BucketCount   uint64  `json:"bucket_count"`
	PageLength    uint64  `json:"page_length"`
	LoadFactor    float64 `json:"load_factor"`
	MaxLoadFactor float64 `json:"max_load_factor"`
	TableBytes    int64   `json:"table_bytes"`
	KeysBytes     int64   `json:"keys_bytes"`
	DataBytes     int64   `json:"data_bytes"`
}

// Stats snapshots the store state and the sizes of its three files.
func (s *Store) Stats() (Stats, error) {
	if s.closed {
		return Stats{}, types.ErrClosed
	}
	tableBytes, err := s.idx.StorageSize()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Dir:           s.dir,
		Size:          s.idx.Size(),
		BucketCount:   s.idx.BucketCount(),
		PageLength:    s.idx.PageLength(),
		LoadFactor:    s.idx.LoadFactor(),
		MaxLoadFactor: s.idx.MaxLoadFactor(),
		TableBytes:    tableBytes,
		KeysBytes:     s.idx.KeysStorageSize(),
		DataBytes:     s.data.StorageSize(),
	}, nil
}

// Close flushes the index header, commits all three files to disk and
// releases them. Close is idempotent.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	errIdx := s.idx.Close()
	errData := s.data.Close()
	if errIdx != nil {
		return errIdx
	}
	return errData
}
