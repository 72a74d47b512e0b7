// Package index implements a paged, separately-chained hash table laid out
// directly on disk. The table file body is an array of fixed-size pages, one
// head page per bucket, with overflow pages appended at the end of the file
// and linked by file offset. Key bytes live in an append-only keys log and
// are referenced from segments by position; segment values are fixed-size
// byte payloads.
//
// The index has a single exclusive owner. No operation is safe to call
// concurrently with any other on the same Index.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rpcpool/pagedhash/store/filestream"
	"github.com/rpcpool/pagedhash/store/recordlog"
	"github.com/rpcpool/pagedhash/store/types"
)

var log = logging.Logger("pagedhash/index")

// headerSize is the fixed table file header: u64 bucketCount, u64 size,
// u64 pageLength, little-endian.
const headerSize = 24

const (
	// DefaultPageLength is the number of segment slots per page when the
	// configuration does not say otherwise.
	DefaultPageLength = 64

	// DefaultValueSize fits a file position, which is what the composite
	// store keeps in its segments.
	DefaultValueSize = 8

	// initialBucketCount is the bucket count of a freshly created table.
	initialBucketCount = 2
)

// Config carries the table geometry. The zero value gets defaults from
// Normalize.
type Config struct {
	// PageLength is the number of segment slots per page. A reopen fails
	// with types.ErrPageLengthMismatch if the table was created with a
	// different value.
	PageLength uint64

	// ValueSize is the fixed byte size of segment values.
	ValueSize int

	// Overwrite truncates both files and initializes a fresh table.
	Overwrite bool

	// MaxLoadFactor is the size/bucketCount threshold that triggers
	// doubling. 0 means PageLength * 0.75, and anything below 1 is raised
	// to 1.
	MaxLoadFactor float64
}

// Normalize fills in defaults and returns an error for unusable geometry.
func (c *Config) Normalize() error {
	if c.PageLength == 0 {
		c.PageLength = DefaultPageLength
	}
	if c.ValueSize == 0 {
		c.ValueSize = DefaultValueSize
	}
	if c.ValueSize < 1 {
		return fmt.Errorf("value size must be at least 1, got %d", c.ValueSize)
	}
	if c.MaxLoadFactor == 0 {
		c.MaxLoadFactor = float64(c.PageLength) * 0.75
	}
	if c.MaxLoadFactor < 1.0 {
		c.MaxLoadFactor = 1.0
	}
	return nil
}

// Index is the on-disk hash table. It owns the table file and the keys log
// for its whole lifetime.
type Index struct {
	tablePath string
	keysPath  string

	table *filestream.Stream
	keys  *recordlog.Log

	pageLength  uint64
	valueSize   int
	pageSize    int
	bucketCount uint64
	size        uint64
	maxLoad     float64

	closed bool
}

// Open opens the index over the given table and keys files. With
// cfg.Overwrite both files are truncated and a fresh table with two empty
// buckets is written; otherwise the existing header is adopted and the
// stored page length must equal the configured one.
func Open(tablePath, keysPath string, cfg Config) (*Index, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}

	keys, err := recordlog.Open(keysPath, cfg.Overwrite)
	if err != nil {
		return nil, err
	}

	idx := &Index{
		tablePath:  tablePath,
		keysPath:   keysPath,
		keys:       keys,
		pageLength: cfg.PageLength,
		valueSize:  cfg.ValueSize,
		pageSize:   pageSize(cfg.PageLength, cfg.ValueSize),
		maxLoad:    cfg.MaxLoadFactor,
	}

	if cfg.Overwrite {
		err = idx.initTable(initialBucketCount)
	} else {
		err = idx.reopenTable()
	}
	if err != nil {
		keys.Close()
		return nil, err
	}
	return idx, nil
}

// initTable creates a fresh table file with bucketCount empty head pages.
func (idx *Index) initTable(bucketCount uint64) error {
	table, err := filestream.Open(idx.tablePath, true)
	if err != nil {
		return err
	}
	idx.table = table
	idx.bucketCount = bucketCount

	if err := idx.writeHeader(); err != nil {
		table.Close()
		return err
	}

	// Batch the empty pages; a shrunk table is small but a rehash of a
	// large one writes millions of them.
	const batchPages = 256
	zeros := make([]byte, idx.pageSize*batchPages)
	remaining := bucketCount
	for remaining > 0 {
		n := uint64(batchPages)
		if remaining < n {
			n = remaining
		}
		if _, err := table.Append(zeros[:int(n)*idx.pageSize]); err != nil {
			table.Close()
			return err
		}
		remaining -= n
	}
	return nil
}

// reopenTable adopts the header of an existing table file.
func (idx *Index) reopenTable() error {
	table, err := filestream.Open(idx.tablePath, false)
	if err != nil {
		return err
	}

	var header [headerSize]byte
	if err := table.ReadAt(0, header[:]); err != nil {
		table.Close()
		if errors.Is(err, types.ErrEndOfStream) {
			return fmt.Errorf("%w: missing table header", types.ErrCorruptedFile)
		}
		return err
	}
	bucketCount, size, pageLength := decodeHeader(header)
	if pageLength != idx.pageLength {
		table.Close()
		return types.ErrPageLengthMismatch{pageLength, idx.pageLength}
	}
	if bucketCount == 0 {
		table.Close()
		return fmt.Errorf("%w: header claims zero buckets", types.ErrCorruptedFile)
	}

	idx.table = table
	idx.bucketCount = bucketCount
	idx.size = size
	return nil
}

// Close rewrites the header with the current table state, commits all files
// to disk and releases them. Further operations fail with types.ErrClosed.
func (idx *Index) Close() error {
	if idx.closed {
		return nil
	}
	idx.closed = true

	errHeader := idx.writeHeader()
	errSync := idx.table.Sync()
	errTable := idx.table.Close()
	errKeys := idx.keys.Close()

	for _, err := range []error{errHeader, errSync, errTable, errKeys} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) writeHeader() error {
	return idx.table.WriteAt(0, encodeHeader(idx.bucketCount, idx.size, idx.pageLength))
}

// Get returns a copy of the value stored for key.
func (idx *Index) Get(key []byte) ([]byte, bool, error) {
	if idx.closed {
		return nil, false, types.ErrClosed
	}
	_, _, seg, err := idx.lookup(key)
	if err != nil || seg == nil {
		return nil, false, err
	}
	value := make([]byte, idx.valueSize)
	copy(value, seg.value)
	return value, true, nil
}

// Has reports whether key has an alive segment. It never mutates the table.
func (idx *Index) Has(key []byte) (bool, error) {
	if idx.closed {
		return false, types.ErrClosed
	}
	_, _, seg, err := idx.lookup(key)
	return seg != nil, err
}

// Erase tombstones the alive segment of key in place. The segment keeps its
// hash and keys-log address so a later insert of the same key resurrects it.
// Returns false when the key is absent or already dead.
func (idx *Index) Erase(key []byte) (bool, error) {
	if idx.closed {
		return false, types.ErrClosed
	}
	p, pagePos, seg, err := idx.lookup(key)
	if err != nil || seg == nil {
		return false, err
	}
	seg.state = stateDead
	if err := idx.writePage(pagePos, p); err != nil {
		return false, err
	}
	idx.size--
	return true, nil
}

// lookup walks the bucket chain of key and returns the containing page, its
// position and the matching alive segment, or a nil segment when not found.
func (idx *Index) lookup(key []byte) (*page, types.Position, *segment, error) {
	k := newRawKey(key, idx.keys)
	hash := k.sum()

	pagePos := idx.bucketPos(hash)
	for {
		p, err := idx.readPage(pagePos)
		if err != nil {
			return nil, 0, nil, err
		}
		for i := range p.segs {
			seg := &p.segs[i]
			if seg.state != stateAlive {
				continue
			}
			if seg.hash != hash {
				continue
			}
			eq, err := k.equal(seg.keyAddr)
			if err != nil {
				return nil, 0, nil, err
			}
			if eq {
				return p, pagePos, seg, nil
			}
		}
		if p.nextPage == types.NoPosition {
			return nil, 0, nil, nil
		}
		pagePos = p.nextPage
	}
}

// Insert adds key with the given fixed-size value. It returns false when an
// alive segment for key already exists; inserting over a dead segment
// resurrects it with the new value.
func (idx *Index) Insert(key, value []byte) (bool, error) {
	return idx.InsertLazy(key, func() ([]byte, error) {
		return value, nil
	})
}

// InsertLazy is Insert with a value producer that is invoked at most once,
// and only when a segment is actually committed. A refused duplicate never
// observes the producer run.
func (idx *Index) InsertLazy(key []byte, produce func() ([]byte, error)) (bool, error) {
	if idx.closed {
		return false, types.ErrClosed
	}
	if err := idx.rehashIfNeeded(); err != nil {
		return false, err
	}
	ok, err := idx.insert(newRawKey(key, idx.keys), produce, stateAlive)
	if err != nil {
		return false, err
	}
	if ok {
		idx.size++
	}
	return ok, nil
}

// insert is the routine shared by the user path and the rehash path. It
// walks the bucket chain of the key; a matching alive segment refuses the
// insert, a matching dead one is resurrected, otherwise the first free slot
// takes a new segment, growing the chain by one overflow page if every page
// is full. It does not touch idx.size.
func (idx *Index) insert(key insertKey, produce func() ([]byte, error), state byte) (bool, error) {
	hash := key.sum()
	pagePos := idx.bucketPos(hash)
	for {
		p, err := idx.readPage(pagePos)
		if err != nil {
			return false, err
		}

		for i := range p.segs {
			seg := &p.segs[i]
			if seg.hash != hash {
				continue
			}
			eq, err := key.equal(seg.keyAddr)
			if err != nil {
				return false, err
			}
			if !eq {
				continue
			}
			if seg.state != stateDead {
				return false, nil
			}
			// Resurrection: the key bytes and their address stay.
			value, err := idx.produceValue(produce)
			if err != nil {
				return false, err
			}
			seg.value = value
			seg.state = state
			if err := idx.writePage(pagePos, p); err != nil {
				return false, err
			}
			return true, nil
		}

		if p.segCount < idx.pageLength {
			keyAddr, err := key.persist()
			if err != nil {
				return false, err
			}
			value, err := idx.produceValue(produce)
			if err != nil {
				return false, err
			}
			p.segs = append(p.segs, segment{
				state:   state,
				hash:    hash,
				keyAddr: keyAddr,
				value:   value,
			})
			p.segCount++
			if err := idx.writePage(pagePos, p); err != nil {
				return false, err
			}
			return true, nil
		}

		if p.nextPage != types.NoPosition {
			pagePos = p.nextPage
			continue
		}

		// Page full, end of chain: append a fresh empty page and link it.
		nextPos, err := idx.table.Append(make([]byte, idx.pageSize))
		if err != nil {
			return false, err
		}
		if err := idx.table.WriteUint64At(pagePos+nextPageOffset, uint64(nextPos)); err != nil {
			return false, err
		}
		pagePos = nextPos
	}
}

func (idx *Index) produceValue(produce func() ([]byte, error)) ([]byte, error) {
	value, err := produce()
	if err != nil {
		return nil, err
	}
	if len(value) != idx.valueSize {
		return nil, fmt.Errorf("value is %d bytes, index was opened with value size %d", len(value), idx.valueSize)
	}
	return value, nil
}

func (idx *Index) readPage(pos types.Position) (*page, error) {
	buf := make([]byte, idx.pageSize)
	if err := idx.table.ReadAt(pos, buf); err != nil {
		if errors.Is(err, types.ErrEndOfStream) {
			return nil, fmt.Errorf("%w: page chain points past end of table at %d", types.ErrCorruptedFile, pos)
		}
		return nil, err
	}
	return unmarshalPage(buf, idx.pageLength, idx.valueSize)
}

func (idx *Index) writePage(pos types.Position, p *page) error {
	buf := make([]byte, idx.pageSize)
	marshalPage(buf, p, idx.valueSize)
	return idx.table.WriteAt(pos, buf)
}

// bucketPos maps a hash to the file position of its bucket's head page.
func (idx *Index) bucketPos(hash uint64) types.Position {
	bucket := hash % idx.bucketCount
	return headerSize + types.Position(uint64(idx.pageSize)*bucket)
}

// Size returns the number of alive segments.
func (idx *Index) Size() uint64 {
	return idx.size
}

// BucketCount returns the current number of buckets.
func (idx *Index) BucketCount() uint64 {
	return idx.bucketCount
}

// PageLength returns the configured segment slots per page.
func (idx *Index) PageLength() uint64 {
	return idx.pageLength
}

// ValueSize returns the fixed byte size of segment values.
func (idx *Index) ValueSize() int {
	return idx.valueSize
}

// StorageSize returns the table file size in bytes.
func (idx *Index) StorageSize() (int64, error) {
	return idx.table.Size()
}

// KeysStorageSize returns the keys log size in bytes.
func (idx *Index) KeysStorageSize() int64 {
	return idx.keys.StorageSize()
}

// LoadFactor returns max(size, 1) / bucketCount.
func (idx *Index) LoadFactor() float64 {
	size := idx.size
	if size == 0 {
		size = 1
	}
	return float64(size) / float64(idx.bucketCount)
}

// MaxLoadFactor returns the doubling threshold.
func (idx *Index) MaxLoadFactor() float64 {
	return idx.maxLoad
}

// SetMaxLoadFactor sets the doubling threshold. Values below 1 are raised to
// 1: a threshold under one segment per bucket can never be satisfied by a
// table that keeps at least one page per bucket.
func (idx *Index) SetMaxLoadFactor(f float64) {
	if f < 1.0 {
		log.Warnw("max load factor below 1, clamping", "requested", f)
		f = 1.0
	}
	idx.maxLoad = f
}

// rehashIfNeeded doubles the bucket count once the load factor reaches the
// threshold.
func (idx *Index) rehashIfNeeded() error {
	if idx.LoadFactor() < idx.maxLoad {
		return nil
	}
	return idx.Rehash(idx.bucketCount * 2)
}

// ShrinkToFit rehashes to the smallest bucket count that keeps the load
// factor at or under the threshold.
func (idx *Index) ShrinkToFit() error {
	if idx.closed {
		return types.ErrClosed
	}
	size := idx.size
	if size == 0 {
		size = 1
	}
	bucketCount := uint64(math.Ceil(float64(size) / idx.maxLoad))
	if bucketCount == 0 {
		bucketCount = 1
	}
	return idx.Rehash(bucketCount)
}

func encodeHeader(bucketCount, size, pageLength uint64) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(buf[0:8], bucketCount)
	binary.LittleEndian.PutUint64(buf[8:16], size)
	binary.LittleEndian.PutUint64(buf[16:24], pageLength)
	return buf
}

func decodeHeader(buf [headerSize]byte) (bucketCount, size, pageLength uint64) {
	return binary.LittleEndian.Uint64(buf[0:8]),
		binary.LittleEndian.Uint64(buf[8:16]),
		binary.LittleEndian.Uint64(buf[16:24])
}
