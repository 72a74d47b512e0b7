// Package recordlog implements an append-only log of length-prefixed byte
// records. Records are addressed by the byte position returned from Append
// and are never relocated or overwritten, so a position stays valid for the
// lifetime of the log's directory.
//
// The table index uses one log for key bytes; the composite store uses a
// second one for values.
package recordlog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/valyala/bytebufferpool"

	"github.com/rpcpool/pagedhash/store/types"
)

var log = logging.Logger("pagedhash/recordlog")

const (
	// sizePrefix is the u32 length prepended to every record.
	sizePrefix = 4

	// writeBufferSize is the size of the append buffer. Same size as the
	// linux pipe size.
	writeBufferSize = 16 * 4096
)

// Log is an append-only record log over a single file. It is not safe for
// concurrent use; the owning index provides exclusive access.
type Log struct {
	file   *os.File
	writer *bufio.Writer

	// length is the total log size including buffered appends; flushed is
	// the part already on disk. Reads past flushed force a flush.
	length  types.Position
	flushed types.Position
}

// Open opens the record log at path. With overwrite the log is created or
// emptied; without it the file must already exist.
func Open(path string, overwrite bool) (*Log, error) {
	flags := os.O_RDWR | os.O_APPEND
	if overwrite {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open file %q: %w", path, err)
	}
	end, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Log{
		file:    file,
		writer:  bufio.NewWriterSize(file, writeBufferSize),
		length:  types.Position(end),
		flushed: types.Position(end),
	}, nil
}

// Append adds one record and returns the position that ReadAt accepts to get
// it back. The record bytes are buffered; Flush, Sync, Close or a read past
// the flushed tail push them to disk.
func (l *Log) Append(rec []byte) (types.Position, error) {
	pos := l.length

	bb := bytebufferpool.Get()
	bb.B = append(bb.B, 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(bb.B, uint32(len(rec)))
	bb.B = append(bb.B, rec...)
	_, err := l.writer.Write(bb.B)
	bytebufferpool.Put(bb)
	if err != nil {
		return 0, fmt.Errorf("cannot append record to %s: %w", l.file.Name(), err)
	}

	l.length += types.Position(sizePrefix + len(rec))
	return pos, nil
}

// ReadAt reconstitutes the record appended at pos, byte for byte.
func (l *Log) ReadAt(pos types.Position) ([]byte, error) {
	if pos < 0 || pos+sizePrefix > l.length {
		return nil, fmt.Errorf("%w: record position %d out of range", types.ErrCorruptedFile, pos)
	}
	if pos+sizePrefix > l.flushed {
		log.Debugw("flushing buffered records before read", "pos", pos)
		if err := l.Flush(); err != nil {
			return nil, err
		}
	}

	var prefix [sizePrefix]byte
	if err := l.readFull(pos, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(prefix[:])
	end := pos + sizePrefix + types.Position(size)
	if end > l.length {
		return nil, fmt.Errorf("%w: record at %d claims %d bytes past end of log", types.ErrCorruptedFile, pos, size)
	}
	if end > l.flushed {
		if err := l.Flush(); err != nil {
			return nil, err
		}
	}

	rec := make([]byte, size)
	if err := l.readFull(pos+sizePrefix, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Log) readFull(pos types.Position, buf []byte) error {
	n, err := l.file.ReadAt(buf, int64(pos))
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: record cut short, read %d of %d bytes at %d", types.ErrCorruptedFile, n, len(buf), pos)
		}
		return err
	}
	return nil
}

// Flush writes buffered records to the log file.
func (l *Log) Flush() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("cannot flush records to %s: %w", l.file.Name(), err)
	}
	l.flushed = l.length
	return nil
}

// Sync flushes buffered records and commits the file to stable storage.
func (l *Log) Sync() error {
	if err := l.Flush(); err != nil {
		return err
	}
	return l.file.Sync()
}

// StorageSize returns the total log size in bytes, buffered appends
// included.
func (l *Log) StorageSize() int64 {
	return int64(l.length)
}

// Close flushes and closes the log file.
func (l *Log) Close() error {
	if err := l.Flush(); err != nil {
		l.file.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
