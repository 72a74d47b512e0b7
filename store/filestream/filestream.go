// Package filestream provides typed, position-addressed binary I/O over a
// single random-access file. All multi-byte integers are little-endian
// regardless of host byte order.
//
// Reads distinguish a clean end of file at a record boundary
// (types.ErrEndOfStream) from a record cut short (types.ErrCorruptedFile).
// Sequential scans use the former as their terminator.
package filestream

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/rpcpool/pagedhash/store/types"
)

// Stream wraps an *os.File with a tracked sequential position. Positional
// reads and writes (ReadAt, WriteAt) do not move the sequential position;
// Read, Skip and Append do.
type Stream struct {
	file *os.File
	pos  int64
}

// Open opens the file at path for read/write. With overwrite the file is
// created or truncated; without it the file must already exist.
func Open(path string, overwrite bool) (*Stream, error) {
	flags := os.O_RDWR
	if overwrite {
		flags |= os.O_CREATE | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open file %q: %w", path, err)
	}
	return &Stream{file: file}, nil
}

// New wraps an already-open file. The stream takes ownership: Close closes
// the file.
func New(file *os.File) *Stream {
	return &Stream{file: file}
}

// ReadAt fills buf from the given position. A read that hits end of file
// before the first byte returns types.ErrEndOfStream; one cut short after
// some bytes returns types.ErrCorruptedFile.
func (s *Stream) ReadAt(pos types.Position, buf []byte) error {
	n, err := s.file.ReadAt(buf, int64(pos))
	return coalesceRead(n, len(buf), err)
}

// WriteAt writes buf at the given position, extending the file if needed.
func (s *Stream) WriteAt(pos types.Position, buf []byte) error {
	if _, err := s.file.WriteAt(buf, int64(pos)); err != nil {
		return fmt.Errorf("write at %d: %w", pos, err)
	}
	return nil
}

// Append writes buf at the end of the file and returns the position of its
// first byte. The sequential position is left at the new end.
func (s *Stream) Append(buf []byte) (types.Position, error) {
	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := s.file.Write(buf); err != nil {
		return 0, fmt.Errorf("append at %d: %w", end, err)
	}
	s.pos = end + int64(len(buf))
	return types.Position(end), nil
}

// Read fills buf at the sequential position and advances past it.
// End-of-stream semantics are those of ReadAt.
func (s *Stream) Read(buf []byte) error {
	if err := s.ReadAt(types.Position(s.pos), buf); err != nil {
		return err
	}
	s.pos += int64(len(buf))
	return nil
}

// ReadUint64At reads a little-endian u64 at pos.
func (s *Stream) ReadUint64At(pos types.Position) (uint64, error) {
	var buf [8]byte
	if err := s.ReadAt(pos, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64At writes v as a little-endian u64 at pos.
func (s *Stream) WriteUint64At(pos types.Position, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.WriteAt(pos, buf[:])
}

// ReadUint64 reads a little-endian u64 at the sequential position and
// advances past it.
func (s *Stream) ReadUint64() (uint64, error) {
	var buf [8]byte
	if err := s.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Skip advances the sequential position by n bytes without reading them.
func (s *Stream) Skip(n int64) {
	s.pos += n
}

// Pos returns the sequential position.
func (s *Stream) Pos() types.Position {
	return types.Position(s.pos)
}

// SetPos moves the sequential position.
func (s *Stream) SetPos(pos types.Position) {
	s.pos = int64(pos)
}

// GotoBegin moves the sequential position to the start of the file.
func (s *Stream) GotoBegin() {
	s.pos = 0
}

// GotoEnd moves the sequential position to the end of the file and returns
// it.
func (s *Stream) GotoEnd() (types.Position, error) {
	end, err := s.file.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	s.pos = end
	return types.Position(end), nil
}

// Size returns the current file size.
func (s *Stream) Size() (int64, error) {
	fi, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Sync commits the file contents to stable storage.
func (s *Stream) Sync() error {
	return s.file.Sync()
}

// Close closes the underlying file.
func (s *Stream) Close() error {
	return s.file.Close()
}

// coalesceRead maps a short read onto the stream error model.
func coalesceRead(n, want int, err error) error {
	if err == nil {
		return nil
	}
	if err == io.EOF {
		if n == 0 {
			return types.ErrEndOfStream
		}
		return fmt.Errorf("%w: record cut short, read %d of %d bytes", types.ErrCorruptedFile, n, want)
	}
	return err
}
