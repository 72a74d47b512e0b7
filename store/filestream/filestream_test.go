package filestream_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/pagedhash/store/filestream"
	"github.com/rpcpool/pagedhash/store/types"
)

func openTemp(t *testing.T) *filestream.Stream {
	t.Helper()
	s, err := filestream.Open(filepath.Join(t.TempDir(), "stream"), true)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendReadAt(t *testing.T) {
	s := openTemp(t)

	first, err := s.Append([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, types.Position(0), first)

	second, err := s.Append([]byte("world"))
	require.NoError(t, err)
	require.Equal(t, types.Position(5), second)

	buf := make([]byte, 5)
	require.NoError(t, s.ReadAt(first, buf))
	require.Equal(t, []byte("hello"), buf)
	require.NoError(t, s.ReadAt(second, buf))
	require.Equal(t, []byte("world"), buf)
}

func TestWriteAtOverwrites(t *testing.T) {
	s := openTemp(t)

	_, err := s.Append([]byte("aaaaaaaa"))
	require.NoError(t, err)
	require.NoError(t, s.WriteAt(2, []byte("bb")))

	buf := make([]byte, 8)
	require.NoError(t, s.ReadAt(0, buf))
	require.Equal(t, []byte("aabbaaaa"), buf)
}

func TestUint64RoundTrip(t *testing.T) {
	s := openTemp(t)

	require.NoError(t, s.WriteUint64At(0, 0xdeadbeef))
	v, err := s.ReadUint64At(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), v)

	s.GotoBegin()
	v, err = s.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(0xdeadbeef), v)
	require.Equal(t, types.Position(8), s.Pos())
}

func TestSequentialReadAndSkip(t *testing.T) {
	s := openTemp(t)

	_, err := s.Append([]byte("0123456789"))
	require.NoError(t, err)

	s.GotoBegin()
	s.Skip(4)
	buf := make([]byte, 3)
	require.NoError(t, s.Read(buf))
	require.Equal(t, []byte("456"), buf)
	require.Equal(t, types.Position(7), s.Pos())
}

func TestEndOfStream(t *testing.T) {
	s := openTemp(t)

	_, err := s.Append([]byte("0123"))
	require.NoError(t, err)

	// A read starting exactly at the end is a clean end of stream.
	buf := make([]byte, 4)
	require.ErrorIs(t, s.ReadAt(4, buf), types.ErrEndOfStream)

	// A read cut short mid-record is corruption.
	require.ErrorIs(t, s.ReadAt(2, buf), types.ErrCorruptedFile)
}

func TestGotoEndAndSize(t *testing.T) {
	s := openTemp(t)

	_, err := s.Append([]byte("abcdef"))
	require.NoError(t, err)

	end, err := s.GotoEnd()
	require.NoError(t, err)
	require.Equal(t, types.Position(6), end)

	size, err := s.Size()
	require.NoError(t, err)
	require.Equal(t, int64(6), size)
}

func TestReopenKeepsContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")

	s, err := filestream.Open(path, true)
	require.NoError(t, err)
	_, err = s.Append([]byte("persist"))
	require.NoError(t, err)
	require.NoError(t, s.Sync())
	require.NoError(t, s.Close())

	s, err = filestream.Open(path, false)
	require.NoError(t, err)
	defer s.Close()
	buf := make([]byte, 7)
	require.NoError(t, s.ReadAt(0, buf))
	require.Equal(t, []byte("persist"), buf)
}

func TestOverwriteTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream")

	s, err := filestream.Open(path, true)
	require.NoError(t, err)
	_, err = s.Append([]byte("old content"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = filestream.Open(path, true)
	require.NoError(t, err)
	defer s.Close()
	size, err := s.Size()
	require.NoError(t, err)
	require.Zero(t, size)
}
