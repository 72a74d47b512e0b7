package store_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcpool/pagedhash/store"
	"github.com/rpcpool/pagedhash/store/types"
)

func TestFreshStoreBasics(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Overwrite(), store.PageLength(6))
	require.NoError(t, err)
	defer st.Close()

	ok, err := st.Insert([]byte("a"), []byte("10"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Insert([]byte("b"), []byte("12"))
	require.NoError(t, err)
	require.True(t, ok)

	has, err := st.Has([]byte("a"))
	require.NoError(t, err)
	require.True(t, has)
	has, err = st.Has([]byte("b"))
	require.NoError(t, err)
	require.True(t, has)
	has, err = st.Has([]byte("c"))
	require.NoError(t, err)
	require.False(t, has)

	value, found, err := st.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("10"), value)

	_, found, err = st.Get([]byte("asdasd"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestDuplicateRejection(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Overwrite(), store.PageLength(6))
	require.NoError(t, err)
	defer st.Close()

	ok, err := st.Insert([]byte("k"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Insert([]byte("k"), []byte("2"))
	require.NoError(t, err)
	require.False(t, ok)

	value, found, err := st.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), value)
	require.Equal(t, uint64(1), st.Size())
}

func TestRefusedInsertAppendsNoValue(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Overwrite(), store.PageLength(6))
	require.NoError(t, err)
	defer st.Close()

	ok, err := st.Insert([]byte("k"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := st.Stats()
	require.NoError(t, err)
	dataBytes := stats.DataBytes

	ok, err = st.Insert([]byte("k"), []byte("a value that must never be written"))
	require.NoError(t, err)
	require.False(t, ok)

	stats, err = st.Stats()
	require.NoError(t, err)
	require.Equal(t, dataBytes, stats.DataBytes)
}

func TestEraseAndResurrect(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Overwrite(), store.PageLength(6))
	require.NoError(t, err)
	defer st.Close()

	ok, err := st.Insert([]byte("k"), []byte("1"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = st.Erase([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)

	has, err := st.Has([]byte("k"))
	require.NoError(t, err)
	require.False(t, has)

	ok, err = st.Insert([]byte("k"), []byte("2"))
	require.NoError(t, err)
	require.True(t, ok)

	value, found, err := st.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), value)
	require.Equal(t, uint64(1), st.Size())

	// Erasing an absent key is an ordinary refusal.
	ok, err = st.Erase([]byte("other"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGrowthThroughRehash(t *testing.T) {
	st, err := store.Open(t.TempDir(),
		store.Overwrite(),
		store.PageLength(2),
		store.MaxLoadFactor(1.5),
	)
	require.NoError(t, err)
	defer st.Close()

	require.Equal(t, uint64(2), st.BucketCount())

	const n = 20
	for i := 0; i < n; i++ {
		ok, err := st.Insert([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Greater(t, st.BucketCount(), uint64(2))
	require.Equal(t, uint64(n), st.Size())

	for i := 0; i < n; i++ {
		value, found, err := st.Get([]byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), value)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(42))

	const n = 1000
	keys := make([][]byte, n)
	values := make([][]byte, n)
	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		for {
			key := randomBytes(rng, 8+rng.Intn(24))
			if !seen[string(key)] {
				seen[string(key)] = true
				keys[i] = key
				break
			}
		}
		values[i] = randomBytes(rng, 1+rng.Intn(64))
	}

	st, err := store.Open(dir, store.Overwrite(), store.PageLength(6))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		ok, err := st.Insert(keys[i], values[i])
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, st.Close())

	st, err = store.Open(dir, store.PageLength(6))
	require.NoError(t, err)
	defer st.Close()

	require.Equal(t, uint64(n), st.Size())
	for i := 0; i < n; i++ {
		value, found, err := st.Get(keys[i])
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, values[i], value)
	}
}

func TestReopenPageLengthMismatch(t *testing.T) {
	dir := t.TempDir()

	st, err := store.Open(dir, store.Overwrite(), store.PageLength(6))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	_, err = store.Open(dir, store.PageLength(10))
	require.ErrorIs(t, err, types.ErrPageLengthMismatch{6, 10})
}

func TestSizeEmptyAndStats(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Overwrite(), store.PageLength(6))
	require.NoError(t, err)
	defer st.Close()

	require.True(t, st.Empty())
	ok, err := st.Insert([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, st.Empty())
	require.Equal(t, uint64(1), st.Size())

	stats, err := st.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.Size)
	require.Equal(t, uint64(6), stats.PageLength)
	require.Equal(t, uint64(2), stats.BucketCount)
	require.Positive(t, stats.TableBytes)
	require.Positive(t, stats.KeysBytes)
	require.Positive(t, stats.DataBytes)
}

func TestShrinkToFit(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Overwrite(), store.PageLength(4))
	require.NoError(t, err)
	defer st.Close()

	const n = 100
	for i := 0; i < n; i++ {
		ok, err := st.Insert([]byte(fmt.Sprintf("k%d", i)), []byte(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 0; i < n; i += 2 {
		ok, err := st.Erase([]byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		require.True(t, ok)
	}

	require.NoError(t, st.ShrinkToFit())
	require.Equal(t, uint64(n/2), st.Size())
	for i := 1; i < n; i += 2 {
		value, found, err := st.Get([]byte(fmt.Sprintf("k%d", i)))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte(fmt.Sprintf("v%d", i)), value)
	}
}

func TestClosedStore(t *testing.T) {
	st, err := store.Open(t.TempDir(), store.Overwrite(), store.PageLength(6))
	require.NoError(t, err)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())

	_, err = st.Insert([]byte("k"), []byte("v"))
	require.ErrorIs(t, err, types.ErrClosed)
	_, _, err = st.Get([]byte("k"))
	require.ErrorIs(t, err, types.ErrClosed)
	_, err = st.Has([]byte("k"))
	require.ErrorIs(t, err, types.ErrClosed)
	_, err = st.Erase([]byte("k"))
	require.ErrorIs(t, err, types.ErrClosed)
}

func randomBytes(rng *rand.Rand, n int) []byte {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = charset[rng.Intn(len(charset))]
	}
	return buf
}
