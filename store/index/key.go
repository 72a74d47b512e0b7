package index

import (
	"bytes"

	"github.com/cespare/xxhash/v2"

	"github.com/rpcpool/pagedhash/store/recordlog"
	"github.com/rpcpool/pagedhash/store/types"
)

// insertKey is the tagged key representation shared by the two insert entry
// paths. A raw key comes from the caller and is appended to the keys log
// only when a brand-new segment is committed; a stored key comes from the
// rehash scan and already has its hash and keys-log address.
type insertKey interface {
	sum() uint64
	equal(addr types.Position) (bool, error)
	persist() (types.Position, error)
}

type rawKey struct {
	bytes []byte
	hash  uint64
	keys  *recordlog.Log
}

func newRawKey(key []byte, keys *recordlog.Log) *rawKey {
	return &rawKey{
		bytes: key,
		hash:  xxhash.Sum64(key),
		keys:  keys,
	}
}

func (k *rawKey) sum() uint64 {
	return k.hash
}

func (k *rawKey) equal(addr types.Position) (bool, error) {
	stored, err := k.keys.ReadAt(addr)
	if err != nil {
		return false, err
	}
	return bytes.Equal(stored, k.bytes), nil
}

func (k *rawKey) persist() (types.Position, error) {
	return k.keys.Append(k.bytes)
}

// storedKey identifies a key by its existing keys-log address. Two stored
// keys are the same key exactly when their addresses match, because the log
// never relocates records.
type storedKey struct {
	hash uint64
	addr types.Position
}

func (k storedKey) sum() uint64 {
	return k.hash
}

func (k storedKey) equal(addr types.Position) (bool, error) {
	return k.addr == addr, nil
}

func (k storedKey) persist() (types.Position, error) {
	return k.addr, nil
}
