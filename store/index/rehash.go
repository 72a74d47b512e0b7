package index

import (
	"errors"
	"fmt"
	"os"

	"github.com/rpcpool/pagedhash/store/filestream"
	"github.com/rpcpool/pagedhash/store/types"
)

// Rehash rewrites the whole table into a fresh file with newBucketCount
// buckets. The current table file is renamed to "<table>_old", a fresh table
// is initialized in its place, and every occupied segment of the old file —
// alive and dead alike, keeping its state — is re-inserted through the
// internal path keyed by its stored hash and keys-log address. Once the scan
// reaches its end the new table is synced to disk and the old file deleted.
//
// Bucket assignments change with the bucket count, so overflow chains are
// recomputed from scratch; the keys log is untouched. The size counter is
// recomputed from the alive segments seen during the scan.
func (idx *Index) Rehash(newBucketCount uint64) error {
	if idx.closed {
		return types.ErrClosed
	}
	if newBucketCount == 0 {
		return fmt.Errorf("bucket count must be positive")
	}
	log.Debugw("rehashing table",
		"from", idx.bucketCount,
		"to", newBucketCount,
		"size", idx.size,
	)

	if err := idx.table.Close(); err != nil {
		return err
	}
	oldPath := idx.tablePath + "_old"
	if err := os.Rename(idx.tablePath, oldPath); err != nil {
		return err
	}

	if err := idx.initTable(newBucketCount); err != nil {
		return err
	}

	old, err := filestream.Open(oldPath, false)
	if err != nil {
		return err
	}
	defer old.Close()
	old.SetPos(headerSize)

	idx.size = 0
	buf := make([]byte, idx.pageSize)
	for {
		if err := old.Read(buf); err != nil {
			if errors.Is(err, types.ErrEndOfStream) {
				break
			}
			return err
		}
		p, err := unmarshalPage(buf, idx.pageLength, idx.valueSize)
		if err != nil {
			return err
		}
		for i := range p.segs {
			seg := p.segs[i]
			if seg.state == stateEmpty {
				continue
			}
			ok, err := idx.insert(
				storedKey{hash: seg.hash, addr: seg.keyAddr},
				func() ([]byte, error) { return seg.value, nil },
				seg.state,
			)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: segment with key address %d appears twice", types.ErrCorruptedFile, seg.keyAddr)
			}
			if seg.state == stateAlive {
				idx.size++
			}
		}
	}

	if err := idx.table.Sync(); err != nil {
		return err
	}
	return os.Remove(oldPath)
}
