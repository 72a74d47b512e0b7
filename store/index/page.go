package index

import (
	"encoding/binary"
	"fmt"

	"github.com/rpcpool/pagedhash/store/types"
)

// Segment states. Only the occupied prefix of a page carries alive or dead
// segments; the trailing slots of a page are zero bytes and are never
// decoded.
const (
	stateEmpty = 'e'
	stateAlive = 'a'
	stateDead  = 'd'
)

// On-disk page layout, all little-endian, no padding:
//
//	offset 0  : u64 segCount
//	offset 8  : i64 nextPagePos (0 = end of chain)
//	offset 16 : segment[pageLength]
//
// segment = state byte | u64 hash | u64 keyAddress | value[valueSize].
const (
	pageHeaderSize = 16
	nextPageOffset = 8
	segHeaderSize  = 1 + 8 + 8
)

type segment struct {
	state   byte
	hash    uint64
	keyAddr types.Position
	value   []byte
}

type page struct {
	segCount uint64
	nextPage types.Position
	segs     []segment // decoded occupied prefix, len == segCount
}

// pageSize returns the fixed on-disk size of a page for the given geometry.
func pageSize(pageLength uint64, valueSize int) int {
	return pageHeaderSize + int(pageLength)*(segHeaderSize+valueSize)
}

// unmarshalPage decodes the occupied prefix of a raw page block.
func unmarshalPage(buf []byte, pageLength uint64, valueSize int) (*page, error) {
	segCount := binary.LittleEndian.Uint64(buf[0:8])
	if segCount > pageLength {
		return nil, fmt.Errorf("%w: page claims %d segments, page length is %d", types.ErrCorruptedFile, segCount, pageLength)
	}
	nextPage := types.Position(binary.LittleEndian.Uint64(buf[8:16]))
	if nextPage < 0 || (nextPage != 0 && nextPage < headerSize) {
		return nil, fmt.Errorf("%w: page chain link %d outside table body", types.ErrCorruptedFile, nextPage)
	}

	p := &page{
		segCount: segCount,
		nextPage: nextPage,
		segs:     make([]segment, segCount),
	}
	segSize := segHeaderSize + valueSize
	for i := uint64(0); i < segCount; i++ {
		rec := buf[pageHeaderSize+int(i)*segSize:]
		state := rec[0]
		switch state {
		case stateAlive, stateDead, stateEmpty:
		default:
			return nil, fmt.Errorf("%w: unknown segment state %q", types.ErrCorruptedFile, state)
		}
		value := make([]byte, valueSize)
		copy(value, rec[segHeaderSize:segHeaderSize+valueSize])
		p.segs[i] = segment{
			state:   state,
			hash:    binary.LittleEndian.Uint64(rec[1:9]),
			keyAddr: types.Position(binary.LittleEndian.Uint64(rec[9:17])),
			value:   value,
		}
	}
	return p, nil
}

// marshalPage encodes p into buf, which must be a full page block. Slots past
// the occupied prefix are left as zero bytes.
func marshalPage(buf []byte, p *page, valueSize int) {
	for i := range buf {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint64(buf[0:8], p.segCount)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(p.nextPage))
	segSize := segHeaderSize + valueSize
	for i, seg := range p.segs {
		rec := buf[pageHeaderSize+i*segSize:]
		rec[0] = seg.state
		binary.LittleEndian.PutUint64(rec[1:9], seg.hash)
		binary.LittleEndian.PutUint64(rec[9:17], uint64(seg.keyAddr))
		copy(rec[segHeaderSize:segHeaderSize+valueSize], seg.value)
	}
}
