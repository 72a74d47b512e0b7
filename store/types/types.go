package types

// Position indicates a byte position in a file. The table file begins with a
// header, so 0 never addresses a page and doubles as the "no next page"
// sentinel in chain links.
type Position int64

// NoPosition is the chain-link sentinel for "none".
const NoPosition = Position(0)

// PositionBytesLen is the encoded size of a Position.
const PositionBytesLen = 8
