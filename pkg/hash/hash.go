package hash

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
)

const (
	// M is the size of the identifier space in bits (2^160)
	M = 160

	// Size is the width of an identifier in bytes.
	Size = M / 8
)

var (
	// ringSize is 2^M, the size of the Chord ring
	ringSize = new(big.Int).Lsh(big.NewInt(1), M)
)

// ID is a position on the ring, stored as an unsigned big-endian number.
type ID [Size]byte

// HashKey hashes arbitrary data to a 160-bit identifier using SHA-1.
func HashKey(data []byte) ID {
	return ID(sha1.Sum(data))
}

// HashString hashes a string to a 160-bit identifier.
func HashString(s string) ID {
	return HashKey([]byte(s))
}

// HashAddress computes a node identifier from its network address.
// The digest input is the IPv4 address bytes followed by the big-endian port,
// which is exactly the 6-byte form nodes use on the wire.
func HashAddress(ip net.IP, port int) ID {
	addr := ip.To4()
	if addr == nil {
		addr = ip.To16()
	}
	buf := make([]byte, len(addr)+2)
	copy(buf, addr)
	binary.BigEndian.PutUint16(buf[len(addr):], uint16(port))
	return HashKey(buf)
}

// FromBig converts x mod 2^M into an identifier.
func FromBig(x *big.Int) ID {
	var id ID
	if x == nil {
		return id
	}
	mod(x).FillBytes(id[:])
	return id
}

// FromUint64 builds an identifier with the given numeric value.
func FromUint64(v uint64) ID {
	var id ID
	binary.BigEndian.PutUint64(id[Size-8:], v)
	return id
}

// ParseID decodes a 40 character hex string.
func ParseID(s string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if len(raw) != Size {
		return id, fmt.Errorf("invalid id length: got %d bytes, want %d", len(raw), Size)
	}
	copy(id[:], raw)
	return id, nil
}

// Big returns the identifier as a non-negative big.Int.
func (id ID) Big() *big.Int {
	return new(big.Int).SetBytes(id[:])
}

// String returns the full hex form of the identifier.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 8 hex characters, used in log fields.
func (id ID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the identifier is the ring origin.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Compare orders identifiers as unsigned big-endian numbers.
// It returns -1, 0 or 1.
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// InRange reports whether x lies on the clockwise arc from lo to hi.
// loIncl and hiIncl control whether the endpoints belong to the arc.
// The arc wraps past the origin when hi < lo. When hi == lo the arc is the
// single point lo, whatever the flags.
//
// Examples:
//   - InRange(5, 3, false, 7, true)  = true    // 5 is in (3, 7]
//   - InRange(3, 3, false, 7, true)  = false   // exclusive start
//   - InRange(7, 3, false, 7, true)  = true    // inclusive end
//   - InRange(1, 8, false, 3, true)  = true    // wraparound
//   - InRange(4, 4, true, 4, true)   = true    // single point
func InRange(x, lo ID, loIncl bool, hi ID, hiIncl bool) bool {
	switch c := Compare(lo, hi); {
	case c == 0:
		return x == lo
	case c < 0:
		return after(x, lo, loIncl) && before(x, hi, hiIncl)
	default:
		return after(x, lo, loIncl) || before(x, hi, hiIncl)
	}
}

// Between checks if x is in the open arc (lo, hi).
// Unlike InRange, an arc with lo == hi covers the entire ring except lo,
// which is what pointer repair needs when a node is its own successor.
func Between(x, lo, hi ID) bool {
	if lo == hi {
		return x != lo
	}
	return InRange(x, lo, false, hi, false)
}

func after(x, lo ID, incl bool) bool {
	c := Compare(x, lo)
	return c > 0 || (incl && c == 0)
}

func before(x, hi ID, incl bool) bool {
	c := Compare(x, hi)
	return c < 0 || (incl && c == 0)
}

// Distance computes the clockwise distance from start to end on the ring.
// Returns (end - start) mod 2^M.
func Distance(start, end ID) *big.Int {
	return mod(new(big.Int).Sub(end.Big(), start.Big()))
}

// PowerOfTwo returns 2^exponent.
func PowerOfTwo(exponent int) *big.Int {
	if exponent < 0 {
		return new(big.Int)
	}
	return new(big.Int).Lsh(big.NewInt(1), uint(exponent))
}

// AddPowerOfTwo computes (id + 2^exponent) mod 2^M.
// Finger i starts at AddPowerOfTwo(self, i).
func AddPowerOfTwo(id ID, exponent int) ID {
	return FromBig(new(big.Int).Add(id.Big(), PowerOfTwo(exponent)))
}

// mod returns x mod 2^M, always in [0, 2^M).
func mod(x *big.Int) *big.Int {
	// big.Int.Mod uses Euclidean modulus, so the result is never negative.
	return new(big.Int).Mod(x, ringSize)
}

// RingSize returns 2^M, the size of the Chord ring.
func RingSize() *big.Int {
	return new(big.Int).Set(ringSize)
}

// MaxID returns the last identifier on the ring (2^M - 1).
func MaxID() ID {
	var id ID
	for i := range id {
		id[i] = 0xff
	}
	return id
}
