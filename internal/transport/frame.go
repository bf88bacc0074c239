package transport

import (
	"encoding/binary"
	"errors"

	"github.com/cespare/xxhash/v2"
)

const checksumSize = 8

// ErrChecksumMismatch is returned by Open for a frame damaged in transit.
var ErrChecksumMismatch = errors.New("frame checksum mismatch")

// Seal appends an xxhash64 trailer to frame.
func Seal(frame []byte) []byte {
	out := make([]byte, len(frame), len(frame)+checksumSize)
	copy(out, frame)
	return binary.BigEndian.AppendUint64(out, xxhash.Sum64(frame))
}

// Open verifies and strips the trailer added by Seal.
func Open(sealed []byte) ([]byte, error) {
	if len(sealed) < checksumSize {
		return nil, ErrChecksumMismatch
	}
	body := sealed[:len(sealed)-checksumSize]
	if binary.BigEndian.Uint64(sealed[len(body):]) != xxhash.Sum64(body) {
		return nil, ErrChecksumMismatch
	}
	return body, nil
}
