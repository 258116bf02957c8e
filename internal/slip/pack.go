package slip

import (
	"errors"
	"fmt"
)

// ErrBigEndianUnsupported is returned by Pack when asked for ">" encoding.
// The real wire protocol only ever uses little-endian; the original source
// this protocol was distilled from has a known off-by-one in its
// big-endian shift (shifts by (byteCount-i)*8 instead of
// (byteCount-1-i)*8). Rather than reproduce a bug that is unreachable in
// practice, big-endian packing is refused outright.
var ErrBigEndianUnsupported = errors.New("slip: big-endian packing is not supported")

// Pack serializes args according to format, a struct.pack-style string:
// '<' selects little-endian (the default) and '>' is refused with
// ErrBigEndianUnsupported; 'B' packs a uint8, 'H' a uint16, 'I' a uint32. A format/argument
// count mismatch is a programming error in the caller and panics, matching
// the source's treatment of it as a fatal protocol bug rather than a
// recoverable condition.
func Pack(format string, args ...interface{}) ([]byte, error) {
	littleEndian := true
	out := make([]byte, 0, len(args)*4)
	argIdx := 0

	for _, r := range format {
		switch r {
		case '<':
			littleEndian = true
			continue
		case '>':
			return nil, ErrBigEndianUnsupported
		case 'B', 'H', 'I':
			// handled below
		default:
			return nil, fmt.Errorf("slip: unknown pack verb %q", r)
		}

		if argIdx >= len(args) {
			panic(fmt.Sprintf("slip: pack format %q requires more arguments than the %d given", format, len(args)))
		}
		v := toUint32(args[argIdx])
		argIdx++

		switch r {
		case 'B':
			out = append(out, byte(v))
		case 'H':
			out = appendUint(out, uint32(uint16(v)), 2, littleEndian)
		case 'I':
			out = appendUint(out, v, 4, littleEndian)
		}
	}

	if argIdx != len(args) {
		panic(fmt.Sprintf("slip: pack format %q consumed %d arguments but %d were given", format, argIdx, len(args)))
	}
	return out, nil
}

func appendUint(out []byte, v uint32, byteCount int, littleEndian bool) []byte {
	buf := make([]byte, byteCount)
	for i := 0; i < byteCount; i++ {
		shift := uint(i) * 8
		if !littleEndian {
			shift = uint(byteCount-1-i) * 8
		}
		buf[i] = byte(v >> shift)
	}
	return append(out, buf...)
}

func toUint32(v interface{}) uint32 {
	switch n := v.(type) {
	case uint32:
		return n
	case uint16:
		return uint32(n)
	case uint8:
		return uint32(n)
	case int:
		return uint32(n)
	case int32:
		return uint32(n)
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		panic(fmt.Sprintf("slip: pack cannot encode argument of type %T", v))
	}
}

// ChecksumInit is the XOR checksum's initial state, per the wire protocol.
const ChecksumInit = 0xEF

// Checksum computes the wire protocol's checksum over data: the XOR of all
// bytes starting from ChecksumInit. Used only for commands that carry a
// flash or memory data block (FLASH_DATA, MEM_DATA); all other commands use
// a checksum of 0.
func Checksum(data []byte) uint32 {
	c := byte(ChecksumInit)
	for _, b := range data {
		c ^= b
	}
	return uint32(c)
}
