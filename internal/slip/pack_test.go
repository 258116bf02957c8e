package slip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackLittleEndian(t *testing.T) {
	out, err := Pack("<IIII", uint32(0x1000), uint32(2), uint32(0x200), uint32(0x8000))
	require.NoError(t, err)
	require.Len(t, out, 16)
	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x00}, out[0:4])
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, out[4:8])
}

func TestPackMixedWidths(t *testing.T) {
	out, err := Pack("<BHI", uint8(0xAB), uint16(0x1234), uint32(0xDEADBEEF))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAB, 0x34, 0x12, 0xEF, 0xBE, 0xAD, 0xDE}, out)
}

func TestPackBigEndianRejected(t *testing.T) {
	_, err := Pack(">I", uint32(1))
	assert.ErrorIs(t, err, ErrBigEndianUnsupported)
}

func TestPackArgMismatchPanics(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = Pack("<II", uint32(1))
	})
}

func TestChecksum(t *testing.T) {
	assert.Equal(t, uint32(ChecksumInit), Checksum(nil))
	assert.Equal(t, uint32(ChecksumInit^0xFF), Checksum([]byte{0xFF}))
}
