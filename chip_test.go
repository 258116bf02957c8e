package espflash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sxwebdev/espflash/internal/wire"
)

func TestMagicToFamily(t *testing.T) {
	cases := []struct {
		magic uint32
		want  ChipFamily
	}{
		{0x00F01D83, ChipESP32},
		{0xFFF0C101, ChipESP8266},
		{0x000007C6, ChipESP32S2},
	}
	for _, c := range cases {
		got, err := magicToFamily(c.magic)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}

	_, err := magicToFamily(0x12345678)
	assert.ErrorIs(t, err, ErrUnknownChipFamily)
}

func efuseResponder(t *testing.T, base uint32, words [4]uint32) func([]byte) []byte {
	return func(frame []byte) []byte {
		decoded := decodeWrittenFrame(t, frame)
		if decoded[1] != wire.ReadReg {
			return nil
		}
		addr := uint32(decoded[8]) | uint32(decoded[9])<<8 | uint32(decoded[10])<<16 | uint32(decoded[11])<<24
		idx := (addr - base) / 4
		return buildResponseFrame(wire.ReadReg, words[idx], nil)
	}
}

func TestMACAddrESP32(t *testing.T) {
	l, ft := newTestLoader(t)
	cf := ChipESP32
	l.chipFamily = &cf
	ft.respond = efuseResponder(t, esp32EfuseBase, [4]uint32{0, 0x89ABCDEF, 0x00001122, 0})

	mac, err := l.MACAddr()
	require.NoError(t, err)
	assert.Equal(t, [6]byte{0x11, 0x22, 0x89, 0xAB, 0xCD, 0xEF}, mac)
}

func TestMACAddrESP8266KnownOUI(t *testing.T) {
	l, ft := newTestLoader(t)
	cf := ChipESP8266
	l.chipFamily = &cf
	ft.respond = efuseResponder(t, esp8266EfuseBase, [4]uint32{0xAA000000, 0x00010203, 0, 0})

	mac, err := l.MACAddr()
	require.NoError(t, err)
	assert.Equal(t, byte(0xAC), mac[0])
	assert.Equal(t, byte(0xD0), mac[1])
	assert.Equal(t, byte(0x74), mac[2])
}

func TestMACAddrESP8266UnknownOUI(t *testing.T) {
	l, ft := newTestLoader(t)
	cf := ChipESP8266
	l.chipFamily = &cf
	ft.respond = efuseResponder(t, esp8266EfuseBase, [4]uint32{0, 0x00020000, 0, 0})

	_, err := l.MACAddr()
	assert.ErrorIs(t, err, ErrUnknownOUI)
}

func TestChipNameESP8285VsESP8266EX(t *testing.T) {
	l, ft := newTestLoader(t)
	cf := ChipESP8266
	l.chipFamily = &cf
	ft.respond = efuseResponder(t, esp8266EfuseBase, [4]uint32{1 << 4, 0, 0, 0})

	name, err := l.ChipName()
	require.NoError(t, err)
	assert.Equal(t, "ESP8285", name)

	l.efuses = nil
	ft.respond = efuseResponder(t, esp8266EfuseBase, [4]uint32{0, 0, 0, 0})
	name, err = l.ChipName()
	require.NoError(t, err)
	assert.Equal(t, "ESP8266EX", name)
}
