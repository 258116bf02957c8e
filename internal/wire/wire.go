// Package wire implements the ESP ROM bootloader's command/response framing:
// building an outbound SLIP command frame and parsing an inbound response.
package wire

import (
	"errors"

	"github.com/sxwebdev/espflash/internal/slip"
)

// Opcodes, per the ROM bootloader protocol.
const (
	FlashBegin      = 0x02
	FlashData       = 0x03
	FlashEnd        = 0x04
	MemBegin        = 0x05
	MemEnd          = 0x06
	MemData         = 0x07
	Sync            = 0x08
	WriteReg        = 0x09
	ReadReg         = 0x0A
	SPISetParams    = 0x0B
	SPIAttach       = 0x0D
	ChangeBaudrate  = 0x0F
	EraseFlash      = 0xD0
	directionReq    = 0x00
	directionResp   = 0x01
	minResponseSize = 8 // direction + opcode + length(2) + value(4)
)

// ErrMalformedResponse is returned when an inbound frame is too short to
// even contain a header, a condition outside the taxonomy spec.md defines
// but that must not panic.
var ErrMalformedResponse = errors.New("wire: response frame too short")

// ErrOpcodeMismatch is returned when the echoed opcode does not match the
// opcode that was sent.
var ErrOpcodeMismatch = errors.New("wire: echoed opcode does not match request")

// EncodeCommand builds a complete SLIP frame for an outbound command:
//
//	0xC0 | 0x00 | opcode | u16_le length | u32_le checksum | payload | 0xC0
//
// The direction/opcode/length header is written unescaped (matching the ROM
// bootloader's own encoder); only the checksum and payload go through SLIP
// escaping.
func EncodeCommand(opcode byte, payload []byte, checksum uint32) []byte {
	b := slip.New(16 + len(payload))
	_ = b.WriteByte(slip.End)

	_ = b.WriteByte(directionReq)
	_ = b.WriteByte(opcode)
	b.PutUint16LE(uint16(len(payload)))

	b.SetSlipEncode(true)
	b.PutUint32LE(checksum)
	_, _ = b.Write(payload)
	b.SetSlipEncode(false)

	_ = b.WriteByte(slip.End)
	return b.Bytes()
}

// ParseResponse extracts value/data from an already SLIP-decoded response
// frame (the bytes strictly between the opening and closing 0xC0, with
// escapes already undone). If the decoded data section is longer than 4
// bytes, data is returned; otherwise value is returned. This intentionally
// does not validate a trailing status word, matching the source this
// protocol is grounded on.
func ParseResponse(frame []byte, wantOpcode byte) ([]byte, error) {
	if len(frame) < minResponseSize {
		return nil, ErrMalformedResponse
	}
	echoedOpcode := frame[1]
	if echoedOpcode != wantOpcode {
		return nil, ErrOpcodeMismatch
	}

	value := frame[4:8]
	var data []byte
	if len(frame) > minResponseSize+1 {
		// bytes 8..(end-1): the trailing byte is an old status word this
		// protocol deliberately ignores.
		data = frame[minResponseSize : len(frame)-1]
	}

	if len(data) > 4 {
		return data, nil
	}
	return value, nil
}
