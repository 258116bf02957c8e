// Package slip implements the growable byte buffer and SLIP framing codec
// that the ESP ROM bootloader protocol uses for every command and response.
package slip

// End and escape bytes as defined by SLIP (RFC 1055) and reused by the
// esptool wire protocol.
const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

const minGrowth = 64

// Buffer is a growable FIFO of bytes with independent read and write
// offsets. Writes append at writeOffset; Packet and Take consume from
// readOffset forward, View reads without consuming. When SLIP encoding is
// enabled, writes are escaped; decoding a packet is done explicitly by the
// caller via Packet's decode argument.
//
// A Buffer is owned exclusively by its container (the rxloop.Reader); it is
// never shared. Bytes and Packet hand out copies; View hands out a slice
// that is invalidated by the next Reset.
type Buffer struct {
	data        []byte
	readOffset  int
	writeOffset int
	slipEncode  bool
}

// New returns an empty Buffer with room for at least capHint bytes.
func New(capHint int) *Buffer {
	if capHint < minGrowth {
		capHint = minGrowth
	}
	return &Buffer{data: make([]byte, capHint)}
}

// Len reports the number of unread bytes.
func (b *Buffer) Len() int { return b.writeOffset - b.readOffset }

// Reset discards all buffered bytes (read and unread), retaining capacity.
func (b *Buffer) Reset() {
	b.readOffset = 0
	b.writeOffset = 0
}

// SetSlipEncode toggles SLIP escaping for subsequent Write calls. A command
// frame uses it the way esptool's encoder does: off for the
// unescaped direction+opcode+length header, on for checksum+payload, off
// again for the closing frame byte.
func (b *Buffer) SetSlipEncode(enabled bool) { b.slipEncode = enabled }

func (b *Buffer) grow(extra int) {
	need := b.writeOffset + extra
	if need <= len(b.data) {
		return
	}
	newCap := len(b.data) * 2
	if newCap < need {
		newCap = need
	}
	if newCap < minGrowth {
		newCap = minGrowth
	}
	grown := make([]byte, newCap)
	copy(grown, b.data[:b.writeOffset])
	b.data = grown
}

// Write appends p, applying SLIP escaping if enabled. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	if !b.slipEncode {
		b.grow(len(p))
		n := copy(b.data[b.writeOffset:], p)
		b.writeOffset += n
		return n, nil
	}
	b.grow(len(p) * 2)
	for _, c := range p {
		switch c {
		case End:
			b.pushByte(Esc)
			b.pushByte(EscEnd)
		case Esc:
			b.pushByte(Esc)
			b.pushByte(EscEsc)
		default:
			b.pushByte(c)
		}
	}
	return len(p), nil
}

// WriteByte appends a single raw byte, subject to the same escaping rule as
// Write.
func (b *Buffer) WriteByte(c byte) error {
	_, err := b.Write([]byte{c})
	return err
}

func (b *Buffer) pushByte(c byte) {
	b.grow(1)
	b.data[b.writeOffset] = c
	b.writeOffset++
}

// Fill appends n copies of c, subject to the same escaping rule as Write.
func (b *Buffer) Fill(c byte, n int) {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = c
	}
	_, _ = b.Write(buf)
}

// PutUint16LE appends a little-endian uint16, subject to the current
// escaping mode.
func (b *Buffer) PutUint16LE(v uint16) {
	_, _ = b.Write([]byte{byte(v), byte(v >> 8)})
}

// PutUint32LE appends a little-endian uint32, subject to the current
// escaping mode.
func (b *Buffer) PutUint32LE(v uint32) {
	_, _ = b.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// View returns a zero-copy slice of the unread bytes. The slice is
// invalidated by the next call that grows or resets the buffer.
func (b *Buffer) View() []byte {
	return b.data[b.readOffset:b.writeOffset]
}

// Bytes returns a copy of the unread bytes.
func (b *Buffer) Bytes() []byte {
	v := b.View()
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// Take advances readOffset by n, as if n bytes had been consumed.
func (b *Buffer) Take(n int) {
	b.readOffset += n
	if b.readOffset >= b.writeOffset {
		b.Reset()
	}
}

// Packet scans the unread region for a SLIP frame: it looks for the first
// End byte, then for the next End byte after it, and returns the bytes
// strictly between them, advancing past the closing End. It reports ok=false
// ("no packet yet") when fewer than two End bytes are present.
//
// When decode is true, the returned frame is unescaped in place (DB DC -> C0,
// DB DD -> DB) before being returned.
func (b *Buffer) Packet(decode bool) (frame []byte, ok bool) {
	view := b.View()
	start := indexByte(view, End, 0)
	if start < 0 {
		return nil, false
	}
	end := indexByte(view, End, start+1)
	if end < 0 {
		return nil, false
	}
	raw := view[start+1 : end]
	b.Take(end + 1)
	if !decode {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out, true
	}
	return unescape(raw), true
}

func unescape(raw []byte) []byte {
	out := make([]byte, 0, len(raw))
	escaped := false
	for _, c := range raw {
		switch {
		case escaped && c == EscEnd:
			out = append(out, End)
			escaped = false
		case escaped && c == EscEsc:
			out = append(out, Esc)
			escaped = false
		case escaped:
			// Not a valid escape sequence; pass the stray ESC and this byte
			// through rather than dropping data silently.
			out = append(out, Esc, c)
			escaped = false
		case c == Esc:
			escaped = true
		default:
			out = append(out, c)
		}
	}
	if escaped {
		out = append(out, Esc)
	}
	return out
}

func indexByte(b []byte, c byte, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(b); i++ {
		if b[i] == c {
			return i
		}
	}
	return -1
}
