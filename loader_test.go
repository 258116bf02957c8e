package espflash

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sxwebdev/espflash/internal/slip"
	"github.com/sxwebdev/espflash/internal/wire"
)

// fakeTransport is an in-memory Transport: every Write is handed to an
// optional respond callback, whose return value (if non-nil) is queued as
// the next inbound chunk. This mirrors the request/response shape of the
// real ROM bootloader link closely enough to drive the Loader's state
// machines without a physical port.
type fakeTransport struct {
	mu      sync.Mutex
	inbox   chan []byte
	written [][]byte
	respond func(frame []byte) []byte

	reopened         int
	lastBaud         int
	readTimeoutCalls int
	lastReadTimeout  time.Duration
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbox: make(chan []byte, 64)}
}

func (f *fakeTransport) Write(p []byte) (int, error) {
	cp := append([]byte(nil), p...)
	f.mu.Lock()
	f.written = append(f.written, cp)
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		if resp := respond(cp); resp != nil {
			f.inbox <- resp
		}
	}
	return len(p), nil
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	select {
	case chunk := <-f.inbox:
		return copy(p, chunk), nil
	case <-time.After(2 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakeTransport) push(chunk []byte) { f.inbox <- chunk }

func (f *fakeTransport) SetSignals(dtr, rts bool) error { return nil }

func (f *fakeTransport) SetReadTimeout(d time.Duration) error {
	f.mu.Lock()
	f.readTimeoutCalls++
	f.lastReadTimeout = d
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error { return nil }
func (f *fakeTransport) Reopen(baud int) error {
	f.mu.Lock()
	f.reopened++
	f.lastBaud = baud
	f.mu.Unlock()
	return nil
}

// buildResponseFrame constructs a SLIP-framed ROM bootloader response with
// the given echoed opcode, 4-byte value, optional trailing data, and a
// two-byte status word, so every frame meets checkCommand's 12-byte minimum.
func buildResponseFrame(opcode byte, value uint32, data []byte) []byte {
	b := slip.New(32 + len(data))
	_ = b.WriteByte(slip.End)
	_ = b.WriteByte(0x01)
	_ = b.WriteByte(opcode)
	b.PutUint16LE(uint16(4 + len(data)))
	b.SetSlipEncode(true)
	b.PutUint32LE(value)
	_, _ = b.Write(data)
	_, _ = b.Write([]byte{0x00, 0x00})
	b.SetSlipEncode(false)
	_ = b.WriteByte(slip.End)
	return b.Bytes()
}

// decodeWrittenFrame undoes SLIP escaping on a frame the Loader wrote,
// returning the bytes between (not including) the framing 0xC0s.
func decodeWrittenFrame(t *testing.T, frame []byte) []byte {
	t.Helper()
	b := slip.New(len(frame))
	_, _ = b.Write(frame)
	decoded, ok := b.Packet(true)
	require.True(t, ok)
	return decoded
}

func newTestLoader(t *testing.T) (*Loader, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	l := NewLoader(ft)
	require.NoError(t, l.reader.Start())
	t.Cleanup(func() { _ = l.reader.Stop() })
	return l, ft
}

func TestChipFamilyESP32FromMagicRegister(t *testing.T) {
	l, ft := newTestLoader(t)
	ft.respond = func(frame []byte) []byte {
		decoded := decodeWrittenFrame(t, frame)
		if decoded[1] == wire.ReadReg {
			return buildResponseFrame(wire.ReadReg, 0x00F01D83, nil)
		}
		return nil
	}

	cf, err := l.ChipFamily()
	require.NoError(t, err)
	assert.Equal(t, ChipESP32, cf)

	// Cached: a second call must not issue another command.
	ft.respond = func(frame []byte) []byte { t.Fatal("unexpected command after cache fill"); return nil }
	cf2, err := l.ChipFamily()
	require.NoError(t, err)
	assert.Equal(t, ChipESP32, cf2)
}

func TestChipFamilyUnknownMagic(t *testing.T) {
	l, ft := newTestLoader(t)
	ft.respond = func(frame []byte) []byte {
		return buildResponseFrame(wire.ReadReg, 0xDEADBEEF, nil)
	}

	_, err := l.ChipFamily()
	assert.ErrorIs(t, err, ErrUnknownChipFamily)
}

func TestSyncLoopSuccess(t *testing.T) {
	l, ft := newTestLoader(t)
	ft.respond = func(frame []byte) []byte {
		decoded := decodeWrittenFrame(t, frame)
		if decoded[1] != wire.Sync {
			return nil
		}
		assert.Equal(t, syncPayload, decoded[8:])
		return buildResponseFrame(wire.Sync, 0, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	}

	require.NoError(t, l.syncLoop())
}

func TestEraseSizeWorkaroundExample(t *testing.T) {
	// spec.md §8 scenario 3: offset=0x1000, size=0x8000 -> 0x4000.
	assert.Equal(t, 0x4000, eraseSizeForOffset(0x1000, 0x8000))
}

func TestEraseSizeWorkaroundLargeRegion(t *testing.T) {
	got := eraseSizeForOffset(0, 0x100000)
	assert.Equal(t, 0, got%flashSectorSize)
	assert.LessOrEqual(t, got, 0x100000)
}

func TestFlashDataSmallBlock(t *testing.T) {
	l, ft := newTestLoader(t)
	cf := ChipESP32
	l.chipFamily = &cf
	l.state = stateConnectedROM

	ft.respond = func(frame []byte) []byte {
		decoded := decodeWrittenFrame(t, frame)
		return buildResponseFrame(decoded[1], 0, nil)
	}

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	require.NoError(t, l.FlashData(data, 0x1000, false, nil))

	var flashDataFrame []byte
	for _, w := range ft.written {
		d := decodeWrittenFrame(t, w)
		if d[1] == wire.FlashData {
			flashDataFrame = d
		}
	}
	require.NotNil(t, flashDataFrame, "no FLASH_DATA command observed")

	payload := flashDataFrame[8:]
	require.Len(t, payload, 16+0x200)
	block := payload[16:]
	assert.Equal(t, data, block[:10])
	for _, b := range block[10:] {
		assert.Equal(t, byte(0xFF), b)
	}

	checksumBytes := flashDataFrame[4:8]
	wantChecksum := slip.Checksum(block)
	gotChecksum := uint32(checksumBytes[0]) | uint32(checksumBytes[1])<<8 | uint32(checksumBytes[2])<<16 | uint32(checksumBytes[3])<<24
	assert.Equal(t, wantChecksum, gotChecksum)
}

func TestMemBeginRejectsStubOverlap(t *testing.T) {
	l, _ := newTestLoader(t)
	l.isStub = true
	l.stubText = segment{start: 0x40080000, size: 0x1000}

	err := l.MemBegin(0x100, 1, 0x100, 0x40080050)
	assert.ErrorIs(t, err, ErrStubOverlap)
}

func TestLoadStubHandshake(t *testing.T) {
	l, ft := newTestLoader(t)
	cf := ChipESP32
	l.chipFamily = &cf
	l.state = stateConnectedROM

	ohai := []byte{slip.End, 'O', 'H', 'A', 'I', slip.End}
	go func() {
		time.Sleep(5 * time.Millisecond)
		ft.push(ohai)
	}()

	stub := &Stub{Entry: 0x40080004}
	require.NoError(t, l.LoadStub(stub))

	l.mu.Lock()
	isStub := l.isStub
	l.mu.Unlock()
	assert.True(t, isStub)
	assert.Nil(t, l.chipFamily)
}

func TestSetBaudRateReopensTransport(t *testing.T) {
	l, ft := newTestLoader(t)
	ft.respond = func(frame []byte) []byte {
		decoded := decodeWrittenFrame(t, frame)
		return buildResponseFrame(decoded[1], 0, nil)
	}

	require.NoError(t, l.SetBaudRate(921600))
	assert.Equal(t, 1, ft.reopened)
	assert.Equal(t, 921600, ft.lastBaud)

	l.mu.Lock()
	baud := l.baud
	l.mu.Unlock()
	assert.Equal(t, 921600, baud)
}

func TestEraseFlashRequiresStub(t *testing.T) {
	l, _ := newTestLoader(t)
	err := l.EraseFlash()
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestNewLoaderArmsReadTimeout(t *testing.T) {
	ft := newFakeTransport()
	_ = NewLoader(ft)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.readTimeoutCalls)
	assert.Equal(t, readPollTimeout, ft.lastReadTimeout)
}

func TestSetBaudRateRearmsReadTimeoutAfterReopen(t *testing.T) {
	l, ft := newTestLoader(t)
	ft.respond = func(frame []byte) []byte {
		decoded := decodeWrittenFrame(t, frame)
		return buildResponseFrame(decoded[1], 0, nil)
	}

	require.NoError(t, l.SetBaudRate(921600))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	// Once from NewLoader, once more after Reopen.
	assert.Equal(t, 2, ft.readTimeoutCalls)
	assert.Equal(t, readPollTimeout, ft.lastReadTimeout)
}
