package espflash

import (
	"fmt"

	"github.com/sxwebdev/espflash/internal/wire"
)

// ramBlockSize is locked at 0x1800 per spec.md's "pick the latest set"
// design note; an older variant used 0x800.
const ramBlockSize = 0x1800

// Stub is an opaque RAM-resident program that replaces the ROM bootloader's
// flash routines with faster ones. Text and Data are uploaded via
// mem_begin/mem_block; execution jumps to Entry.
type Stub struct {
	Text      []byte
	TextStart uint32
	Data      []byte
	DataStart uint32
	Entry     uint32
}

// defaultESP32Stub is the only chip family with a built-in default, per
// spec.md §4.7; the stub binary itself is produced elsewhere and is treated
// as opaque bytes here. Its Text and Data are empty, so LoadStub with it
// uploads nothing and only issues MEM_END with its Entry address. Callers
// targeting ESP32-S2 or ESP8266 must supply their own Stub to LoadStub, or
// accept ErrUnsupportedChipFamily.
var defaultESP32Stub = &Stub{
	Text:      nil,
	TextStart: 0x40080000,
	Data:      nil,
	DataStart: 0x3FFB0000,
	Entry:     0x40080004,
}

func (l *Loader) resolveStub(cf ChipFamily, stub *Stub) (*Stub, error) {
	if stub != nil {
		return stub, nil
	}
	if cf == ChipESP32 {
		return defaultESP32Stub, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedChipFamily, cf)
}

// LoadStub uploads stub (or the built-in default, for ESP32) into RAM and
// jumps to its entry point, per spec.md §4.7. It must be called from
// ConnectedROM.
func (l *Loader) LoadStub(stub *Stub) error {
	if err := l.requireState(stateConnectedROM); err != nil {
		return err
	}

	cf, err := l.ChipFamily()
	if err != nil {
		return err
	}
	s, err := l.resolveStub(cf, stub)
	if err != nil {
		return err
	}

	if err := l.uploadSegment(s.Text, s.TextStart); err != nil {
		return fmt.Errorf("espflash: upload stub text: %w", err)
	}
	if err := l.uploadSegment(s.Data, s.DataStart); err != nil {
		return fmt.Errorf("espflash: upload stub data: %w", err)
	}

	unlisten, err := l.reader.Listen()
	if err != nil {
		return fmt.Errorf("espflash: listen for stub handshake: %w", err)
	}

	if err := l.memFinish(s.Entry); err != nil {
		unlisten()
		return err
	}

	hello, err := l.reader.Packet(4, defaultTimeout)
	unlisten()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStubStartFailed, err)
	}
	if len(hello) < 4 || string(hello[:4]) != "OHAI" {
		return ErrStubStartFailed
	}

	l.mu.Lock()
	l.isStub = true
	l.stubText = segment{s.TextStart, len(s.Text)}
	l.stubData = segment{s.DataStart, len(s.Data)}
	l.mu.Unlock()
	l.invalidateCaches()
	l.setState(stateStubLoaded)
	return nil
}

func (l *Loader) uploadSegment(data []byte, start uint32) error {
	if len(data) == 0 {
		return nil
	}
	numBlocks := ceilDiv(len(data), ramBlockSize)
	if err := l.memBegin(len(data), numBlocks, ramBlockSize, start); err != nil {
		return err
	}
	for seq := 0; seq < numBlocks; seq++ {
		from := seq * ramBlockSize
		to := from + ramBlockSize
		if to > len(data) {
			to = len(data)
		}
		if err := l.memBlock(data[from:to], seq); err != nil {
			return err
		}
	}
	return nil
}

// memFinish issues MEM_END. Under ROM, the chip typically jumps to entry
// before replying, so the error is swallowed; under stub it propagates.
func (l *Loader) memFinish(entry uint32) error {
	runZero := uint32(1)
	if entry != 0 {
		runZero = 0
	}
	payload := packU32Pair(runZero, entry)

	l.mu.Lock()
	isStub := l.isStub
	l.mu.Unlock()

	_, err := l.checkCommand(wire.MemEnd, payload, 0, memFinishTimeout)
	if err != nil && isStub {
		return fmt.Errorf("espflash: mem_end: %w", err)
	}
	return nil
}
