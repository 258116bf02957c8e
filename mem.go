package espflash

import (
	"fmt"

	"github.com/sxwebdev/espflash/internal/slip"
	"github.com/sxwebdev/espflash/internal/wire"
)

// MemBegin issues MEM_BEGIN to announce an upcoming RAM write. Once the
// stub is running it refuses to overlap the stub's own text/data ranges,
// per spec.md §4.7.
func (l *Loader) MemBegin(size, blocks, blockSize int, offset uint32) error {
	l.mu.Lock()
	isStub := l.isStub
	overlap := isStub && (l.stubText.overlaps(offset, size) || l.stubData.overlaps(offset, size))
	l.mu.Unlock()
	if overlap {
		return fmt.Errorf("%w: offset=0x%08x size=0x%x", ErrStubOverlap, offset, size)
	}
	return l.memBegin(size, blocks, blockSize, offset)
}

func (l *Loader) memBegin(size, blocks, blockSize int, offset uint32) error {
	payload := packU32Quad(uint32(size), uint32(blocks), uint32(blockSize), offset)
	if _, err := l.checkCommand(wire.MemBegin, payload, 0, defaultTimeout); err != nil {
		return fmt.Errorf("espflash: mem_begin: %w", err)
	}
	return nil
}

// MemBlock uploads one block of a RAM write in progress.
func (l *Loader) MemBlock(data []byte, seq int) error {
	return l.memBlock(data, seq)
}

func (l *Loader) memBlock(data []byte, seq int) error {
	payload := append(packU32Quad(uint32(len(data)), uint32(seq), 0, 0), data...)
	checksum := slip.Checksum(data)
	if _, err := l.checkCommand(wire.MemData, payload, checksum, defaultTimeout); err != nil {
		return fmt.Errorf("espflash: mem_data seq=%d: %w", seq, err)
	}
	return nil
}

// MemFinish issues MEM_END and jumps to entry. Under ROM the error is
// swallowed (the chip typically does not reply before jumping); under stub
// it propagates.
func (l *Loader) MemFinish(entry uint32) error {
	return l.memFinish(entry)
}
