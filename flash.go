package espflash

import (
	"fmt"
	"time"

	"github.com/sxwebdev/espflash/internal/slip"
	"github.com/sxwebdev/espflash/internal/wire"
)

const flashSectorSize = 0x1000

// ProgressFunc is invoked with (block, totalBlocks) before each flash block
// write, if non-nil.
type ProgressFunc func(block, totalBlocks int)

func (l *Loader) writeSize() int {
	l.mu.Lock()
	stub := l.isStub
	l.mu.Unlock()
	if stub {
		return 0x4000
	}
	cf, err := l.ChipFamily()
	if err == nil && cf == ChipESP32S2 {
		return 0x400
	}
	return 0x200
}

// eraseSizeForOffset implements the ESP8266 erase-size workaround, bit-exact
// per spec.md §4.6, needed to avoid a ROM bootloader bug on that chip.
func eraseSizeForOffset(offset, size int) int {
	const sectorsPerBlock = 16
	numSectors := ceilDiv(size, flashSectorSize)
	startSector := offset / flashSectorSize
	headSectors := sectorsPerBlock - (startSector % sectorsPerBlock)
	if headSectors > numSectors {
		headSectors = numSectors
	}
	if numSectors < 2*headSectors {
		// floor((numSectors+1)/2): Go's integer division already truncates
		// toward zero for non-negative operands, so this is not ceilDiv.
		return (numSectors + 1) / 2 * flashSectorSize
	}
	return (numSectors - headSectors) * flashSectorSize
}

func padTo(data []byte, multiple int, fill byte) []byte {
	rem := len(data) % multiple
	if rem == 0 {
		return data
	}
	out := make([]byte, len(data)+(multiple-rem))
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = fill
	}
	return out
}

// flashBegin issues SPI_ATTACH (ROM ESP32/ESP32-S2 only), SPI_SET_PARAMS
// (ROM ESP32 only) and FLASH_BEGIN, returning the write size and block count
// it computed.
func (l *Loader) flashBegin(size, offset int, encrypted bool) (writeSize, numBlocks int, err error) {
	cf, err := l.ChipFamily()
	if err != nil {
		return 0, 0, err
	}

	l.mu.Lock()
	isStub := l.isStub
	l.mu.Unlock()

	if !isStub && (cf == ChipESP32 || cf == ChipESP32S2) {
		if _, err := l.checkCommand(wire.SPIAttach, make([]byte, 8), 0, defaultTimeout); err != nil {
			return 0, 0, fmt.Errorf("espflash: spi_attach: %w", err)
		}
		if cf == ChipESP32 {
			params := packU32Quad(0, uint32(l.options.FlashSize), 0x10000, 4096)
			params = append(params, packU32Pair(256, 0xFFFF)...)
			if _, err := l.checkCommand(wire.SPISetParams, params, 0, defaultTimeout); err != nil {
				return 0, 0, fmt.Errorf("espflash: spi_set_params: %w", err)
			}
		}
	}

	writeSize = l.writeSize()
	numBlocks = ceilDiv(size, writeSize)

	var eraseSize int
	if cf == ChipESP8266 {
		eraseSize = eraseSizeForOffset(offset, size)
	} else {
		eraseSize = size
	}

	timeout := defaultTimeout
	if !isStub {
		timeout = timeoutPerMB * time.Duration(ceilDiv(size, 1<<20))
		if timeout < defaultTimeout {
			timeout = defaultTimeout
		}
	}

	payload := packU32Quad(uint32(eraseSize), uint32(numBlocks), uint32(writeSize), uint32(offset))
	if cf == ChipESP32S2 {
		enc := uint32(0)
		if encrypted {
			enc = 1
		}
		payload = append(payload, byte(enc), byte(enc >> 8), byte(enc >> 16), byte(enc >> 24))
	}

	if _, err := l.checkCommand(wire.FlashBegin, payload, 0, timeout); err != nil {
		return 0, 0, fmt.Errorf("espflash: flash_begin: %w", err)
	}
	return writeSize, numBlocks, nil
}

func (l *Loader) flashBlock(block []byte, seq int) error {
	payload := append(packU32Quad(uint32(len(block)), uint32(seq), 0, 0), block...)
	checksum := slip.Checksum(block)
	if _, err := l.checkCommand(wire.FlashData, payload, checksum, flashBlockTimeout); err != nil {
		return fmt.Errorf("espflash: flash_data seq=%d: %w", seq, err)
	}
	return nil
}

// FlashData pads data and streams it into flash starting at offset,
// per spec.md §4.6.
func (l *Loader) FlashData(data []byte, offset int, encrypted bool, progress ProgressFunc) error {
	if err := l.requireState(stateConnectedROM, stateStubLoaded, stateFlashing); err != nil {
		return err
	}
	l.setState(stateFlashing)

	padMultiple := 4
	if encrypted {
		padMultiple = 32
	}
	padded := padTo(data, padMultiple, 0xFF)

	writeSize, numBlocks, err := l.flashBegin(len(padded), offset, encrypted)
	if err != nil {
		return err
	}

	for seq := 0; seq < numBlocks; seq++ {
		start := seq * writeSize
		end := start + writeSize
		if end > len(padded) {
			end = len(padded)
		}
		block := padTo(padded[start:end], writeSize, 0xFF)

		if progress != nil {
			progress(seq, numBlocks)
		}
		if err := l.flashBlock(block, seq); err != nil {
			return err
		}
	}

	l.mu.Lock()
	isStub := l.isStub
	l.mu.Unlock()
	if isStub {
		if _, err := l.readRegister(magicRegAddr); err != nil {
			return fmt.Errorf("espflash: post-flash fence read: %w", err)
		}
	}
	return nil
}

// FlashFinish issues an empty FLASH_BEGIN followed by FLASH_END, optionally
// rebooting the chip out of the bootloader.
func (l *Loader) FlashFinish(reboot bool) error {
	if _, _, err := l.flashBegin(0, 0, false); err != nil {
		return err
	}
	arg := uint32(1)
	if reboot {
		arg = 0
	}
	payload := []byte{byte(arg), byte(arg >> 8), byte(arg >> 16), byte(arg >> 24)}
	if _, err := l.checkCommand(wire.FlashEnd, payload, 0, defaultTimeout); err != nil {
		return fmt.Errorf("espflash: flash_end: %w", err)
	}
	l.setState(stateFinished)
	return nil
}
