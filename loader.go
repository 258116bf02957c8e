// Package espflash drives the ESP ROM bootloader protocol over an already
// open serial transport: reset-into-download, sync, optional RAM-stub
// upload, and the flash/memory write state machines.
package espflash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sxwebdev/espflash/internal/rxloop"
	"github.com/sxwebdev/espflash/internal/wire"
)

// ESPROMBaud is the baud rate every chip's ROM bootloader starts at.
const ESPROMBaud = 115200

const (
	defaultTimeout  = 3 * time.Second
	maxTimeout      = 600 * time.Second
	syncTryTimeout  = 100 * time.Millisecond
	syncTryBackoff  = 50 * time.Millisecond
	memFinishTimeout = 50 * time.Millisecond
	flashBlockTimeout = 2 * time.Second
	eraseTimeout    = 300 * time.Second
	timeoutPerMB    = 30 * time.Second
)

const magicRegAddr = 0x40001000

// readPollTimeout bounds every Transport.Read so Reader.loop (internal/rxloop/reader.go)
// returns often enough to observe Stop, regardless of which Transport
// implementation is in play. serialport.Open already applies the same
// default, but NewLoader sets it explicitly too since spec.md requires
// stop() to actually return for any Transport, not just that one.
const readPollTimeout = 50 * time.Millisecond

var syncPayload = func() []byte {
	p := []byte{0x07, 0x07, 0x12, 0x20}
	for i := 0; i < 32; i++ {
		p = append(p, 0x55)
	}
	return p
}()

// loaderState enforces the Created -> Connecting -> ConnectedROM ->
// (StubLoaded)? -> Flashing* -> Finished progression spec.md lays out.
type loaderState int

const (
	stateCreated loaderState = iota
	stateConnecting
	stateConnectedROM
	stateStubLoaded
	stateFlashing
	stateFinished
)

// ErrWrongState is returned when an operation is attempted from a loader
// state that does not permit it.
var ErrWrongState = errors.New("espflash: operation not valid in current loader state")

// Loader is the driver instance: it owns a background Reader over the given
// Transport and walks it through the ROM bootloader protocol.
type Loader struct {
	transport Transport
	options   Options
	reader    *rxloop.Reader

	mu         sync.Mutex
	baud       int
	state      loaderState
	chipFamily *ChipFamily
	efuses     *[4]uint32
	isStub     bool
	stubText   segment
	stubData   segment
}

// segment is an address range occupied by the loaded stub, used to reject
// overlapping mem_begin calls once the stub is running.
type segment struct {
	start uint32
	size  int
}

func (s segment) overlaps(start uint32, size int) bool {
	if s.size == 0 || size == 0 {
		return false
	}
	a0, a1 := uint64(s.start), uint64(s.start)+uint64(s.size)
	b0, b1 := uint64(start), uint64(start)+uint64(size)
	return a0 < b1 && b0 < a1
}

// NewLoader wraps an already-open Transport. The transport is assumed to be
// at ESPROMBaud; Connect performs the reset-into-download handshake.
func NewLoader(transport Transport, opts ...Option) *Loader {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()

	if err := transport.SetReadTimeout(readPollTimeout); err != nil {
		o.Logger.Debugf("set read timeout: %v", err)
	}

	return &Loader{
		transport: transport,
		options:   o,
		reader:    rxloop.New(transport),
		baud:      ESPROMBaud,
		state:     stateCreated,
	}
}

func (l *Loader) requireState(allowed ...loaderState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range allowed {
		if l.state == s {
			return nil
		}
	}
	return ErrWrongState
}

func (l *Loader) setState(s loaderState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// checkCommand sends a single command frame and waits for its matching
// response, per spec.md's "listener registered before write" ordering. The
// timeout is clamped to maxTimeout.
func (l *Loader) checkCommand(opcode byte, payload []byte, checksum uint32, timeout time.Duration) ([]byte, error) {
	if timeout > maxTimeout {
		timeout = maxTimeout
	}

	unlisten, err := l.reader.Listen()
	if err != nil {
		return nil, fmt.Errorf("espflash: listen before command 0x%02x: %w", opcode, err)
	}
	defer unlisten()

	frame := wire.EncodeCommand(opcode, payload, checksum)
	if _, err := l.transport.Write(frame); err != nil {
		return nil, fmt.Errorf("espflash: write command 0x%02x: %w", opcode, err)
	}

	raw, err := l.reader.Packet(12, timeout)
	if err != nil {
		return nil, mapReaderErr(err)
	}

	data, err := wire.ParseResponse(raw, opcode)
	if err != nil {
		if errors.Is(err, wire.ErrOpcodeMismatch) {
			return nil, fmt.Errorf("%w: command 0x%02x", ErrInvalidOpcodeResponse, opcode)
		}
		return nil, fmt.Errorf("espflash: command 0x%02x: %w", opcode, err)
	}
	return data, nil
}

func mapReaderErr(err error) error {
	if errors.Is(err, rxloop.ErrTimeout) {
		return ErrTimeout
	}
	return err
}

func (l *Loader) readRegister(addr uint32) (uint32, error) {
	payload := []byte{byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24)}
	data, err := l.checkCommand(wire.ReadReg, payload, 0, defaultTimeout)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("espflash: read_reg 0x%08x: %w", addr, wire.ErrMalformedResponse)
	}
	return binary.LittleEndian.Uint32(data[:4]), nil
}

// Connect resets the chip into download mode and synchronizes with the ROM
// bootloader, per spec.md §4.5. retries bounds the number of outer
// reset+sync attempts.
func (l *Loader) Connect(retries int) error {
	if err := l.requireState(stateCreated, stateConnectedROM); err != nil {
		return err
	}
	l.setState(stateConnecting)

	if err := l.reader.Start(); err != nil && !errors.Is(err, rxloop.ErrAlreadyRunning) {
		return fmt.Errorf("espflash: start reader: %w", err)
	}

	if retries <= 0 {
		retries = 7
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		l.options.Logger.Debugf("connect attempt %d/%d", attempt+1, retries)
		if err := l.resetPulse(); err != nil {
			lastErr = err
			continue
		}
		if _, err := l.reader.WaitSilent(20, time.Second); err != nil {
			lastErr = err
			continue
		}
		if err := l.syncLoop(); err != nil {
			lastErr = err
			continue
		}

		if _, err := l.reader.WaitSilent(1, 200*time.Millisecond); err != nil {
			lastErr = err
			continue
		}
		if _, err := l.ChipFamily(); err != nil {
			lastErr = err
			continue
		}

		l.setState(stateConnectedROM)
		return nil
	}

	l.setState(stateCreated)
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrConnectError, lastErr)
	}
	return ErrConnectError
}

// resetPulse drives DTR/RTS through the teacher's own hardReset timing to
// force the chip through reset-into-download.
func (l *Loader) resetPulse() error {
	if err := l.transport.SetSignals(false, true); err != nil {
		return fmt.Errorf("espflash: reset pulse (1): %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := l.transport.SetSignals(true, false); err != nil {
		return fmt.Errorf("espflash: reset pulse (2): %w", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := l.transport.SetSignals(false, false); err != nil {
		return fmt.Errorf("espflash: reset pulse (3): %w", err)
	}
	return nil
}

func (l *Loader) syncLoop() error {
	var lastErr error
	for try := 0; try < 7; try++ {
		data, err := l.checkCommand(wire.Sync, syncPayload, 0, syncTryTimeout)
		if err != nil {
			lastErr = err
			time.Sleep(syncTryBackoff)
			continue
		}
		if len(data) >= 2 && data[0] == 0x00 && data[1] == 0x00 {
			return nil
		}
		lastErr = ErrConnectError
		time.Sleep(syncTryBackoff)
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrConnectError
}

// Disconnect stops the background reader and returns its terminal error
// instead of raising it, per spec.md §4.2/§7.
func (l *Loader) Disconnect() error {
	err := l.reader.Stop()
	l.setState(stateCreated)
	if errors.Is(err, rxloop.ErrNotRunning) {
		return nil
	}
	return err
}

// SetBaudRate changes both the chip's and the transport's baud rate,
// per spec.md §4.8. The Transport must also have a Reopen(baud int) error
// method, as *serialport.Port does; otherwise SetBaudRate fails after
// sending CHANGE_BAUDRATE and stopping the reader.
func (l *Loader) SetBaudRate(newBaud int) error {
	l.mu.Lock()
	prev := l.baud
	isStub := l.isStub
	l.mu.Unlock()

	prevArg := uint32(0)
	if isStub {
		prevArg = uint32(prev)
	}
	payload := packU32Pair(uint32(newBaud), prevArg)
	if _, err := l.checkCommand(wire.ChangeBaudrate, payload, 0, defaultTimeout); err != nil {
		return fmt.Errorf("espflash: change_baudrate: %w", err)
	}

	if err := l.reader.Stop(); err != nil && !errors.Is(err, rxloop.ErrNotRunning) {
		return fmt.Errorf("espflash: stop reader before baud change: %w", err)
	}

	type reopener interface {
		Reopen(baud int) error
	}
	ro, ok := l.transport.(reopener)
	if !ok {
		return fmt.Errorf("espflash: transport %T does not support reopening at a new baud rate", l.transport)
	}
	if err := ro.Reopen(newBaud); err != nil {
		return fmt.Errorf("espflash: reopen at %d baud: %w", newBaud, err)
	}
	if err := l.transport.SetReadTimeout(readPollTimeout); err != nil {
		l.options.Logger.Debugf("set read timeout after reopen: %v", err)
	}

	if err := l.reader.Start(); err != nil {
		return fmt.Errorf("espflash: restart reader after baud change: %w", err)
	}
	if _, err := l.reader.WaitSilent(10, 200*time.Millisecond); err != nil {
		return fmt.Errorf("espflash: wait_silent after baud change: %w", err)
	}

	l.mu.Lock()
	l.baud = newBaud
	l.mu.Unlock()
	return nil
}

// EraseFlash erases the whole flash chip. It requires the stub to be
// loaded, per spec.md §4.10.
func (l *Loader) EraseFlash() error {
	if err := l.requireState(stateStubLoaded); err != nil {
		return err
	}
	_, err := l.checkCommand(wire.EraseFlash, nil, 0, eraseTimeout)
	if err != nil {
		return fmt.Errorf("espflash: erase_flash: %w", err)
	}
	return nil
}

func packU32Pair(a, b uint32) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], a)
	binary.LittleEndian.PutUint32(out[4:8], b)
	return out
}

func packU32Quad(a, b, c, d uint32) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint32(out[0:4], a)
	binary.LittleEndian.PutUint32(out[4:8], b)
	binary.LittleEndian.PutUint32(out[8:12], c)
	binary.LittleEndian.PutUint32(out[12:16], d)
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
