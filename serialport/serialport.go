// Package serialport implements espflash.Transport over go.bug.st/serial,
// the same USB-CDC serial library the teacher ESP32 flasher and the rest of
// the pack's ESP tooling (bigbag/papyrix-flasher, tinygo-org/tinygo) depend
// on directly.
package serialport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port adapts a go.bug.st/serial.Port to espflash.Transport.
type Port struct {
	port serial.Port
	name string
}

// defaultReadTimeout bounds Read so the background reader can observe a
// shutdown request instead of blocking forever, matching the teacher's own
// a.monitorPort.SetReadTimeout(50 * time.Millisecond) call before it starts
// its background reader.
const defaultReadTimeout = 50 * time.Millisecond

// Open opens path at the given baud rate with the 8-N-1, no-flow-control
// framing the ROM bootloader expects, mirroring the teacher's own
// NewESP32FlasherWithProgress serial.Mode configuration.
func Open(path string, baud int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", path, err)
	}
	if err := p.SetReadTimeout(defaultReadTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("serialport: set default read timeout: %w", err)
	}
	return &Port{port: p, name: path}, nil
}

// Name returns the path the port was opened with; Reopen reopens this same
// path at a new baud rate.
func (p *Port) Name() string { return p.name }

func (p *Port) Read(b []byte) (int, error)  { return p.port.Read(b) }
func (p *Port) Write(b []byte) (int, error) { return p.port.Write(b) }

// SetSignals drives the DTR and RTS lines used to force the chip through
// its reset-into-download sequence.
func (p *Port) SetSignals(dtr, rts bool) error {
	if err := p.port.SetDTR(dtr); err != nil {
		return fmt.Errorf("serialport: set DTR: %w", err)
	}
	if err := p.port.SetRTS(rts); err != nil {
		return fmt.Errorf("serialport: set RTS: %w", err)
	}
	return nil
}

// SetReadTimeout bounds Read calls so the background reader can periodically
// check for a shutdown request instead of blocking forever.
func (p *Port) SetReadTimeout(d time.Duration) error {
	return p.port.SetReadTimeout(d)
}

// Close releases the underlying serial port.
func (p *Port) Close() error {
	return p.port.Close()
}

// Reopen closes the port and reopens it at a new baud rate on the same
// path, used by Loader.SetBaudRate.
func (p *Port) Reopen(baud int) error {
	if err := p.port.Close(); err != nil {
		return fmt.Errorf("serialport: close before reopen: %w", err)
	}
	np, err := Open(p.name, baud)
	if err != nil {
		return err
	}
	p.port = np.port
	return nil
}
