package espflash

import (
	"io"
	"time"
)

// Transport is the host-side collaborator the Loader drives: a byte-stream
// producer/consumer with DTR/RTS signal lines, a configurable read timeout,
// and a close lifecycle. It is deliberately out of this module's scope to
// implement the physical link; serialport.Open provides the production
// implementation over go.bug.st/serial, and tests use an in-memory fake.
type Transport interface {
	io.Reader
	io.Writer

	// SetSignals pulls the DTR and RTS modem control lines, used to drive
	// the chip's reset-into-download sequence.
	SetSignals(dtr, rts bool) error

	// SetReadTimeout bounds how long Read may block. The background reader
	// relies on this to periodically observe a shutdown request.
	SetReadTimeout(d time.Duration) error

	// Close releases the transport. The transport is owned by the caller of
	// NewLoader, not by the Loader; the Loader never calls Close (SetBaudRate
	// uses the transport's own Reopen method instead).
	Close() error
}
