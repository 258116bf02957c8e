// Package rxloop implements the background byte demultiplexer that owns the
// inbound half of the serial link: a single goroutine pulls chunks from the
// transport and appends them to a buffer while any listener is active.
package rxloop

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sxwebdev/espflash/internal/slip"
)

// Sentinel lifecycle and timeout errors. These are the Reader's half of the
// error taxonomy; the root package re-exports them so callers only ever see
// one set of sentinels.
var (
	ErrTimeout               = errors.New("rxloop: timed out waiting for data")
	ErrAlreadyRunning        = errors.New("rxloop: reader is already running")
	ErrNotRunning            = errors.New("rxloop: reader is not running")
	ErrNotListening          = errors.New("rxloop: no active listener")
	ErrReadAlreadyInProgress = errors.New("rxloop: a read is already in progress")
	// ErrReaderClosed is returned to any waiter still blocked when Stop is called.
	ErrReaderClosed = errors.New("rxloop: reader stopped while waiting")
)

// Source is the inbound half of a transport: a blocking byte reader that is
// expected to return periodically (e.g. because the transport has a short
// read timeout configured) so the background loop can observe Stop.
type Source interface {
	Read(p []byte) (int, error)
}

// Unlisten releases a listener registered with Reader.Listen. It is safe to
// call more than once.
type Unlisten func()

const (
	chunkSize           = 1024
	maxPacketIterations = 1000
	idleBackoff         = 5 * time.Millisecond
	eofBackoff          = 10 * time.Millisecond
)

// Reader is the single owner of a transport's inbound byte stream. Bytes
// that arrive while listenRef is zero are discarded, so stale bytes left
// over from a previous operation never poison the next command.
type Reader struct {
	src Source

	mu        sync.Mutex
	buf       *slip.Buffer
	listenRef int
	running   bool
	closing   bool
	reading   bool
	runErr    error
	stopCh    chan struct{}
	doneCh    chan struct{}
	wake      chan struct{} // the "completer": closed and replaced whenever state changes
}

// New creates a Reader over src. The reader is not started.
func New(src Source) *Reader {
	return &Reader{
		src:  src,
		buf:  slip.New(4096),
		wake: make(chan struct{}),
	}
}

// Start begins the background pull loop. It fails if already running.
func (r *Reader) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.closing = false
	r.runErr = nil
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.loop()
	return nil
}

// Stop signals shutdown, cancels any in-flight read at its next
// suspension point, awaits the background task, and returns any error it
// ended with instead of raising it.
func (r *Reader) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotRunning
	}
	r.closing = true
	stopCh := r.stopCh
	doneCh := r.doneCh
	r.wakeLocked()
	r.mu.Unlock()

	close(stopCh)
	<-doneCh

	r.mu.Lock()
	err := r.runErr
	r.running = false
	r.closing = false
	r.mu.Unlock()
	return err
}

// Listen increments the active-listener count and returns a handle that
// decrements it on release. Reaching zero resets the buffer so the next
// operation starts clean. Fails if the reader is not running.
func (r *Reader) Listen() (Unlisten, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, ErrNotRunning
	}
	r.listenRef++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.listenRef--
			if r.listenRef <= 0 {
				r.listenRef = 0
				r.buf.Reset()
			}
		})
	}, nil
}

// WaitSilent repeatedly clears the buffer and waits up to perTry for any
// byte to arrive. It returns true the first time a wait times out with no
// data (the line has gone quiet), and false if every retry saw data. Any
// non-timeout error propagates.
func (r *Reader) WaitSilent(retries int, perTry time.Duration) (bool, error) {
	unlisten, err := r.Listen()
	if err != nil {
		return false, err
	}
	defer unlisten()

	for i := 0; i < retries; i++ {
		r.mu.Lock()
		r.buf.Reset()
		r.mu.Unlock()

		deadline := time.Now().Add(perTry)
		waitErr := r.waitUntilDeadline(deadline, func() bool { return r.buf.Len() > 0 })
		switch {
		case errors.Is(waitErr, ErrTimeout):
			return true, nil
		case waitErr != nil:
			return false, waitErr
		}
	}
	return false, nil
}

// Read requires an active listener. It waits until at least minLen bytes
// are buffered, then returns a snapshot of them and clears the buffer.
func (r *Reader) Read(minLen int, timeout time.Duration) ([]byte, error) {
	if err := r.beginRead(); err != nil {
		return nil, err
	}
	defer r.endRead()

	deadline := time.Now().Add(timeout)
	if err := r.waitUntilDeadline(deadline, func() bool { return r.buf.Len() >= minLen }); err != nil {
		return nil, err
	}

	r.mu.Lock()
	data := r.buf.Bytes()
	r.buf.Reset()
	r.mu.Unlock()
	return data, nil
}

// Packet requires an active listener. It waits until at least minLen bytes
// are buffered, then attempts to extract one SLIP packet; if none is
// available yet it waits for one more byte and retries, up to a cap of
// 1000 iterations, before returning ErrTimeout.
func (r *Reader) Packet(minLen int, timeout time.Duration) ([]byte, error) {
	if err := r.beginRead(); err != nil {
		return nil, err
	}
	defer r.endRead()

	deadline := time.Now().Add(timeout)
	if err := r.waitUntilDeadline(deadline, func() bool { return r.buf.Len() >= minLen }); err != nil {
		return nil, err
	}

	for i := 0; i < maxPacketIterations; i++ {
		r.mu.Lock()
		frame, ok := r.buf.Packet(true)
		curLen := r.buf.Len()
		r.mu.Unlock()
		if ok {
			return frame, nil
		}
		if err := r.waitUntilDeadline(deadline, func() bool { return r.buf.Len() > curLen }); err != nil {
			return nil, err
		}
	}
	return nil, ErrTimeout
}

func (r *Reader) beginRead() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listenRef <= 0 {
		return ErrNotListening
	}
	if r.reading {
		return ErrReadAlreadyInProgress
	}
	r.reading = true
	return nil
}

func (r *Reader) endRead() {
	r.mu.Lock()
	r.reading = false
	r.mu.Unlock()
}

// waitUntilDeadline blocks until cond() is true, the reader starts closing,
// or deadline passes, translating the latter two into ErrReaderClosed/ErrTimeout.
func (r *Reader) waitUntilDeadline(deadline time.Time, cond func() bool) error {
	for {
		r.mu.Lock()
		if cond() {
			r.mu.Unlock()
			return nil
		}
		if r.closing {
			r.mu.Unlock()
			return ErrReaderClosed
		}
		ch := r.wake
		r.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		select {
		case <-ch:
			continue
		case <-time.After(remaining):
			return ErrTimeout
		}
	}
}

// wakeLocked fulfils the current completer and arms a fresh one. Callers
// must hold mu.
func (r *Reader) wakeLocked() {
	close(r.wake)
	r.wake = make(chan struct{})
}

func (r *Reader) loop() {
	defer close(r.doneCh)

	chunk := make([]byte, chunkSize)
	var loopErr error

	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		n, err := r.src.Read(chunk)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				time.Sleep(eofBackoff)
				continue
			case isTransientSerialError(err):
				time.Sleep(idleBackoff)
				continue
			default:
				loopErr = err
				r.mu.Lock()
				r.runErr = loopErr
				r.mu.Unlock()
				return
			}
		}
		if n == 0 {
			continue
		}

		r.mu.Lock()
		if r.listenRef > 0 {
			_, _ = r.buf.Write(chunk[:n])
			r.wakeLocked()
		}
		r.mu.Unlock()
	}
}

type temporaryError interface {
	Temporary() bool
}

// isTransientSerialError matches the parity/framing/overrun/break class of
// errors the ROM bootloader's noisy reset banner can provoke on some USB-CDC
// adapters. These are recovered locally by releasing and retrying; they
// never surface to a caller.
func isTransientSerialError(err error) bool {
	if te, ok := err.(temporaryError); ok && te.Temporary() {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{"parity", "framing", "overrun", "break"} {
		if containsFold(msg, needle) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	sl, subl := len(s), len(substr)
	if subl == 0 {
		return true
	}
	for i := 0; i+subl <= sl; i++ {
		if equalFold(s[i:i+subl], substr) {
			return true
		}
	}
	return false
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
