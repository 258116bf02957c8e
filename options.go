package espflash

import (
	"fmt"
	"io"
	"log"
	"os"
)

// defaultFlashSize is used by the ESP32's SPI_SET_PARAMS command when
// Options.FlashSize is left unset.
const defaultFlashSize = 4 * 1024 * 1024

// Logger receives diagnostic output from the Loader. It is deliberately
// narrow, modeled on the teacher's own ProgressCallback (emitLog/
// emitProgress) rather than on a structured-logging framework: the teacher
// never pulls one in, and this module keeps that same two-level, printf-
// style surface rather than inventing a new dependency for it (see
// DESIGN.md).
type Logger interface {
	// Logf reports a normal, user-facing event (e.g. "syncing with ROM
	// bootloader...").
	Logf(format string, args ...any)
	// Debugf reports wire-level detail, only of interest with Options.Debug
	// enabled.
	Debugf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Logf(string, ...any)   {}
func (noopLogger) Debugf(string, ...any) {}

// stdLogger adapts the standard library's log.Logger to the Logger
// interface.
type stdLogger struct {
	l     *log.Logger
	debug bool
}

// NewStdLogger returns a Logger that writes to w via the standard library's
// log package. Debug-level messages are only written when debug is true.
func NewStdLogger(w io.Writer, debug bool) Logger {
	return &stdLogger{l: log.New(w, "", log.LstdFlags), debug: debug}
}

func (s *stdLogger) Logf(format string, args ...any) {
	s.l.Output(2, fmt.Sprintf(format, args...)) //nolint:errcheck
}

func (s *stdLogger) Debugf(format string, args ...any) {
	if !s.debug {
		return
	}
	s.l.Output(2, "debug: "+fmt.Sprintf(format, args...)) //nolint:errcheck
}

// Options configures a Loader.
type Options struct {
	// FlashSize is the size in bytes reported to the ESP32's
	// SPI_SET_PARAMS command. Defaults to 4 MiB when zero.
	FlashSize int

	// Debug, when Logger is nil, selects a stderr logger that prints
	// Debugf output. It has no effect on a caller-supplied Logger, which
	// receives every Debugf call and decides itself what to print.
	Debug bool

	// Logger receives diagnostic output. Defaults to a no-op, unless Debug
	// is set with no Logger configured, in which case it defaults to a
	// stderr logger so WithDebug has somewhere to write.
	Logger Logger
}

func (o *Options) setDefaults() {
	if o.FlashSize <= 0 {
		o.FlashSize = defaultFlashSize
	}
	if o.Logger == nil {
		if o.Debug {
			o.Logger = NewStdLogger(os.Stderr, true)
		} else {
			o.Logger = noopLogger{}
		}
	}
}

// Option configures a Loader at construction time.
type Option func(*Options)

// WithFlashSize sets the flash size reported to SPI_SET_PARAMS.
func WithFlashSize(bytes int) Option {
	return func(o *Options) { o.FlashSize = bytes }
}

// WithLogger sets the Loader's Logger.
func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithDebug sets Options.Debug.
func WithDebug(debug bool) Option {
	return func(o *Options) { o.Debug = debug }
}
