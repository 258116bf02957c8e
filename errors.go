package espflash

import (
	"errors"

	"github.com/sxwebdev/espflash/internal/rxloop"
)

// Lifecycle and timeout sentinels, owned by the reader but re-exported here
// so callers only ever need to import this package to use errors.Is.
var (
	ErrTimeout               = rxloop.ErrTimeout
	ErrAlreadyRunning        = rxloop.ErrAlreadyRunning
	ErrNotRunning            = rxloop.ErrNotRunning
	ErrNotListening          = rxloop.ErrNotListening
	ErrReadAlreadyInProgress = rxloop.ErrReadAlreadyInProgress
)

// Protocol-level sentinels, per spec.md's error taxonomy.
var (
	// ErrConnectError is returned when the sync loop is exhausted without
	// the ROM bootloader responding.
	ErrConnectError = errors.New("espflash: failed to sync with ROM bootloader")

	// ErrUnknownChipFamily is returned when the magic register doesn't
	// match any known chip family.
	ErrUnknownChipFamily = errors.New("espflash: unrecognized chip magic value")

	// ErrInvalidOpcodeResponse is returned when a response's echoed opcode
	// does not match the command that was sent.
	ErrInvalidOpcodeResponse = errors.New("espflash: response opcode does not match request")

	// ErrStubStartFailed is returned when the RAM stub does not reply with
	// its "OHAI" handshake.
	ErrStubStartFailed = errors.New("espflash: stub did not start")

	// ErrUnsupportedChipFamily is returned when no stub is available for
	// the connected chip family.
	ErrUnsupportedChipFamily = errors.New("espflash: no stub available for this chip family")

	// ErrUnknownOUI is returned when an ESP8266's MAC OUI cannot be
	// determined from its eFuses.
	ErrUnknownOUI = errors.New("espflash: could not determine MAC OUI from eFuses")

	// ErrStubOverlap is returned when a memory range to load overlaps the
	// already-loaded stub.
	ErrStubOverlap = errors.New("espflash: memory range overlaps the loaded stub")
)
