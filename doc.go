// Package espflash implements the ESP ROM bootloader protocol for flashing
// ESP32, ESP32-S2 and ESP8266 microcontrollers over a serial link: reset
// into download mode, sync, optional RAM-stub upload, and the flash/memory
// write state machines.
//
// A Loader is built around a Transport the caller already opened; the
// serialport package provides a go.bug.st/serial-backed one.
package espflash
