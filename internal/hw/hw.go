// Package hw defines the hardware capabilities the gate controller consumes:
// per-lane RFID readers, relay and buzzer outputs, and the end-of-transit
// input. Register-level driver work lives behind these interfaces; the package
// ships an emulated implementation for development off the device.
package hw

import (
	"bufio"
	"os"
	"strings"
)

// Reader is the capability exposed by one lane's RFID reader.
// Detected delivers the tag-present interrupt; the signal may originate on a
// hardware callback goroutine, so the channel is the only cross-task handoff.
type Reader interface {
	// Init resets the reader and re-arms tag detection.
	Init() error

	// Request probes for a tag in the field and returns its type.
	Request() (string, error)

	// Anticoll runs anti-collision and returns the selected tag's UID.
	Anticoll() (string, error)

	// StopCrypto ends an authenticated session with the current tag.
	StopCrypto() error

	// Detected signals tag presence. One value is delivered per detection.
	Detected() <-chan struct{}

	// Close releases the reader.
	Close() error
}

// OutputPin drives one digital output (relay or buzzer).
type OutputPin interface {
	Write(high bool) error
}

// InputPin reads one digital input (end-of-transit sensor).
type InputPin interface {
	Read() (bool, error)
}

const (
	cpuInfoPath = "/proc/cpuinfo"

	// SerialUnknown is reported when the hardware serial cannot be read.
	SerialUnknown = "ERROR000000000"
)

// SerialNumber returns the board serial from /proc/cpuinfo, or SerialUnknown
// when the file is missing or carries no Serial line.
func SerialNumber() string {
	return serialFrom(cpuInfoPath)
}

func serialFrom(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return SerialUnknown
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Serial") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			if serial := strings.TrimSpace(value); serial != "" {
				return serial
			}
		}
	}
	return SerialUnknown
}
