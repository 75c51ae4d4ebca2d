package serial

import (
	"fmt"
	"strings"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Config describes the serial framing of the GNSS receiver link.
type Config struct {
	Name        string
	Baud        int
	DataBits    int    // 5..8, default 8
	StopBits    int    // 1 or 2, default 1
	Parity      string // none|odd|even|mark|space, default none
	ReadTimeout time.Duration
}

// Defaults are the receiver's factory settings.
var Defaults = Config{Baud: 115200, DataBits: 8, StopBits: 1, Parity: "none", ReadTimeout: 50 * time.Millisecond}

func parity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return serial.ParityNone, nil
	case "odd", "o":
		return serial.ParityOdd, nil
	case "even", "e":
		return serial.ParityEven, nil
	case "mark", "m":
		return serial.ParityMark, nil
	case "space", "s":
		return serial.ParitySpace, nil
	}
	return 0, fmt.Errorf("invalid parity %q", s)
}

func stopBits(n int) (serial.StopBits, error) {
	switch n {
	case 0, 1:
		return serial.Stop1, nil
	case 2:
		return serial.Stop2, nil
	}
	return 0, fmt.Errorf("invalid stop bits %d", n)
}

// Validate checks framing values without opening the device.
func (c Config) Validate() error {
	if c.Baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.Baud)
	}
	if c.DataBits != 0 && (c.DataBits < 5 || c.DataBits > 8) {
		return fmt.Errorf("invalid data bits %d", c.DataBits)
	}
	if _, err := stopBits(c.StopBits); err != nil {
		return err
	}
	_, err := parity(c.Parity)
	return err
}

// Open opens the device described by c.
func Open(c Config) (Port, error) {
	p, err := parity(c.Parity)
	if err != nil {
		return nil, err
	}
	sb, err := stopBits(c.StopBits)
	if err != nil {
		return nil, err
	}
	size := byte(c.DataBits)
	if size == 0 {
		size = 8
	}
	cfg := &serial.Config{Name: c.Name, Baud: c.Baud, ReadTimeout: c.ReadTimeout, Size: size, Parity: p, StopBits: sb}
	return serial.OpenPort(cfg)
}
