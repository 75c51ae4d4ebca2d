// Package nmea contains the little NMEA handling the bridge needs: building
// checksummed status sentences and holding the latest position fix seen on
// the serial stream.
package nmea

import (
	"bytes"
	"fmt"
	"sync"
)

// MaxGGA is the holding buffer size; longer sentences are ignored.
const MaxGGA = 128

var ggaHeaders = [][]byte{[]byte("$GPGGA"), []byte("$GNGGA")}

var crlf = []byte("\r\n")

// Checksum is the XOR of every byte of body (the part between '$' and '*').
func Checksum(body string) byte {
	var cs byte
	for i := 0; i < len(body); i++ {
		cs ^= body[i]
	}
	return cs
}

// Sentence formats "$<body>*HH\r\n".
func Sentence(format string, args ...any) string {
	body := fmt.Sprintf(format, args...)
	return fmt.Sprintf("$%s*%02X\r\n", body, Checksum(body))
}

// GGAHolder keeps the most recent complete GGA sentence.
type GGAHolder struct {
	mu   sync.Mutex
	buf  [MaxGGA]byte
	size int
}

// Feed scans p for a GGA sentence and, when a complete one that fits the
// holding buffer is found, replaces the held sentence (terminator included).
// Returns true when the held sentence changed.
func (h *GGAHolder) Feed(p []byte) bool {
	start := -1
	for _, hdr := range ggaHeaders {
		if i := bytes.Index(p, hdr); i >= 0 {
			start = i
			break
		}
	}
	if start < 0 {
		return false
	}
	rest := p[start:]
	end := bytes.Index(rest, crlf)
	if end < 0 {
		return false
	}
	s := rest[:end+len(crlf)]
	if bytes.IndexByte(s, 0) >= 0 || len(s) > MaxGGA-1 {
		return false
	}
	h.mu.Lock()
	h.size = copy(h.buf[:], s)
	h.mu.Unlock()
	return true
}

// Latest returns a copy of the held sentence, nil when none was seen.
func (h *GGAHolder) Latest() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.size == 0 {
		return nil
	}
	return append([]byte(nil), h.buf[:h.size]...)
}

// Clear forgets the held sentence.
func (h *GGAHolder) Clear() {
	h.mu.Lock()
	h.size = 0
	h.mu.Unlock()
}
