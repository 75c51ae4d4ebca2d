package ntrip

import (
	"bufio"
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
)

// readLine reads one CRLF (or LF) terminated line from br, accumulating
// across buffer boundaries. *budget is decremented by the bytes consumed and
// tooLarge is returned once it would go negative.
func readLine(br *bufio.Reader, budget *int, tooLarge error) (string, error) {
	var acc []byte
	for {
		frag, err := br.ReadSlice('\n')
		*budget -= len(frag)
		if *budget < 0 {
			return "", tooLarge
		}
		acc = append(acc, frag...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(acc) > 0 {
			err = io.ErrUnexpectedEOF
		}
		return "", err
	}
	acc = bytes.TrimSuffix(acc, []byte("\n"))
	acc = bytes.TrimSuffix(acc, []byte("\r"))
	return string(acc), nil
}

// ReadStatusLine reads the first response line of a caster answer. When the
// answer is an HTTP response its header block is consumed as well so that
// only payload remains in br. max bounds the bytes read.
func ReadStatusLine(br *bufio.Reader, max int) (string, error) {
	budget := max
	status, err := readLine(br, &budget, ErrResponseTooLarge)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(status, "ICY ") {
		// casters terminate the ICY line with an empty line
		if next, err := br.Peek(2); err == nil && string(next) == "\r\n" {
			_, _ = br.Discard(2)
		}
		return status, nil
	}
	if strings.HasPrefix(status, "HTTP/") {
		for {
			line, err := readLine(br, &budget, ErrResponseTooLarge)
			if err != nil {
				// a status without headers is still a status
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return status, nil
				}
				return status, err
			}
			if line == "" {
				break
			}
		}
	}
	return status, nil
}

// Request is a parsed caster request head.
type Request struct {
	Method string
	Path   string
	Proto  string
	// Header keys are lower-cased.
	Header map[string]string
}

// ParseRequest reads a request head: a "GET <path> [proto]" line followed by
// "Key: value" lines up to a blank line. Any line that is not a header
// aborts with ErrMalformedRequest. A non-GET request line yields the parsed
// request together with ErrMethodNotAllowed and the rest is not read.
func ParseRequest(br *bufio.Reader, max int) (*Request, error) {
	budget := max
	first, err := readLine(br, &budget, ErrRequestTooLarge)
	if err != nil {
		return nil, wrapIncomplete(err)
	}
	fields := strings.Fields(first)
	if len(fields) < 2 || len(fields) > 3 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedRequest, first)
	}
	req := &Request{Method: fields[0], Path: fields[1], Header: make(map[string]string)}
	if len(fields) == 3 {
		req.Proto = fields[2]
	}
	if req.Method != "GET" {
		return req, fmt.Errorf("%w: %s", ErrMethodNotAllowed, req.Method)
	}
	for {
		line, err := readLine(br, &budget, ErrRequestTooLarge)
		if err != nil {
			return nil, wrapIncomplete(err)
		}
		if line == "" {
			return req, nil
		}
		k, v, ok := strings.Cut(line, ":")
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if !ok || k == "" || strings.ContainsAny(k, " \t") {
			return nil, fmt.Errorf("%w: header %q", ErrMalformedRequest, line)
		}
		req.Header[strings.ToLower(k)] = v
	}
}

func wrapIncomplete(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrIncompleteRequest, err)
	}
	return err
}

// Mountpoint returns the requested path without its leading slash.
func (r *Request) Mountpoint() string { return strings.TrimPrefix(r.Path, "/") }

// Matches reports a case-insensitive match of the request path with mount.
func (r *Request) Matches(mount string) bool {
	return strings.EqualFold(r.Mountpoint(), strings.TrimPrefix(mount, "/"))
}

// NTRIPAgent reports whether the User-Agent identifies an NTRIP client.
func (r *Request) NTRIPAgent() bool {
	return strings.Contains(strings.ToUpper(r.Header["user-agent"]), "NTRIP")
}

// Authorized checks Basic credentials. An empty user disables the check.
func (r *Request) Authorized(user, pass string) bool {
	if user == "" {
		return true
	}
	v := r.Header["authorization"]
	if len(v) < 6 || !strings.EqualFold(v[:6], "Basic ") {
		return false
	}
	// the scheme is case-insensitive, the base64 token is not
	want := BasicAuth(user, pass)[6:]
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(v[6:])), []byte(want)) == 1
}
