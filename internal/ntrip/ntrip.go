// Package ntrip implements the NTRIP v1 wire format used by the bridge:
// client and source requests, caster responses and request parsing.
package ntrip

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// Version is advertised in agent strings.
	Version = "2.0"
	// DefaultPort is the registered NTRIP port.
	DefaultPort = 2101
	// DefaultMountpoint is used when none is configured.
	DefaultMountpoint = "DEFAULT"

	genericName = "GNSS-Bridge"
	ClientName  = genericName + "_Client"
	ServerName  = genericName + "_Server"
	CasterName  = genericName + "_Caster"

	// MaxResponse bounds a caster response head read by client and server.
	MaxResponse = 4096
	// MaxRequest bounds a request head read by the caster.
	MaxRequest = 8192
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrBadStatus         = errors.New("bad_status")
	ErrSourcetable       = errors.New("mountpoint_not_found")
	ErrResponseTooLarge  = errors.New("response_too_large")
	ErrRequestTooLarge   = errors.New("request_too_large")
	ErrMalformedRequest  = errors.New("malformed_request")
	ErrMethodNotAllowed  = errors.New("method_not_allowed")
	ErrIncompleteRequest = errors.New("incomplete_request")
)

// Agent renders the agent string for name, e.g. "NTRIP GNSS-Bridge_Client/2.0".
func Agent(name string) string { return "NTRIP " + name + "/" + Version }

// BasicAuth returns the Authorization header value for user/pass.
func BasicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// ClientRequest builds the GET request sent by the client to a caster.
func ClientRequest(mount, user, pass, agent string) []byte {
	return fmt.Appendf(nil, "GET /%s HTTP/1.1\r\nUser-Agent: %s\r\nAuthorization: %s\r\n\r\n",
		strings.TrimPrefix(mount, "/"), agent, BasicAuth(user, pass))
}

// ServerRequest builds the SOURCE request sent by the server to a caster.
func ServerRequest(pass, mount, agent string) []byte {
	return fmt.Appendf(nil, "SOURCE %s /%s\r\nSource-Agent: %s\r\n\r\n",
		pass, strings.TrimPrefix(mount, "/"), agent)
}

// ResponseOK reports whether status accepts a stream.
func ResponseOK(status string) bool {
	for _, p := range []string{"OK", "ICY 200 OK", "HTTP/1.1 200 OK"} {
		if strings.HasPrefix(status, p) {
			return true
		}
	}
	return false
}

// ResponseSourcetableOK reports whether status is a sourcetable answer,
// which a caster sends when the requested mountpoint does not exist.
func ResponseSourcetableOK(status string) bool {
	return strings.HasPrefix(status, "HTTP/1.1 200 OK") || strings.HasPrefix(status, "SOURCETABLE 200 OK")
}

// Classify turns a status line into nil, ErrSourcetable or ErrBadStatus.
func Classify(status string) error {
	// "HTTP/1.1 200 OK" is accepted by both checks; a stream wins.
	if ResponseOK(status) {
		return nil
	}
	if ResponseSourcetableOK(status) {
		return ErrSourcetable
	}
	return fmt.Errorf("%w: %q", ErrBadStatus, status)
}
