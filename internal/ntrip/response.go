package ntrip

import "fmt"

// ICYOK accepts a client onto a mountpoint.
var ICYOK = []byte("ICY 200 OK\r\n\r\n")

// MethodNotAllowed answers anything but GET.
var MethodNotAllowed = []byte("HTTP/1.1 405 Method Not Allowed\r\nAllow: GET\r\n\r\n")

// KeepAlive is written by a source when it has nothing else to send.
var KeepAlive = []byte("\r\n")

// SourcetableEntry is the single STR line describing mount.
func SourcetableEntry(mount string, authRequired bool) string {
	auth := 'N'
	if authRequired {
		auth = 'B'
	}
	return fmt.Sprintf("STR;%s;;;;;;;;0.00;0.00;0;0;;none;%c;N;0;\r\nENDSOURCETABLE", mount, auth)
}

// Sourcetable is the caster's directory answer. NTRIP agents get the
// SOURCETABLE status line, anything else a plain HTTP/1.0 one.
func Sourcetable(mount string, authRequired, ntripAgent bool) []byte {
	status := "HTTP/1.0"
	if ntripAgent {
		status = "SOURCETABLE"
	}
	body := SourcetableEntry(mount, authRequired)
	return fmt.Appendf(nil, "%s 200 OK\r\nServer: %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, Agent(CasterName), len(body), body)
}

// Unauthorized is the 401 answer for a mountpoint request with bad credentials.
func Unauthorized(mount string) []byte {
	const msg = "Authorization Required"
	return fmt.Appendf(nil, "HTTP/1.0 401 Unauthorized\r\nServer: %s\r\nWWW-Authenticate: Basic realm=\"/%s\"\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		Agent(CasterName), mount, len(msg), msg)
}
