// Package sniff classifies inbound connections by inspecting a bounded
// prefix of bytes without consuming them. It recognizes TLS client hellos,
// HTTP request lines, and SOCKS5 handshakes; everything else is unknown.
package sniff

import (
	"bytes"
)

// Protocol is the classification of a connection prefix.
type Protocol string

const (
	ProtocolTLS     Protocol = "tls"
	ProtocolHTTP    Protocol = "http"
	ProtocolSOCKS5  Protocol = "socks5"
	ProtocolUnknown Protocol = "unknown"
)

// MinPrefix is the fewest bytes needed before classification can be
// attempted; shorter prefixes classify as unknown.
const MinPrefix = 3

const (
	tlsRecordHandshake = 0x16
	socks5Version      = 0x05
)

// httpMethods are the request-line methods the classifier accepts.
var httpMethods = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("HEAD "),
	[]byte("OPTIONS "),
	[]byte("CONNECT "),
	[]byte("PATCH "),
	[]byte("TRACE "),
}

// Classify inspects prefix and returns the matching protocol. The prefix
// is never modified and callers keep full ownership of the bytes.
func Classify(prefix []byte) Protocol {
	if len(prefix) < MinPrefix {
		return ProtocolUnknown
	}

	// TLS: handshake record, legacy version 3.x.
	if prefix[0] == tlsRecordHandshake && prefix[1] == 0x03 && prefix[2] <= 0x04 {
		return ProtocolTLS
	}

	// SOCKS5: version byte then a plausible method count.
	if prefix[0] == socks5Version && prefix[1] >= 1 && prefix[1] <= 9 {
		return ProtocolSOCKS5
	}

	for _, m := range httpMethods {
		if len(prefix) >= len(m) && bytes.Equal(prefix[:len(m)], m) {
			return ProtocolHTTP
		}
		// An incomplete prefix that is still a prefix of a known method
		// stays unknown so the caller can read more before deciding.
	}

	return ProtocolUnknown
}

// NeedMore reports whether a longer prefix could still change an unknown
// classification, so the router knows when further peeking is pointless.
func NeedMore(prefix []byte, max int) bool {
	if len(prefix) >= max {
		return false
	}
	if Classify(prefix) != ProtocolUnknown {
		return false
	}
	if len(prefix) < MinPrefix {
		return true
	}
	for _, m := range httpMethods {
		n := len(prefix)
		if n < len(m) && bytes.Equal(prefix, m[:n]) {
			return true
		}
	}
	return false
}
