package proxy

import (
	"errors"
	"time"

	"weft/internal/flow"
	"weft/internal/sniff"
)

// MaxHelloSize caps how much of a TLS handshake is peeked while waiting
// for a complete ClientHello.
const MaxHelloSize = 16 * 1024

// PeekClientHello peeks exactly as many bytes as the TLS record framing
// says the ClientHello occupies and parses it. A hello spanning several
// handshake records is reassembled with the continuation record headers
// stripped. The bytes stay in the peek buffer; n reports how many of
// them the hello spans so a caller can consume or reframe them. timeout
// bounds the whole peek, zero means 10 seconds.
func PeekClientHello(conn *PeekConn, timeout time.Duration) (hello *sniff.ClientHello, n int, err error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	var body []byte // handshake bytes across records
	for n+5 <= MaxHelloSize {
		prefix, err := conn.Peek(n + 5)
		if err != nil {
			return nil, 0, flow.E(flow.KindTransport, "sniff", err)
		}
		hdr := prefix[n : n+5]
		if hdr[0] != 0x16 {
			return nil, 0, flow.Errorf(flow.KindProtocol, "sniff", "not a TLS handshake record (type 0x%02x)", hdr[0])
		}
		recLen := int(hdr[3])<<8 | int(hdr[4])

		full, err := conn.Peek(n + 5 + recLen)
		if err != nil {
			return nil, 0, flow.E(flow.KindTransport, "sniff", err)
		}
		body = append(body, full[n+5:n+5+recLen]...)
		n += 5 + recLen

		hello, perr := sniff.ParseHandshake(body)
		if perr == nil {
			return hello, n, nil
		}
		if !errors.Is(perr, sniff.ErrShortHello) {
			return nil, 0, flow.E(flow.KindProtocol, "sniff", perr)
		}
		// The handshake continues in the next record.
	}
	return nil, 0, flow.E(flow.KindProtocol, "sniff", sniff.ErrShortHello)
}
