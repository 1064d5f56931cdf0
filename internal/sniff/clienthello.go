package sniff

import (
	"encoding/binary"
	"fmt"
)

// ClientHello is the subset of a TLS client hello the router cares about.
type ClientHello struct {
	Version    uint16
	ServerName string
	ALPN       []string
}

const (
	extServerName = 0x0000
	extALPN       = 0x0010
)

// ParseClientHello parses a TLS client hello from a peeked prefix. The
// prefix must contain the complete handshake message within one record;
// ErrShortHello is returned when more bytes are needed. Hellos spanning
// multiple records go through ParseHandshake after reassembly.
func ParseClientHello(data []byte) (*ClientHello, error) {
	if len(data) < 5 {
		return nil, ErrShortHello
	}
	if data[0] != tlsRecordHandshake {
		return nil, fmt.Errorf("not a TLS handshake record: 0x%02x", data[0])
	}
	recordLen := int(binary.BigEndian.Uint16(data[3:5]))
	if len(data) < 5+recordLen {
		return nil, ErrShortHello
	}
	return ParseHandshake(data[5 : 5+recordLen])
}

// ParseHandshake parses a client hello from handshake-layer bytes, with
// record framing already stripped. ErrShortHello means the message
// continues in a record the caller has not appended yet.
func ParseHandshake(body []byte) (*ClientHello, error) {
	// Handshake header: type(1) + length(3).
	if len(body) < 4 {
		return nil, ErrShortHello
	}
	if body[0] != 0x01 {
		return nil, fmt.Errorf("not a client hello")
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	if len(body) < 4+hsLen {
		return nil, ErrShortHello
	}
	hello := body[4 : 4+hsLen]

	hc := &ClientHello{}
	off := 0

	// legacy_version(2) + random(32)
	if len(hello) < off+34 {
		return nil, fmt.Errorf("truncated client hello")
	}
	hc.Version = binary.BigEndian.Uint16(hello[off:])
	off += 34

	// session id
	if len(hello) < off+1 {
		return nil, fmt.Errorf("truncated session id")
	}
	off += 1 + int(hello[off])

	// cipher suites
	if len(hello) < off+2 {
		return nil, fmt.Errorf("truncated cipher suites")
	}
	off += 2 + int(binary.BigEndian.Uint16(hello[off:]))

	// compression methods
	if len(hello) < off+1 {
		return nil, fmt.Errorf("truncated compression methods")
	}
	off += 1 + int(hello[off])

	// extensions are optional
	if len(hello) < off+2 {
		return hc, nil
	}
	extLen := int(binary.BigEndian.Uint16(hello[off:]))
	off += 2
	if len(hello) < off+extLen {
		return nil, fmt.Errorf("truncated extensions")
	}
	exts := hello[off : off+extLen]

	for len(exts) >= 4 {
		typ := binary.BigEndian.Uint16(exts[0:])
		l := int(binary.BigEndian.Uint16(exts[2:]))
		if len(exts) < 4+l {
			return nil, fmt.Errorf("truncated extension 0x%04x", typ)
		}
		payload := exts[4 : 4+l]
		switch typ {
		case extServerName:
			if name, ok := parseSNI(payload); ok {
				hc.ServerName = name
			}
		case extALPN:
			hc.ALPN = parseALPN(payload)
		}
		exts = exts[4+l:]
	}

	return hc, nil
}

// ErrShortHello means the peeked prefix does not yet contain the full
// client hello; peek more and retry.
var ErrShortHello = fmt.Errorf("client hello incomplete")

func parseSNI(payload []byte) (string, bool) {
	if len(payload) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(payload[0:]))
	payload = payload[2:]
	if len(payload) < listLen {
		return "", false
	}
	for len(payload) >= 3 {
		nameType := payload[0]
		nameLen := int(binary.BigEndian.Uint16(payload[1:]))
		if len(payload) < 3+nameLen {
			return "", false
		}
		if nameType == 0 {
			return string(payload[3 : 3+nameLen]), true
		}
		payload = payload[3+nameLen:]
	}
	return "", false
}

func parseALPN(payload []byte) []string {
	if len(payload) < 2 {
		return nil
	}
	payload = payload[2:]
	var protos []string
	for len(payload) >= 1 {
		l := int(payload[0])
		if len(payload) < 1+l {
			break
		}
		protos = append(protos, string(payload[1:1+l]))
		payload = payload[1+l:]
	}
	return protos
}
