package fuzz

import (
	"testing"

	"weft/internal/sniff"
)

// FuzzClassify feeds arbitrary prefixes to the protocol classifier. The
// classifier must never panic and must only ever return a member of the
// closed protocol set.
func FuzzClassify(f *testing.F) {
	f.Add([]byte{0x16, 0x03, 0x01})
	f.Add([]byte{0x05, 0x01, 0x00})
	f.Add([]byte("GET / HTTP/1.1\r\n"))
	f.Add([]byte("CONNECT x:443 HTTP/1.1"))
	f.Add([]byte{0x00})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, prefix []byte) {
		switch p := sniff.Classify(prefix); p {
		case sniff.ProtocolTLS, sniff.ProtocolHTTP, sniff.ProtocolSOCKS5, sniff.ProtocolUnknown:
		default:
			t.Fatalf("classifier invented protocol %q", p)
		}
	})
}

// FuzzParseClientHello throws malformed handshake bytes at the parser.
// Any input must produce a hello or an error, never a panic or an
// out-of-range read.
func FuzzParseClientHello(f *testing.F) {
	f.Add([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 0x01, 0x00, 0x00, 0x01, 0x00})
	f.Add([]byte{0x16, 0x03, 0x03, 0xff, 0xff})
	f.Add([]byte("garbage that is not TLS at all"))

	f.Fuzz(func(t *testing.T, data []byte) {
		hello, err := sniff.ParseClientHello(data)
		if err == nil && hello == nil {
			t.Fatal("nil hello without error")
		}
	})
}
