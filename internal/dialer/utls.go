package dialer

import (
	"context"
	"fmt"
	"net"

	utls "github.com/refraction-networking/utls"
)

// TLSConfig configures upstream TLS camouflage: the handshake mimics a
// mainstream browser so the proxy-to-upstream hop blends in.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`
	// ServerName overrides the SNI; defaults to the dialed host.
	ServerName string `yaml:"server_name"`
	// Fingerprint selects the mimicked client: chrome, firefox, safari,
	// edge, ios, random. Defaults to chrome.
	Fingerprint string `yaml:"fingerprint"`
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	// NextProtos sets the offered ALPN protocols.
	NextProtos []string `yaml:"next_protos"`
}

func (c TLSConfig) validate() error {
	switch c.Fingerprint {
	case "", "chrome", "firefox", "safari", "edge", "ios", "random":
		return nil
	default:
		return fmt.Errorf("unknown tls fingerprint %q", c.Fingerprint)
	}
}

func helloID(fingerprint string) utls.ClientHelloID {
	switch fingerprint {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "edge":
		return utls.HelloEdge_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "random":
		return utls.HelloRandomized
	default:
		return utls.HelloChrome_Auto
	}
}

// wrapUTLS performs a camouflaged TLS handshake over conn.
func wrapUTLS(ctx context.Context, conn net.Conn, cfg TLSConfig, serverName string) (net.Conn, error) {
	uCfg := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		NextProtos:         cfg.NextProtos,
	}
	uconn := utls.UClient(conn, uCfg, helloID(cfg.Fingerprint))
	if err := uconn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return uconn, nil
}
