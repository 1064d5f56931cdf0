// Package socks5 implements a SOCKS5 (RFC 1928) terminal handler for the
// dispatch pipeline: method negotiation, optional username/password
// authentication (RFC 1929), and CONNECT relaying through the injected
// dialer.
package socks5

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"weft/internal/flow"
	"weft/internal/proxy"
	"weft/internal/relay"
)

const (
	version5 = 0x05

	authNone     = 0x00
	authUserPass = 0x02
	authNoMatch  = 0xFF

	cmdConnect      = 0x01
	cmdBind         = 0x02
	cmdUDPAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	repSuccess          = 0x00
	repGeneralFailure   = 0x01
	repHostUnreachable  = 0x04
	repCmdNotSupported  = 0x07
	repAddrNotSupported = 0x08
)

// DialFunc dials a target address for a CONNECT request.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Handler is the SOCKS5 terminal service. Only CONNECT is supported;
// BIND and UDP ASSOCIATE are refused with the proper reply code.
type Handler struct {
	// Username and Password enable RFC 1929 auth when non-empty.
	Username string
	Password string
	// Dial establishes upstream connections.
	Dial DialFunc
	// HandshakeTimeout bounds negotiation and the request read.
	// Zero defaults to 30 seconds.
	HandshakeTimeout time.Duration
}

// Call serves one SOCKS5 connection to completion.
func (h *Handler) Call(cx *flow.Context, req *proxy.Request) (*proxy.Result, error) {
	if cx.IsCancelled() {
		return nil, flow.Cancelled("socks5")
	}
	conn := req.Conn

	hsTimeout := h.HandshakeTimeout
	if hsTimeout <= 0 {
		hsTimeout = 30 * time.Second
	}
	conn.SetDeadline(time.Now().Add(hsTimeout))

	if err := h.negotiate(conn); err != nil {
		return nil, err
	}

	cmd, target, err := readRequest(conn)
	if err != nil {
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	if cmd != cmdConnect {
		sendReply(conn, repCmdNotSupported, "0.0.0.0:0")
		return nil, flow.Errorf(flow.KindProtocol, "socks5", "unsupported command 0x%02x", cmd)
	}
	if cx.IsCancelled() {
		return nil, flow.Cancelled("socks5")
	}

	upstream, err := h.Dial(cx.StdContext(), "tcp", target)
	if err != nil {
		sendReply(conn, repHostUnreachable, "0.0.0.0:0")
		return nil, flow.E(flow.KindHandler, "socks5", fmt.Errorf("dial %s: %w", target, err))
	}
	defer upstream.Close()

	if err := sendReply(conn, repSuccess, conn.LocalAddr().String()); err != nil {
		return nil, flow.E(flow.KindTransport, "socks5", err)
	}

	in, out, err := relay.Pipe(cx, conn, upstream)
	res := &proxy.Result{Protocol: "socks5", BytesIn: in, BytesOut: out}
	if err != nil {
		return res, err
	}
	return res, nil
}

func (h *Handler) negotiate(conn io.ReadWriter) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return flow.E(flow.KindTransport, "socks5", err)
	}
	if buf[0] != version5 {
		return flow.Errorf(flow.KindProtocol, "socks5", "unsupported version %d", buf[0])
	}
	methods := make([]byte, int(buf[1]))
	if _, err := io.ReadFull(conn, methods); err != nil {
		return flow.E(flow.KindTransport, "socks5", err)
	}

	if h.Username == "" {
		conn.Write([]byte{version5, authNone})
		return nil
	}

	for _, m := range methods {
		if m == authUserPass {
			conn.Write([]byte{version5, authUserPass})
			return h.authenticate(conn)
		}
	}
	conn.Write([]byte{version5, authNoMatch})
	return flow.Errorf(flow.KindProtocol, "socks5", "client offers no username/password auth")
}

func (h *Handler) authenticate(conn io.ReadWriter) error {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return flow.E(flow.KindTransport, "socks5", err)
	}
	uname := make([]byte, int(buf[1]))
	if _, err := io.ReadFull(conn, uname); err != nil {
		return flow.E(flow.KindTransport, "socks5", err)
	}
	plen := make([]byte, 1)
	if _, err := io.ReadFull(conn, plen); err != nil {
		return flow.E(flow.KindTransport, "socks5", err)
	}
	passwd := make([]byte, int(plen[0]))
	if _, err := io.ReadFull(conn, passwd); err != nil {
		return flow.E(flow.KindTransport, "socks5", err)
	}

	if string(uname) == h.Username && string(passwd) == h.Password {
		conn.Write([]byte{0x01, 0x00})
		return nil
	}
	conn.Write([]byte{0x01, 0x01})
	return flow.Errorf(flow.KindProtocol, "socks5", "authentication failed")
}

func readRequest(conn io.ReadWriter) (byte, string, error) {
	// VER CMD RSV ATYP DST.ADDR DST.PORT
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return 0, "", flow.E(flow.KindTransport, "socks5", err)
	}
	if buf[0] != version5 {
		return 0, "", flow.Errorf(flow.KindProtocol, "socks5", "unsupported version %d", buf[0])
	}
	cmd := buf[1]

	var host string
	switch buf[3] {
	case atypIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return 0, "", flow.E(flow.KindTransport, "socks5", err)
		}
		host = net.IP(addr).String()
	case atypIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(conn, addr); err != nil {
			return 0, "", flow.E(flow.KindTransport, "socks5", err)
		}
		host = net.IP(addr).String()
	case atypDomain:
		l := make([]byte, 1)
		if _, err := io.ReadFull(conn, l); err != nil {
			return 0, "", flow.E(flow.KindTransport, "socks5", err)
		}
		domain := make([]byte, int(l[0]))
		if _, err := io.ReadFull(conn, domain); err != nil {
			return 0, "", flow.E(flow.KindTransport, "socks5", err)
		}
		host = string(domain)
	default:
		sendReply(conn, repAddrNotSupported, "0.0.0.0:0")
		return 0, "", flow.Errorf(flow.KindProtocol, "socks5", "unsupported address type %d", buf[3])
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return 0, "", flow.E(flow.KindTransport, "socks5", err)
	}
	port := binary.BigEndian.Uint16(portBuf)

	return cmd, net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func sendReply(conn io.Writer, rep byte, bindAddr string) error {
	host, portStr, err := net.SplitHostPort(bindAddr)
	if err != nil {
		host = "0.0.0.0"
		portStr = "0"
	}
	port, _ := strconv.Atoi(portStr)

	reply := []byte{version5, rep, 0x00}
	ip := net.ParseIP(host)
	if ip4 := ip.To4(); ip4 != nil {
		reply = append(reply, atypIPv4)
		reply = append(reply, ip4...)
	} else if ip6 := ip.To16(); ip6 != nil {
		reply = append(reply, atypIPv6)
		reply = append(reply, ip6...)
	} else {
		reply = append(reply, atypIPv4, 0, 0, 0, 0)
	}
	reply = append(reply, byte(port>>8), byte(port))
	_, err = conn.Write(reply)
	return err
}

var _ proxy.Service = (*Handler)(nil)
