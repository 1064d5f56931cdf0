// Package server assembles the configured listener, middleware stack,
// protocol router and terminal handlers into a runnable proxy.
package server

import (
	"context"
	"fmt"
	"log"
	"net"

	"weft/internal/compression"
	"weft/internal/config"
	"weft/internal/dialer"
	"weft/internal/distort"
	"weft/internal/flow"
	"weft/internal/healthz"
	"weft/internal/httpproxy"
	"weft/internal/layers"
	"weft/internal/lb"
	"weft/internal/metrics"
	"weft/internal/passthrough"
	"weft/internal/proxy"
	"weft/internal/ratelimit"
	"weft/internal/rt"
	"weft/internal/sniff"
	"weft/internal/socks5"
	"weft/internal/tunnel"
)

// Server is one assembled proxy instance.
type Server struct {
	cfg       *config.Config
	runtime   rt.Runtime
	health    *healthz.HealthChecker
	balancers map[string]*lb.Balancer
}

// New builds a server from cfg. Construction resolves the whole
// pipeline up front so a bad config fails before the listener opens.
func New(cfg *config.Config) *Server {
	return &Server{
		cfg:       cfg,
		runtime:   rt.Goroutine{},
		balancers: make(map[string]*lb.Balancer),
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	stack, err := s.buildStack()
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	defer ln.Close()
	log.Printf("[server] listening on %s", ln.Addr())

	if s.cfg.Metrics.Enabled {
		go func() {
			if err := metrics.Serve(ctx, s.cfg.Metrics.Listen); err != nil {
				log.Printf("[server] metrics endpoint: %v", err)
			}
		}()
	}
	if s.cfg.Health.Enabled {
		s.health = healthz.New(s.cfg.Health.Token)
		s.health.Register(healthz.TCPCheck("listener", ln.Addr().String()))
		for name, b := range s.balancers {
			s.health.Register(healthz.BalancerCheck("upstreams:"+name, b))
		}
		go func() {
			if err := s.health.Serve(ctx, s.cfg.Health.Listen); err != nil {
				log.Printf("[server] health endpoint: %v", err)
			}
		}()
	}

	d := &proxy.Dispatcher{
		Stack:        stack,
		Runtime:      s.runtime,
		ConnDeadline: s.cfg.ConnTimeout(),
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	err = d.Serve(ctx, ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// buildStack wires middleware around the protocol router. The recover
// layer sits outermost so panics anywhere below surface as handler
// errors; metrics and the access log observe the classified outcome.
func (s *Server) buildStack() (proxy.Service, error) {
	router, err := s.buildRouter()
	if err != nil {
		return nil, err
	}

	b := flow.NewBuilder[*proxy.Request, *proxy.Result]()
	b.Use(layers.Recover[*proxy.Request, *proxy.Result]())
	if s.cfg.Layers.AccessLog {
		b.Use(layers.AccessLog())
	}
	if s.cfg.Layers.Metrics {
		b.Use(layers.Metrics())
	}
	if s.cfg.Layers.RateLimit.Enabled {
		rl := s.cfg.Layers.RateLimit
		mode := ratelimit.ModeDrop
		if rl.Mode == "pace" {
			mode = ratelimit.ModePace
		}
		limiter := ratelimit.New(int(rl.MaxBPS), int(rl.MaxCPS), int(rl.Burst), mode)
		b.Use(layers.RateLimit(limiter))
	}
	return b.Then(router), nil
}

func (s *Server) buildRouter() (*proxy.Router, error) {
	d, err := dialer.New(dialer.Config{
		Timeout:   s.cfg.DialTimeout(),
		DNSServer: s.cfg.Dialer.DNSServer,
		ProxyURL:  s.cfg.Dialer.ProxyURL,
		TLS:       s.cfg.Dialer.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("dialer: %w", err)
	}

	router := proxy.NewRouter(s.cfg.Sniff.Window, s.cfg.SniffTimeout())

	var socks5Handler proxy.Service
	if s.cfg.Handlers.SOCKS5.Enabled {
		socks5Handler = &socks5.Handler{
			Username:         s.cfg.Handlers.SOCKS5.Username,
			Password:         s.cfg.Handlers.SOCKS5.Password,
			Dial:             d.Dial,
			HandshakeTimeout: s.cfg.HandshakeTimeout(),
		}
		router.Register(sniff.ProtocolSOCKS5, socks5Handler)
	}
	var httpHandler proxy.Service
	if s.cfg.Handlers.HTTP.Enabled {
		httpHandler = &httpproxy.Handler{
			Dial:           d.Dial,
			RequestTimeout: s.cfg.HandshakeTimeout(),
		}
		router.Register(sniff.ProtocolHTTP, httpHandler)
	}
	if s.cfg.Handlers.TLS.Enabled {
		tlsHandler, err := s.buildTLSHandler(d)
		if err != nil {
			return nil, err
		}
		router.Register(sniff.ProtocolTLS, tlsHandler)
	}
	if s.cfg.Handlers.Tunnel.Enabled {
		inner, err := s.tunnelInner(router, socks5Handler, httpHandler)
		if err != nil {
			return nil, err
		}
		var tunnelSvc proxy.Service = &tunnel.Handler{
			Inner: inner,
			Config: tunnel.Config{
				KeepAliveInterval: s.cfg.TunnelKeepAliveInterval(),
				KeepAliveTimeout:  s.cfg.TunnelKeepAliveTimeout(),
				MaxReceiveBuffer:  s.cfg.Handlers.Tunnel.MaxReceiveBuffer,
				MaxStreamBuffer:   s.cfg.Handlers.Tunnel.MaxStreamBuffer,
			},
		}
		if name := s.cfg.Handlers.Tunnel.Compression; name != "" {
			codec := compression.Codec(name)
			if !codec.Valid() {
				return nil, fmt.Errorf("tunnel compression codec %q", name)
			}
			tunnelSvc = layers.Compress(codec).Wrap(tunnelSvc)
		}
		// A smux carrier is unclassifiable on the wire; route whatever
		// the sniffer cannot name to the tunnel.
		router.RegisterFallback(tunnelSvc)
	}
	return router, nil
}

func (s *Server) buildTLSHandler(d *dialer.Dialer) (proxy.Service, error) {
	tc := s.cfg.Handlers.TLS
	switch tc.Mode {
	case "distort":
		return &distort.Handler{
			Dial:         d.Dial,
			ChunkSize:    tc.ChunkSize,
			Delay:        s.cfg.DistortDelay(),
			Port:         tc.Port,
			HelloTimeout: s.cfg.HandshakeTimeout(),
		}, nil
	case "passthrough":
		routes := make(map[string]*lb.Balancer, len(tc.Routes))
		for name, targets := range tc.Routes {
			b, err := lb.New(lb.Config{Targets: targets, Strategy: lb.Strategy(tc.Strategy)})
			if err != nil {
				return nil, fmt.Errorf("tls route %q: %w", name, err)
			}
			routes[name] = b
			s.balancers[name] = b
		}
		var def *lb.Balancer
		if len(tc.Default) > 0 {
			b, err := lb.New(lb.Config{Targets: tc.Default, Strategy: lb.Strategy(tc.Strategy)})
			if err != nil {
				return nil, fmt.Errorf("tls default upstreams: %w", err)
			}
			def = b
			s.balancers["default"] = b
		}
		return &passthrough.Handler{
			Routes:       routes,
			Default:      def,
			Dial:         d.Dial,
			HelloTimeout: s.cfg.HandshakeTimeout(),
		}, nil
	default:
		return nil, fmt.Errorf("unknown tls mode %q", tc.Mode)
	}
}

// tunnelInner picks the service each tunnel stream runs.
func (s *Server) tunnelInner(router *proxy.Router, socks5Handler, httpHandler proxy.Service) (proxy.Service, error) {
	switch s.cfg.Handlers.Tunnel.Inner {
	case "socks5":
		if socks5Handler == nil {
			return nil, fmt.Errorf("tunnel.inner=socks5 requires the socks5 handler")
		}
		return socks5Handler, nil
	case "http":
		if httpHandler == nil {
			return nil, fmt.Errorf("tunnel.inner=http requires the http handler")
		}
		return httpHandler, nil
	case "sniff":
		return router, nil
	default:
		return nil, fmt.Errorf("unknown tunnel inner %q", s.cfg.Handlers.Tunnel.Inner)
	}
}
