package dialer

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// resolver queries one DNS server directly, with a small positive cache.
type resolver struct {
	server  string
	client  *dns.Client
	mu      sync.Mutex
	cache   map[string]cacheEntry
	nowFunc func() time.Time
}

type cacheEntry struct {
	ip      net.IP
	expires time.Time
}

const cacheTTLFloor = 10 * time.Second

func newResolver(server string, timeout time.Duration) *resolver {
	return &resolver{
		server:  server,
		client:  &dns.Client{Timeout: timeout},
		cache:   make(map[string]cacheEntry),
		nowFunc: time.Now,
	}
}

func (r *resolver) lookup(ctx context.Context, host string) (net.IP, error) {
	now := r.nowFunc()

	r.mu.Lock()
	if e, ok := r.cache[host]; ok && now.Before(e.expires) {
		r.mu.Unlock()
		return e.ip, nil
	}
	r.mu.Unlock()

	ip, ttl, err := r.query(ctx, host, dns.TypeA)
	if err != nil {
		ip, ttl, err = r.query(ctx, host, dns.TypeAAAA)
	}
	if err != nil {
		return nil, err
	}

	if ttl < cacheTTLFloor {
		ttl = cacheTTLFloor
	}
	r.mu.Lock()
	r.cache[host] = cacheEntry{ip: ip, expires: now.Add(ttl)}
	r.mu.Unlock()

	return ip, nil
}

func (r *resolver) query(ctx context.Context, host string, qtype uint16) (net.IP, time.Duration, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)
	if err != nil {
		return nil, 0, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, 0, fmt.Errorf("dns rcode %s for %s", dns.RcodeToString[resp.Rcode], host)
	}

	for _, rr := range resp.Answer {
		switch a := rr.(type) {
		case *dns.A:
			return a.A, time.Duration(a.Hdr.Ttl) * time.Second, nil
		case *dns.AAAA:
			return a.AAAA, time.Duration(a.Hdr.Ttl) * time.Second, nil
		}
	}
	return nil, 0, fmt.Errorf("no address records for %s", host)
}
