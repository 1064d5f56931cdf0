// Package lb distributes upstream connections across multiple targets.
// Handlers ask for a target per connection and report the result back so
// failing targets drop out of rotation until they recover.
package lb

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy selects how the next target is picked.
type Strategy string

const (
	RoundRobin Strategy = "round-robin"
	LeastConn  Strategy = "least-conn"
	Random     Strategy = "random"
	Hash       Strategy = "hash"
)

// Target is one upstream backend.
type Target struct {
	Address string

	conns    atomic.Int64
	failures atomic.Int64
	downTill atomic.Int64 // unix nano; 0 when in rotation
}

// Conns returns the live connection count for this target.
func (t *Target) Conns() int64 { return t.conns.Load() }

// Failures returns the consecutive failure count.
func (t *Target) Failures() int64 { return t.failures.Load() }

func (t *Target) available(now time.Time) bool {
	till := t.downTill.Load()
	return till == 0 || now.UnixNano() >= till
}

// Config holds balancer configuration.
type Config struct {
	Targets []string
	// Strategy defaults to round-robin.
	Strategy Strategy
	// MaxFailures marks a target down after this many consecutive
	// failures. Zero defaults to 3.
	MaxFailures int
	// Cooldown keeps a down target out of rotation. Zero defaults to
	// 30 seconds.
	Cooldown time.Duration
}

// Balancer picks upstream targets per connection.
type Balancer struct {
	targets     []*Target
	strategy    Strategy
	maxFailures int64
	cooldown    time.Duration
	next        atomic.Uint64
	mu          sync.Mutex
	rng         *rand.Rand
}

// New creates a balancer from cfg.
func New(cfg Config) (*Balancer, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = RoundRobin
	}
	switch cfg.Strategy {
	case RoundRobin, LeastConn, Random, Hash:
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}

	targets := make([]*Target, len(cfg.Targets))
	for i, addr := range cfg.Targets {
		targets[i] = &Target{Address: addr}
	}
	return &Balancer{
		targets:     targets,
		strategy:    cfg.Strategy,
		maxFailures: int64(cfg.MaxFailures),
		cooldown:    cfg.Cooldown,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Pick returns the next target. key feeds the hash strategy (typically
// the client address or SNI) and is ignored by the others. When every
// target is down the pick falls back to the full set so traffic keeps a
// chance to probe recovery.
func (b *Balancer) Pick(key string) *Target {
	now := time.Now()
	pool := make([]*Target, 0, len(b.targets))
	for _, t := range b.targets {
		if t.available(now) {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		pool = b.targets
	}

	var t *Target
	switch b.strategy {
	case LeastConn:
		t = pool[0]
		for _, c := range pool[1:] {
			if c.conns.Load() < t.conns.Load() {
				t = c
			}
		}
	case Random:
		b.mu.Lock()
		t = pool[b.rng.Intn(len(pool))]
		b.mu.Unlock()
	case Hash:
		h := fnv.New32a()
		h.Write([]byte(key))
		t = pool[int(h.Sum32())%len(pool)]
	default: // round-robin
		t = pool[int(b.next.Add(1)-1)%len(pool)]
	}

	t.conns.Add(1)
	return t
}

// Release reports a finished connection. failed connections count toward
// taking the target out of rotation; a success resets the streak.
func (b *Balancer) Release(t *Target, failed bool) {
	t.conns.Add(-1)
	if !failed {
		t.failures.Store(0)
		t.downTill.Store(0)
		return
	}
	if t.failures.Add(1) >= b.maxFailures {
		t.downTill.Store(time.Now().Add(b.cooldown).UnixNano())
		t.failures.Store(0)
	}
}

// Targets returns the configured targets, for health reporting.
func (b *Balancer) Targets() []*Target {
	return b.targets
}
