// Package portprovider allocates and reserves TCP/UDP ports above 1023 for
// access keys and other server-wide listeners (spec.md §4.1, component C1).
package portprovider

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
)

// ErrPortAlreadyReserved is returned by Reserve when the port is already
// held in this provider's reserved set.
var ErrPortAlreadyReserved = errors.New("port already reserved")

const (
	minPort = 1024
	maxPort = 65535
)

// Provider tracks reserved ports and probes the OS to determine whether an
// unreserved port is free. probe is injectable so tests never bind real
// sockets.
type Provider struct {
	mu       sync.Mutex
	reserved map[int]bool
	probe    func(port int) bool
}

// New creates a Provider that probes real OS sockets for liveness.
func New() *Provider {
	return &Provider{
		reserved: make(map[int]bool),
		probe:    probeOS,
	}
}

// newWithProbe is used by tests to substitute a fake liveness probe.
func newWithProbe(probe func(port int) bool) *Provider {
	return &Provider{
		reserved: make(map[int]bool),
		probe:    probe,
	}
}

// Reserve marks port as reserved by this provider. It fails with
// ErrPortAlreadyReserved if this provider already reserved it; it does not
// re-probe the OS for a port the provider itself already owns, since ports
// may be legitimately shared across access keys (spec.md §4.1).
func (p *Provider) Reserve(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reserved[port] {
		return ErrPortAlreadyReserved
	}
	p.reserved[port] = true
	return nil
}

// IsReserved reports whether this provider has already reserved port.
func (p *Provider) IsReserved(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reserved[port]
}

// Free releases port back to the pool. It is a no-op if the port was never
// reserved.
func (p *Provider) Free(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reserved, port)
}

// ReserveFirstFree reserves and returns the first port at or above start
// (and at least minPort) that is neither already reserved by this provider
// nor observed listening on the OS.
func (p *Provider) ReserveFirstFree(start int) (int, error) {
	if start < minPort {
		start = minPort
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := start; port <= maxPort; port++ {
		if p.reserved[port] {
			continue
		}
		if p.probe(port) {
			continue // something else is listening
		}
		p.reserved[port] = true
		return port, nil
	}
	return 0, fmt.Errorf("no free port found at or above %d", start)
}

// ReserveNew reserves and returns a uniformly random free port in
// [1024, 65535].
func (p *Provider) ReserveNew() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	const maxAttempts = 100
	span := big.NewInt(int64(maxPort - minPort + 1))
	for i := 0; i < maxAttempts; i++ {
		n, err := rand.Int(rand.Reader, span)
		if err != nil {
			return 0, fmt.Errorf("generating random port: %w", err)
		}
		port := minPort + int(n.Int64())
		if p.reserved[port] {
			continue
		}
		if p.probe(port) {
			continue
		}
		p.reserved[port] = true
		return port, nil
	}
	return 0, errors.New("could not find a free random port after 100 attempts")
}

// IsPortUsedByOS reports whether the given port is already bound by a
// process other than the provider's own reservations (used by
// spec.md §4.7.3's setPortForNewAccessKeys policy). The deduplication
// against the provider's own reserved set happens at the caller: this is
// the raw OS probe.
func (p *Provider) IsPortUsedByOS(port int) bool {
	return p.probe(port)
}

// probeOS reports whether anything is listening on port, by attempting to
// bind both tcp and udp and immediately releasing. This replaces shelling
// out to lsof (spec.md §9 "Open question — port-probing via external
// process") with a portable, dependency-free check.
func probeOS(port int) bool {
	addr := fmt.Sprintf(":%d", port)

	tl, err := net.Listen("tcp", addr)
	if err != nil {
		return true // something is already bound
	}
	tl.Close()

	ul, err := net.ListenPacket("udp", addr)
	if err != nil {
		return true
	}
	ul.Close()

	return false
}
