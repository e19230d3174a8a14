// Package media owns the media-plane collaborators of the engine: the RTP
// port lease pool and the external stream pusher started per session.
package media

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPortExhausted means every port in the configured range is leased.
// Sessions answering an INVITE turn this into 503 Service Unavailable.
var ErrPortExhausted = errors.New("rtp port range exhausted")

// PortPool leases local RTP ports from a fixed [start, end] range.
// Leases are keyed by owner (the session Call-ID); release is idempotent.
type PortPool struct {
	mu      sync.Mutex
	start   int
	end     int
	cursor  int
	byPort  map[int]string
	byOwner map[string]int
}

func NewPortPool(start, end int) (*PortPool, error) {
	if start <= 0 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range [%d, %d]", start, end)
	}
	return &PortPool{
		start:   start,
		end:     end,
		cursor:  start,
		byPort:  make(map[int]string),
		byOwner: make(map[string]int),
	}, nil
}

// Lease reserves one port for owner. Leasing twice for the same owner
// returns the same port. Even ports are preferred so RTP/RTCP pairing
// stays conventional.
func (p *PortPool) Lease(owner string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.byOwner[owner]; ok {
		return port, nil
	}

	size := p.end - p.start + 1
	for i := 0; i < size; i++ {
		port := p.cursor
		p.cursor++
		if p.cursor > p.end {
			p.cursor = p.start
		}
		if port%2 != 0 {
			continue
		}
		if _, taken := p.byPort[port]; taken {
			continue
		}
		p.byPort[port] = owner
		p.byOwner[owner] = port
		return port, nil
	}
	return 0, ErrPortExhausted
}

// Release frees a port. Unknown or already-released ports are a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	owner, ok := p.byPort[port]
	if !ok {
		return
	}
	delete(p.byPort, port)
	delete(p.byOwner, owner)
}

// ReleaseOwner frees whatever port the owner holds, if any.
func (p *PortPool) ReleaseOwner(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.byOwner[owner]
	if !ok {
		return
	}
	delete(p.byOwner, owner)
	delete(p.byPort, port)
}

// Leased returns the number of active leases.
func (p *PortPool) Leased() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byPort)
}
