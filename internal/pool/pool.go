// Package pool implements an IPv4 address pool over a CIDR block,
// generalizing the teacher's server.IPPool (a map[string]bool plus a
// linear "next free" scan) into a leased bitset with a low-water mark
// and deterministic lowest-free-first allocation. Release is O(1).
// Lease scans upward from the low-water mark, so one lease can take
// time linear in the block size; no free list is kept.
package pool

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

// ErrExhausted is returned by Lease when no address is free.
var ErrExhausted = fmt.Errorf("pool: exhausted")

// Pool leases IPv4 host addresses out of a CIDR block. The network
// address, broadcast address, and the tunnel's gateway address are
// permanently reserved and never handed out.
type Pool struct {
	mu       sync.Mutex
	base     uint32 // network address, as a uint32
	size     uint32 // number of addresses in the block (2^(32-prefix))
	netmask  net.IPMask
	gateway  uint32 // offset from base
	leased   []bool // indexed by offset from base
	lowWater uint32 // lowest offset that might be free
}

// New creates a pool over cidr, reserving the network address, the
// broadcast address, and gateway.
func New(cidr *net.IPNet, gateway net.IP) (*Pool, error) {
	ones, bits := cidr.Mask.Size()
	if bits != 32 {
		return nil, fmt.Errorf("pool: only IPv4 CIDRs are supported")
	}

	size := uint32(1) << uint(bits-ones)
	base := binary.BigEndian.Uint32(cidr.IP.To4())

	gw4 := gateway.To4()
	if gw4 == nil {
		return nil, fmt.Errorf("pool: gateway %s is not IPv4", gateway)
	}
	gwOffset := binary.BigEndian.Uint32(gw4) - base
	if gwOffset >= size {
		return nil, fmt.Errorf("pool: gateway %s is not within %s", gateway, cidr)
	}

	p := &Pool{
		base:    base,
		size:    size,
		netmask: cidr.Mask,
		gateway: gwOffset,
		leased:  make([]bool, size),
	}

	// Reserve network address (offset 0), broadcast (offset size-1),
	// and the gateway.
	p.leased[0] = true
	if size > 1 {
		p.leased[size-1] = true
	}
	p.leased[gwOffset] = true

	return p, nil
}

// Lease atomically picks the lowest currently-free address and marks
// it leased.
func (p *Pool) Lease() (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for offset := p.lowWater; offset < p.size; offset++ {
		if !p.leased[offset] {
			p.leased[offset] = true
			p.lowWater = offset + 1
			return p.ipForOffset(offset), nil
		}
	}

	return nil, ErrExhausted
}

// Release returns ip to the free set. Releasing an address that is
// already free is a no-op (the caller logs a warning; this indicates
// a bug elsewhere in the caller, never here).
func (p *Pool) Release(ip net.IP) (alreadyFree bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset, ok := p.offsetFor(ip)
	if !ok {
		return true
	}

	if !p.leased[offset] {
		return true
	}

	p.leased[offset] = false
	if offset < p.lowWater {
		p.lowWater = offset
	}
	return false
}

// Stats reports the current number of free and leased addresses,
// including the permanently reserved network/broadcast/gateway
// addresses among leased.
func (p *Pool) Stats() (free, leased int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.leased {
		if l {
			leased++
		} else {
			free++
		}
	}
	return free, leased
}

// Gateway returns the tunnel's reserved gateway address.
func (p *Pool) Gateway() net.IP {
	return p.ipForOffset(p.gateway)
}

// Mask returns the pool's subnet mask.
func (p *Pool) Mask() net.IPMask {
	return p.netmask
}

// DHCPInfo returns the triple reported to a newly-authenticated
// client: its leased address, the subnet mask, and the gateway.
func (p *Pool) DHCPInfo(clientIP net.IP) (ip net.IP, mask net.IPMask, gateway net.IP) {
	return clientIP, p.Mask(), p.Gateway()
}

func (p *Pool) ipForOffset(offset uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, p.base+offset)
	return ip
}

func (p *Pool) offsetFor(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	val := binary.BigEndian.Uint32(v4)
	if val < p.base || val >= p.base+p.size {
		return 0, false
	}
	return val - p.base, true
}
