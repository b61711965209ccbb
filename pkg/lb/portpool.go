package lb

// PortPool hands out ephemeral ports for one private address. Allocation
// starts at the cursor left by the previous call and skips ports in use.
type PortPool struct {
	min, max uint16
	next     uint16
	used     []uint64
	inUse    int
}

// NewPortPool creates a pool covering [min, max].
func NewPortPool(min, max uint16) *PortPool {
	if max < min {
		min, max = max, min
	}
	size := int(max) - int(min) + 1
	return &PortPool{
		min:  min,
		max:  max,
		next: min,
		used: make([]uint64, (size+63)/64),
	}
}

func (p *PortPool) size() int { return int(p.max) - int(p.min) + 1 }

func (p *PortPool) bit(port uint16) (int, uint64) {
	off := int(port - p.min)
	return off / 64, 1 << (off % 64)
}

// Allocate reserves the next free port.
func (p *PortPool) Allocate() (uint16, error) {
	if p.inUse >= p.size() {
		return 0, ErrPortExhausted
	}
	port := p.next
	if port < p.min || port > p.max {
		port = p.min
	}
	for i := 0; i < p.size(); i++ {
		w, b := p.bit(port)
		if p.used[w]&b == 0 {
			p.used[w] |= b
			p.inUse++
			p.next = p.advance(port)
			return port, nil
		}
		port = p.advance(port)
	}
	return 0, ErrPortExhausted
}

func (p *PortPool) advance(port uint16) uint16 {
	if port >= p.max {
		return p.min
	}
	return port + 1
}

// Release returns port to the pool. It reports whether the port was in use.
func (p *PortPool) Release(port uint16) bool {
	if !p.InUse(port) {
		return false
	}
	w, b := p.bit(port)
	p.used[w] &^= b
	p.inUse--
	return true
}

// InUse reports whether port is currently allocated.
func (p *PortPool) InUse(port uint16) bool {
	if port < p.min || port > p.max {
		return false
	}
	w, b := p.bit(port)
	return p.used[w]&b != 0
}

// Len returns the number of allocated ports.
func (p *PortPool) Len() int { return p.inUse }
