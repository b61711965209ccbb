package nic

import (
	"net"
	"sync"
)

// Memory is a channel-backed Device. Frames injected with Inject are
// returned by Poll; frames passed to Send appear on Sent.
type Memory struct {
	index int
	name  string
	mac   net.HardwareAddr
	rx    chan []byte
	tx    chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// NewMemory creates a device whose queues hold depth frames each.
func NewMemory(index int, name string, mac net.HardwareAddr, depth int) *Memory {
	if depth <= 0 {
		depth = 64
	}
	return &Memory{
		index:  index,
		name:   name,
		mac:    mac,
		rx:     make(chan []byte, depth),
		tx:     make(chan []byte, depth),
		closed: make(chan struct{}),
	}
}

func (m *Memory) Index() int                     { return m.index }
func (m *Memory) Name() string                   { return m.name }
func (m *Memory) HardwareAddr() net.HardwareAddr { return m.mac }
func (m *Memory) Alloc() []byte                  { return make([]byte, frameSize(0)) }

// Inject queues a copy of frame for reception. It reports false when the
// receive queue is full or the device is closed.
func (m *Memory) Inject(frame []byte) bool {
	select {
	case <-m.closed:
		return false
	default:
	}
	select {
	case m.rx <- append([]byte(nil), frame...):
		return true
	default:
		return false
	}
}

// Sent returns the frames transmitted on the device.
func (m *Memory) Sent() <-chan []byte { return m.tx }

func (m *Memory) Poll(buf []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, ErrClosed
	case frame := <-m.rx:
		return copy(buf, frame), nil
	default:
		return 0, nil
	}
}

func (m *Memory) Send(frame []byte) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}
	select {
	case m.tx <- append([]byte(nil), frame...):
		return nil
	default:
		return ErrQueueFull
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
