//go:build !linux

package nic

import (
	"errors"
	"net"
	"time"
)

// RawOptions mirrors the Linux options so callers build everywhere.
type RawOptions struct {
	Promiscuous bool
	PollTimeout time.Duration
}

// Raw is only available on Linux.
type Raw struct{}

// OpenRaw always fails off Linux.
func OpenRaw(name string, opts RawOptions) (*Raw, error) {
	return nil, errors.New("raw packet sockets are only supported on linux")
}

func (r *Raw) Index() int                     { return 0 }
func (r *Raw) Name() string                   { return "" }
func (r *Raw) HardwareAddr() net.HardwareAddr { return nil }
func (r *Raw) Alloc() []byte                  { return nil }
func (r *Raw) Info() LinkInfo                 { return LinkInfo{} }
func (r *Raw) Poll(buf []byte) (int, error)   { return 0, ErrClosed }
func (r *Raw) Send(frame []byte) error        { return ErrClosed }
func (r *Raw) Close() error                   { return nil }
