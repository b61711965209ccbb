// Package dispatch runs the packet loop. A Worker owns one lb.Engine and the
// devices it serves; other goroutines reach the engine only through Do.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/easzlab/pktlb/pkg/arp"
	"github.com/easzlab/pktlb/pkg/icmp"
	"github.com/easzlab/pktlb/pkg/lb"
	"github.com/easzlab/pktlb/pkg/nic"
	"github.com/easzlab/pktlb/pkg/packet"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/zap"
)

var ErrStopped = errors.New("worker stopped")

// Outcome classifies what happened to a received frame.
type Outcome string

const (
	OutcomeARP         Outcome = "arp"
	OutcomeICMP        Outcome = "icmp"
	OutcomeUnsupported Outcome = "unsupported"
	OutcomeMiss        Outcome = "miss"
	OutcomeDrop        Outcome = "drop"
	OutcomeForward     Outcome = "forward"
	OutcomeReverse     Outcome = "reverse"
	OutcomeTxError     Outcome = "tx_error"
)

// Observer is told about every frame. Calls happen on the worker goroutine.
type Observer interface {
	FrameProcessed(nic int, outcome Outcome)
}

type nopObserver struct{}

func (nopObserver) FrameProcessed(int, Outcome) {}

// Port is a device together with the handlers for traffic addressed to the
// balancer itself.
type Port struct {
	Device nic.Device
	ARP    *arp.Handler
	ICMP   *icmp.Responder
}

// Options tunes a Worker. Zero values select the defaults.
type Options struct {
	// TickInterval bounds how long an idle loop sleeps before firing timers.
	TickInterval time.Duration
	// Budget is the number of frames read from one device per iteration.
	Budget       int
	CommandQueue int
	Now          func() time.Time
	Observer     Observer
}

type command struct {
	fn   func(*lb.Engine) error
	done chan error
}

// Worker is the single goroutine that touches the engine.
type Worker struct {
	engine *lb.Engine
	ports  []*Port
	byNIC  map[int]*Port
	opts   Options
	logger *zap.Logger

	cmds    chan command
	stopped chan struct{}
	buf     []byte
}

// New creates a worker for engine that serves ports. It does nothing until
// Run is called.
func New(engine *lb.Engine, ports []*Port, opts Options, logger *zap.Logger) *Worker {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Millisecond
	}
	if opts.Budget <= 0 {
		opts.Budget = 32
	}
	if opts.CommandQueue <= 0 {
		opts.CommandQueue = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}

	w := &Worker{
		engine:  engine,
		ports:   ports,
		byNIC:   make(map[int]*Port, len(ports)),
		opts:    opts,
		logger:  logger,
		cmds:    make(chan command, opts.CommandQueue),
		stopped: make(chan struct{}),
	}
	size := 0
	for _, p := range ports {
		w.byNIC[p.Device.Index()] = p
		if b := p.Device.Alloc(); len(b) > size {
			size = len(b)
		}
	}
	w.buf = make([]byte, size)
	return w
}

// Run loops until ctx is cancelled. Commands submitted after Run returned
// fail with ErrStopped.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)
	w.logger.Info("worker started", zap.Int("ports", len(w.ports)))

	idle := time.NewTimer(w.opts.TickInterval)
	defer idle.Stop()

	for {
		if err := ctx.Err(); err != nil {
			w.drainOnStop()
			w.logger.Info("worker stopped")
			return nil
		}
		if w.RunOnce() > 0 {
			continue
		}

		idle.Reset(w.opts.TickInterval)
		select {
		case <-ctx.Done():
		case c := <-w.cmds:
			w.exec(c)
		case <-idle.C:
		}
	}
}

// RunOnce polls every device once, fires due timers and runs queued
// commands. It returns how many frames and commands were handled.
func (w *Worker) RunOnce() int {
	n := 0
	for _, p := range w.ports {
		n += w.poll(p)
	}
	w.engine.Tick(w.opts.Now())
	for {
		select {
		case c := <-w.cmds:
			w.exec(c)
			n++
		default:
			return n
		}
	}
}

// Do runs fn on the worker goroutine and returns its error.
func (w *Worker) Do(ctx context.Context, fn func(*lb.Engine) error) error {
	c := command{fn: fn, done: make(chan error, 1)}
	select {
	case w.cmds <- c:
	case <-w.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-w.stopped:
		// The command may still have run while the worker was stopping.
		select {
		case err := <-c.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) exec(c command) {
	c.done <- c.fn(w.engine)
}

func (w *Worker) drainOnStop() {
	for {
		select {
		case c := <-w.cmds:
			w.exec(c)
		default:
			return
		}
	}
}

func (w *Worker) poll(p *Port) int {
	n := 0
	for n < w.opts.Budget {
		size, err := p.Device.Poll(w.buf)
		if err != nil {
			if !errors.Is(err, nic.ErrClosed) {
				w.logger.Warn("failed to read frame", zap.String("device", p.Device.Name()), zap.Error(err))
			}
			return n
		}
		if size == 0 {
			return n
		}
		n++
		w.process(p, w.buf[:size])
	}
	return n
}

func (w *Worker) process(p *Port, frame []byte) {
	index := p.Device.Index()
	if ce := w.logger.Check(zap.DebugLevel, "frame received"); ce != nil {
		pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
		ce.Write(zap.String("device", p.Device.Name()), zap.Stringer("packet", pkt))
	}

	if p.ARP != nil && p.ARP.Process(frame) {
		w.opts.Observer.FrameProcessed(index, OutcomeARP)
		return
	}
	if p.ICMP != nil && p.ICMP.Process(frame) {
		w.opts.Observer.FrameProcessed(index, OutcomeICMP)
		return
	}

	f, err := packet.Decode(frame)
	if err != nil {
		w.opts.Observer.FrameProcessed(index, OutcomeUnsupported)
		return
	}

	egress, verdict := w.engine.Handle(index, &f)
	switch verdict {
	case lb.VerdictMiss:
		w.opts.Observer.FrameProcessed(index, OutcomeMiss)
		return
	case lb.VerdictDrop:
		w.opts.Observer.FrameProcessed(index, OutcomeDrop)
		return
	}

	out, ok := w.byNIC[egress]
	if !ok {
		w.logger.DPanic("egress interface has no device", zap.Int("nic", egress))
		w.opts.Observer.FrameProcessed(index, OutcomeTxError)
		return
	}
	if err := out.Device.Send(f.Bytes()); err != nil {
		w.logger.Debug("failed to send frame", zap.String("device", out.Device.Name()), zap.Error(err))
		w.opts.Observer.FrameProcessed(egress, OutcomeTxError)
		return
	}
	if verdict == lb.VerdictForward {
		w.opts.Observer.FrameProcessed(index, OutcomeForward)
	} else {
		w.opts.Observer.FrameProcessed(index, OutcomeReverse)
	}
}
