package lb

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Mode selects how a server's frames are rewritten.
type Mode uint8

const (
	// ModeNAT rewrites both endpoints; the backend sees a private address and port.
	ModeNAT Mode = iota
	// ModeDNAT rewrites the destination only; the backend sees the client.
	ModeDNAT
	// ModeDR rewrites MAC addresses only; the backend answers the client directly.
	ModeDR
)

func (m Mode) String() string {
	switch m {
	case ModeNAT:
		return "nat"
	case ModeDNAT:
		return "dnat"
	case ModeDR:
		return "dr"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts nat, dnat and dr.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "nat", "":
		return ModeNAT, nil
	case "dnat":
		return ModeDNAT, nil
	case "dr":
		return ModeDR, nil
	default:
		return 0, fmt.Errorf("unsupported mode %q (supported: nat, dnat, dr)", s)
	}
}

// Schedule is a server selection policy.
type Schedule uint8

const (
	ScheduleRoundRobin         Schedule = iota // rr
	ScheduleWeightedRoundRobin                 // wrr
	ScheduleRandom                             // random
	ScheduleLeastConn                          // lc: fewest sessions
	ScheduleSourceHash                         // sh: hash of the client address
)

func (s Schedule) String() string {
	switch s {
	case ScheduleRoundRobin:
		return "rr"
	case ScheduleWeightedRoundRobin:
		return "wrr"
	case ScheduleRandom:
		return "random"
	case ScheduleLeastConn:
		return "lc"
	case ScheduleSourceHash:
		return "sh"
	default:
		return fmt.Sprintf("schedule(%d)", uint8(s))
	}
}

// ParseSchedule accepts rr, wrr, random (or r), lc and sh.
func ParseSchedule(s string) (Schedule, error) {
	switch strings.ToLower(s) {
	case "rr", "":
		return ScheduleRoundRobin, nil
	case "wrr":
		return ScheduleWeightedRoundRobin, nil
	case "random", "r":
		return ScheduleRandom, nil
	case "lc":
		return ScheduleLeastConn, nil
	case "sh":
		return ScheduleSourceHash, nil
	default:
		return 0, fmt.Errorf("unsupported scheduler %q (supported: rr, wrr, random, lc, sh)", s)
	}
}

// ServerState is the lifecycle state of a server. Removing servers keep
// their sessions but take no new ones.
type ServerState uint8

const (
	ServerOK ServerState = iota
	ServerRemoving
)

func (s ServerState) String() string {
	if s == ServerRemoving {
		return "removing"
	}
	return "ok"
}

// ServiceState is the lifecycle state of a service. A deactive service is
// draining towards removal.
type ServiceState uint8

const (
	ServiceActive ServiceState = iota
	ServiceDeactive
)

func (s ServiceState) String() string {
	if s == ServiceDeactive {
		return "deactive"
	}
	return "active"
}

// Verdict is the outcome of Handle for one frame.
type Verdict uint8

const (
	// VerdictMiss means no service or session matched.
	VerdictMiss Verdict = iota
	// VerdictDrop means a service matched but no session could be created.
	VerdictDrop
	VerdictForward
	VerdictReverse
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictForward:
		return "forward"
	case VerdictReverse:
		return "reverse"
	default:
		return "miss"
	}
}

// CloseReason tells why a session ended.
type CloseReason string

const (
	CloseIdle    CloseReason = "idle"
	CloseFin     CloseReason = "fin"
	CloseRemoved CloseReason = "removed"
)

// Observer receives session and admission events. Calls happen on the
// worker goroutine and must not block.
type Observer interface {
	SessionOpened(mode Mode)
	SessionClosed(mode Mode, reason CloseReason)
	AdmissionFailed(err error)
}

type nopObserver struct{}

func (nopObserver) SessionOpened(Mode)              {}
func (nopObserver) SessionClosed(Mode, CloseReason) {}
func (nopObserver) AdmissionFailed(error)           {}

// Options tunes an Engine.
type Options struct {
	// IdleTimeout applies to services created without their own timeout.
	IdleTimeout time.Duration
	// FinLinger is how long a session survives after the backend sent FIN.
	FinLinger time.Duration
	// RemovalPoll is the period at which a drained server or service is checked
	// when removed without a deadline.
	RemovalPoll time.Duration
	// PortMin and PortMax bound the NAT ephemeral port pools.
	PortMin, PortMax uint16

	Now      func() time.Time
	Rand     *rand.Rand
	Observer Observer
}

// DefaultOptions returns the stock timers and port range.
func DefaultOptions() Options {
	return Options{
		IdleTimeout: 30 * time.Second,
		FinLinger:   3 * time.Millisecond,
		RemovalPoll: time.Second,
		PortMin:     49152,
		PortMax:     65535,
	}
}

func (o *Options) setDefaults() {
	def := DefaultOptions()
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.FinLinger <= 0 {
		o.FinLinger = def.FinLinger
	}
	if o.RemovalPoll <= 0 {
		o.RemovalPoll = def.RemovalPoll
	}
	if o.PortMin == 0 && o.PortMax == 0 {
		o.PortMin, o.PortMax = def.PortMin, def.PortMax
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
}
