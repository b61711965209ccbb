// Package guard keeps the host kernel away from traffic the balancer owns.
// Frames for virtual and private addresses reach both the packet socket and
// the kernel; without a DROP rule the kernel answers them with resets.
package guard

import (
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/easzlab/pktlb/pkg/config"
)

// Rule drops inbound traffic to one address and port range on one link.
type Rule struct {
	Interface string
	Address   string
	Protocol  string // "tcp" or "udp"
	PortMin   uint16
	PortMax   uint16
}

// Key returns a unique string identifier for this rule.
func (r Rule) Key() string {
	if r.PortMin == r.PortMax {
		return fmt.Sprintf("%s/%s:%d/%s", r.Interface, r.Address, r.PortMin, r.Protocol)
	}
	return fmt.Sprintf("%s/%s:%d-%d/%s", r.Interface, r.Address, r.PortMin, r.PortMax, r.Protocol)
}

// Manager installs and removes guard rules.
// Implementations must be safe for concurrent use.
type Manager interface {
	// Reconcile makes the installed rules match desired.
	Reconcile(desired []Rule) error
	// Cleanup removes every rule and the chain managed by this Manager.
	Cleanup() error
}

// Desired lists the rules a configuration needs: one per service listen
// port and one covering the NAT port range of each private address.
func Desired(cfg *config.Config) []Rule {
	lo, hi := cfg.Global.GetPortRange()
	seen := make(map[string]bool)
	var rules []Rule
	add := func(r Rule) {
		if !seen[r.Key()] {
			seen[r.Key()] = true
			rules = append(rules, r)
		}
	}

	for _, svc := range cfg.Services {
		host, port, err := splitListen(svc.Listen)
		if err != nil {
			continue
		}
		add(Rule{Interface: svc.Interface, Address: host, Protocol: svc.Protocol, PortMin: port, PortMax: port})
		for _, p := range svc.Private {
			add(Rule{Interface: p.Interface, Address: p.Address, Protocol: svc.Protocol, PortMin: lo, PortMax: hi})
		}
	}
	slices.SortFunc(rules, func(a, b Rule) int {
		switch {
		case a.Key() < b.Key():
			return -1
		case a.Key() > b.Key():
			return 1
		}
		return 0
	})
	return rules
}

func splitListen(listen string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}
