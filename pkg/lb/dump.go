package lb

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
)

// ServiceInfo is a snapshot of a service.
type ServiceInfo struct {
	Endpoint endpoint.Endpoint
	State    ServiceState
	Schedule Schedule
	Timeout  time.Duration
	Private  map[int]endpoint.Addr
	Sessions int
	Servers  []ServerInfo
}

// ServerInfo is a snapshot of a server.
type ServerInfo struct {
	Endpoint endpoint.Endpoint
	Mode     Mode
	State    ServerState
	Healthy  bool
	Weight   uint32
	Sessions int
	Services int
}

func (srv *Server) info() ServerInfo {
	return ServerInfo{
		Endpoint: srv.endpoint,
		Mode:     srv.mode,
		State:    srv.state,
		Healthy:  srv.healthy,
		Weight:   srv.weight,
		Sessions: len(srv.sessions),
		Services: len(srv.services),
	}
}

func (e *Engine) serviceInfo(svc *Service) ServiceInfo {
	info := ServiceInfo{
		Endpoint: svc.endpoint,
		State:    svc.state,
		Schedule: svc.schedule,
		Timeout:  svc.timeout,
		Private:  maps.Clone(svc.private),
		Sessions: len(svc.sessions),
	}
	for _, id := range slices.Concat(svc.active, svc.inactive) {
		if srv := e.servers.get(id); srv != nil {
			info.Servers = append(info.Servers, srv.info())
		}
	}
	return info
}

// Services returns snapshots of every service, ordered by interface and key.
func (e *Engine) Services() []ServiceInfo {
	var out []ServiceInfo
	for _, svc := range e.services.all() {
		out = append(out, e.serviceInfo(svc))
	}
	slices.SortFunc(out, func(a, b ServiceInfo) int {
		return compareEndpoints(a.Endpoint, b.Endpoint)
	})
	return out
}

// Service returns a snapshot of the service at ep.
func (e *Engine) Service(ep endpoint.Endpoint) (ServiceInfo, error) {
	svc, err := e.service(ep)
	if err != nil {
		return ServiceInfo{}, err
	}
	return e.serviceInfo(svc), nil
}

// Servers returns snapshots of every server, ordered by interface and key.
func (e *Engine) Servers() []ServerInfo {
	var out []ServerInfo
	for _, srv := range e.servers.all() {
		out = append(out, srv.info())
	}
	slices.SortFunc(out, func(a, b ServerInfo) int {
		return compareEndpoints(a.Endpoint, b.Endpoint)
	})
	return out
}

func compareEndpoints(a, b endpoint.Endpoint) int {
	if a.NIC != b.NIC {
		return a.NIC - b.NIC
	}
	ka, kb := a.Key(), b.Key()
	switch {
	case ka < kb:
		return -1
	case ka > kb:
		return 1
	}
	return 0
}

// DumpServices writes a table of services.
func (e *Engine) DumpServices(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tPROTO\tADDRESS\tSCHEDULE\tNIC\tTIMEOUT\tPRIVATE\tSERVERS\tSESSIONS")
	for _, svc := range e.Services() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%d\t%d\n",
			svc.State,
			endpoint.ProtocolName(svc.Endpoint.Protocol),
			svc.Endpoint.HostPort(),
			svc.Schedule,
			svc.Endpoint.NIC,
			svc.Timeout,
			formatPrivate(svc.Private),
			len(svc.Servers),
			svc.Sessions,
		)
	}
	return tw.Flush()
}

// DumpServers writes a table of servers.
func (e *Engine) DumpServers(w io.Writer) error {
	return writeServers(w, e.Servers())
}

// DumpServiceServers writes a table of the servers attached to one service.
func (e *Engine) DumpServiceServers(w io.Writer, ep endpoint.Endpoint) error {
	info, err := e.Service(ep)
	if err != nil {
		return err
	}
	return writeServers(w, info.Servers)
}

func writeServers(w io.Writer, servers []ServerInfo) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "STATE\tPROTO\tADDRESS\tMODE\tNIC\tWEIGHT\tHEALTHY\tSERVICES\tSESSIONS")
	for _, srv := range servers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%t\t%d\t%d\n",
			srv.State,
			endpoint.ProtocolName(srv.Endpoint.Protocol),
			srv.Endpoint.HostPort(),
			srv.Mode,
			srv.Endpoint.NIC,
			srv.Weight,
			srv.Healthy,
			srv.Services,
			srv.Sessions,
		)
	}
	return tw.Flush()
}

func formatPrivate(private map[int]endpoint.Addr) string {
	if len(private) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(private))
	for _, nic := range slices.Sorted(maps.Keys(private)) {
		parts = append(parts, fmt.Sprintf("%d=%s", nic, private[nic]))
	}
	return strings.Join(parts, ",")
}
