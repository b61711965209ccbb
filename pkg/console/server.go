package console

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/lb"
	"github.com/spf13/cobra"
)

func (c *Console) newServerCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Attach, reweight, detach and list servers",
	}
	cmd.AddCommand(
		c.newServerAddCommand(ctx),
		c.newServerWeightCommand(ctx),
		c.newServerDeleteCommand(ctx),
		c.newServerListCommand(ctx),
	)
	return cmd
}

// serverTarget is a server endpoint given relative to its service: same protocol,
// and the service interface unless -n names another one.
type serverTarget struct {
	addr string
	nic  string
}

func (r *serverTarget) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&r.addr, "real", "r", "", "server address (addr:port)")
	cmd.Flags().StringVarP(&r.nic, "server-nic", "n", "", "server interface name or index (default: the service interface)")
	cmd.MarkFlagRequired("real")
}

func (r *serverTarget) endpoints(c *Console, svc *target) (endpoint.Endpoint, endpoint.Endpoint, error) {
	svcEp, err := svc.endpoint(c)
	if err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, err
	}
	index := svcEp.NIC
	if r.nic != "" {
		if index, err = c.nic(r.nic); err != nil {
			return endpoint.Endpoint{}, endpoint.Endpoint{}, err
		}
	}
	srvEp, err := endpoint.Parse(index, svcEp.Protocol, r.addr)
	if err != nil {
		return endpoint.Endpoint{}, endpoint.Endpoint{}, err
	}
	return svcEp, srvEp, nil
}

func (c *Console) newServerAddCommand(ctx context.Context) *cobra.Command {
	var (
		svc    target
		srv    serverTarget
		mode   string
		weight uint32
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Attach a server to a service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcEp, srvEp, err := srv.endpoints(c, &svc)
			if err != nil {
				return err
			}
			m, err := lb.ParseMode(mode)
			if err != nil {
				return err
			}
			if weight == 0 {
				return fmt.Errorf("weight must be greater than 0")
			}
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				if _, err := e.AddServer(svcEp, srvEp, m, weight); err != nil {
					return err
				}
				fmt.Fprintf(w, "server %s added to %s\n", srvEp, svcEp)
				return nil
			})
		},
	}
	svc.bind(cmd, "service")
	srv.bind(cmd)
	cmd.Flags().StringVarP(&mode, "mode", "m", "nat", "forwarding mode: nat, dnat or dr")
	cmd.Flags().Uint32VarP(&weight, "weight", "W", 1, "scheduling weight")
	return cmd
}

func (c *Console) newServerWeightCommand(ctx context.Context) *cobra.Command {
	var (
		svc    target
		srv    serverTarget
		weight uint32
	)
	cmd := &cobra.Command{
		Use:   "weight",
		Short: "Change the weight of a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcEp, srvEp, err := srv.endpoints(c, &svc)
			if err != nil {
				return err
			}
			if weight == 0 {
				return fmt.Errorf("weight must be greater than 0")
			}
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				if err := e.SetServerWeight(svcEp, srvEp, weight); err != nil {
					return err
				}
				fmt.Fprintf(w, "server %s weight set to %d\n", srvEp, weight)
				return nil
			})
		},
	}
	svc.bind(cmd, "service")
	srv.bind(cmd)
	cmd.Flags().Uint32VarP(&weight, "weight", "W", 0, "scheduling weight")
	cmd.MarkFlagRequired("weight")
	return cmd
}

func (c *Console) newServerDeleteCommand(ctx context.Context) *cobra.Command {
	var (
		svc   target
		srv   serverTarget
		wait  time.Duration
		force bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Detach a server once its sessions are gone, or at once with -f",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svcEp, srvEp, err := srv.endpoints(c, &svc)
			if err != nil {
				return err
			}
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				if force {
					if err := e.RemoveServerForce(svcEp, srvEp); err != nil {
						return err
					}
					fmt.Fprintf(w, "server %s removed from %s\n", srvEp, svcEp)
					return nil
				}
				if err := e.RemoveServer(svcEp, srvEp, wait); err != nil {
					return err
				}
				fmt.Fprintf(w, "server %s removing from %s\n", srvEp, svcEp)
				return nil
			})
		},
	}
	svc.bind(cmd, "service")
	srv.bind(cmd)
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "force removal after this long (0 waits for every session)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "drop sessions and detach immediately")
	return cmd
}

func (c *Console) newServerListCommand(ctx context.Context) *cobra.Command {
	var svc target
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List servers, optionally only those of one service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if svc.tcp == "" && svc.udp == "" {
				return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
					return e.DumpServers(w)
				})
			}
			ep, err := svc.endpoint(c)
			if err != nil {
				return err
			}
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				return e.DumpServiceServers(w, ep)
			})
		},
	}
	cmd.Flags().StringVarP(&svc.tcp, "tcp", "t", "", "TCP service address (addr:port)")
	cmd.Flags().StringVarP(&svc.udp, "udp", "u", "", "UDP service address (addr:port)")
	cmd.Flags().StringVarP(&svc.nic, "nic", "p", "", "service interface name or index")
	cmd.MarkFlagsMutuallyExclusive("tcp", "udp")
	return cmd
}
