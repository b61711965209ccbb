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

func (c *Console) newServiceCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Add, change, remove and list services",
	}
	cmd.AddCommand(
		c.newServiceAddCommand(ctx),
		c.newServiceSetCommand(ctx),
		c.newServiceDeleteCommand(ctx),
		c.newServicePrivateCommand(ctx),
		c.newServiceListCommand(ctx),
	)
	return cmd
}

func (c *Console) newServiceAddCommand(ctx context.Context) *cobra.Command {
	var (
		svc      target
		schedule string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := svc.endpoint(c)
			if err != nil {
				return err
			}
			sched, err := lb.ParseSchedule(schedule)
			if err != nil {
				return err
			}
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				if _, err := e.AddService(ep, sched, timeout); err != nil {
					return err
				}
				fmt.Fprintf(w, "service %s added\n", ep)
				return nil
			})
		},
	}
	svc.bind(cmd, "service")
	cmd.Flags().StringVarP(&schedule, "schedule", "s", "rr", "scheduler: rr, wrr, random, lc or sh")
	cmd.Flags().DurationVarP(&timeout, "timeout", "o", 0, "session idle timeout (0 for the default)")
	return cmd
}

func (c *Console) newServiceSetCommand(ctx context.Context) *cobra.Command {
	var (
		svc      target
		schedule string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change the scheduler or idle timeout of a service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := svc.endpoint(c)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("schedule") && !cmd.Flags().Changed("timeout") {
				return fmt.Errorf("nothing to change: give --schedule or --timeout")
			}
			var sched lb.Schedule
			if cmd.Flags().Changed("schedule") {
				if sched, err = lb.ParseSchedule(schedule); err != nil {
					return err
				}
			}
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				if cmd.Flags().Changed("schedule") {
					if err := e.SetSchedule(ep, sched); err != nil {
						return err
					}
				}
				if cmd.Flags().Changed("timeout") {
					if err := e.SetTimeout(ep, timeout); err != nil {
						return err
					}
				}
				fmt.Fprintf(w, "service %s updated\n", ep)
				return nil
			})
		},
	}
	svc.bind(cmd, "service")
	cmd.Flags().StringVarP(&schedule, "schedule", "s", "", "scheduler: rr, wrr, random, lc or sh")
	cmd.Flags().DurationVarP(&timeout, "timeout", "o", 0, "session idle timeout (0 for the default)")
	return cmd
}

func (c *Console) newServiceDeleteCommand(ctx context.Context) *cobra.Command {
	var (
		svc   target
		wait  time.Duration
		force bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove a service once its sessions are gone, or at once with -f",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := svc.endpoint(c)
			if err != nil {
				return err
			}
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				if force {
					if err := e.RemoveServiceForce(ep); err != nil {
						return err
					}
					fmt.Fprintf(w, "service %s removed\n", ep)
					return nil
				}
				if err := e.RemoveService(ep, wait); err != nil {
					return err
				}
				fmt.Fprintf(w, "service %s removing\n", ep)
				return nil
			})
		},
	}
	svc.bind(cmd, "service")
	cmd.Flags().DurationVarP(&wait, "wait", "w", 0, "force removal after this long (0 waits for every session)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "drop sessions and remove immediately")
	return cmd
}

func (c *Console) newServicePrivateCommand(ctx context.Context) *cobra.Command {
	var (
		svc    target
		nic    string
		addr   string
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "private",
		Short: "Set or remove the address NAT sessions use towards servers on an interface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ep, err := svc.endpoint(c)
			if err != nil {
				return err
			}
			index, err := c.nic(nic)
			if err != nil {
				return err
			}
			if remove {
				return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
					if err := e.RemovePrivateAddr(ep, index); err != nil {
						return err
					}
					fmt.Fprintf(w, "private address of %s on %d removed\n", ep, index)
					return nil
				})
			}
			private, err := endpoint.ParseAddr(addr)
			if err != nil {
				return fmt.Errorf("invalid private address %q: %w", addr, err)
			}
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				if err := e.SetPrivateAddr(ep, index, private); err != nil {
					return err
				}
				fmt.Fprintf(w, "private address of %s on %d set to %s\n", ep, index, private)
				return nil
			})
		},
	}
	svc.bind(cmd, "service")
	cmd.Flags().StringVarP(&nic, "server-nic", "n", "", "interface of the servers")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "private IPv4 address")
	cmd.Flags().BoolVarP(&remove, "delete", "d", false, "remove the private address")
	cmd.MarkFlagsMutuallyExclusive("addr", "delete")
	cmd.MarkFlagsOneRequired("addr", "delete")
	return cmd
}

func (c *Console) newServiceListCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(ctx, cmd.OutOrStdout(), func(e *lb.Engine, w io.Writer) error {
				return e.DumpServices(w)
			})
		},
	}
}
