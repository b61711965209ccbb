// Package console implements the management commands. A command line is
// parsed with cobra and executed on the worker that owns the engine.
package console

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/easzlab/pktlb/pkg/endpoint"
	"github.com/easzlab/pktlb/pkg/lb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Executor runs a function on the goroutine that owns the engine.
type Executor interface {
	Do(ctx context.Context, fn func(*lb.Engine) error) error
}

// Console executes management commands.
type Console struct {
	exec     Executor
	ifaces   map[string]int
	shutdown func(force bool)
	logger   *zap.Logger
}

// New creates a Console. ifaces maps interface names to engine NIC indexes;
// shutdown, if not nil, backs the exit command.
func New(exec Executor, ifaces map[string]int, shutdown func(force bool), logger *zap.Logger) *Console {
	return &Console{
		exec:     exec,
		ifaces:   ifaces,
		shutdown: shutdown,
		logger:   logger,
	}
}

// Execute runs one command given as separate words. Output, including usage
// errors, is written to out. A failed command returns a non-nil error.
func (c *Console) Execute(ctx context.Context, args []string, out io.Writer) error {
	root := c.newRoot(ctx)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
		c.logger.Debug("command failed", zap.Strings("args", args), zap.Error(err))
		return err
	}
	return nil
}

func (c *Console) newRoot(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:           "pktlb",
		Short:         "Manage load balancer services and servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		c.newServiceCommand(ctx),
		c.newServerCommand(ctx),
		c.newExitCommand(),
	)
	return root
}

// run executes fn on the worker and copies whatever it wrote to out.
func (c *Console) run(ctx context.Context, out io.Writer, fn func(e *lb.Engine, w io.Writer) error) error {
	var buf bytes.Buffer
	err := c.exec.Do(ctx, func(e *lb.Engine) error {
		return fn(e, &buf)
	})
	out.Write(buf.Bytes())
	return err
}

// nic resolves an interface given by name or index. An empty value selects
// the only interface when there is exactly one.
func (c *Console) nic(value string) (int, error) {
	if value == "" {
		if len(c.ifaces) == 1 {
			for _, index := range c.ifaces {
				return index, nil
			}
		}
		return 0, fmt.Errorf("an interface is required (one of %s)", strings.Join(c.interfaceNames(), ", "))
	}
	if index, ok := c.ifaces[value]; ok {
		return index, nil
	}
	index, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("unknown interface %q", value)
	}
	return index, nil
}

func (c *Console) interfaceNames() []string {
	names := make([]string, 0, len(c.ifaces))
	for name := range c.ifaces {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// target is an endpoint given as -t addr:port or -u addr:port plus -p nic.
type target struct {
	tcp, udp string
	nic      string
}

func (t *target) bind(cmd *cobra.Command, what string) {
	cmd.Flags().StringVarP(&t.tcp, "tcp", "t", "", "TCP "+what+" address (addr:port)")
	cmd.Flags().StringVarP(&t.udp, "udp", "u", "", "UDP "+what+" address (addr:port)")
	cmd.Flags().StringVarP(&t.nic, "nic", "p", "", what+" interface name or index")
	cmd.MarkFlagsOneRequired("tcp", "udp")
	cmd.MarkFlagsMutuallyExclusive("tcp", "udp")
}

func (t *target) endpoint(c *Console) (endpoint.Endpoint, error) {
	nic, err := c.nic(t.nic)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	if t.udp != "" {
		return endpoint.Parse(nic, endpoint.UDP, t.udp)
	}
	return endpoint.Parse(nic, endpoint.TCP, t.tcp)
}

func (c *Console) newExitCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "Stop the load balancer, draining sessions unless -f is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.shutdown == nil {
				return fmt.Errorf("exit is not available here")
			}
			c.shutdown(force)
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "drop all sessions immediately")
	return cmd
}
