package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/easzlab/pktlb/pkg/admin"
	"github.com/spf13/cobra"
)

const (
	defaultAdmin   = "127.0.0.1:9180"
	requestTimeout = 30 * time.Second
	prompt         = "pktlb> "
)

var errCommandFailed = errors.New("command failed")

// client talks to the admin API of a running daemon.
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &client{
		base: strings.TrimSuffix(base, "/"),
		http: &http.Client{Timeout: requestTimeout},
	}
}

// command runs one management command remotely and copies its output to
// out. A command the daemon rejected returns errCommandFailed.
func (c *client) command(ctx context.Context, req admin.CommandRequest, out io.Writer) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/command", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.base, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return errCommandFailed
	default:
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
}

func newCtlCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "ctl [flags] -- command...",
		Short: "Run one management command against a running daemon",
		Example: `  pktlb ctl service add -t 10.0.0.1:80 -p eth0 -s wrr
  pktlb ctl server add -t 10.0.0.1:80 -p eth0 -r 10.0.1.10:8080 -n eth1 -W 3
  pktlb ctl server list`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := newClient(addr).command(cmd.Context(), admin.CommandRequest{Args: args}, cmd.OutOrStdout())
			// The daemon already printed why a command was rejected.
			if err != nil && !errors.Is(err, errCommandFailed) {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
			}
			return err
		},
	}
	// Everything after the first word belongs to the remote command.
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVarP(&addr, "admin", "a", defaultAdmin, "admin API address")
	return cmd
}

func newConsoleCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Interactive management shell; quit or end of input leaves it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsole(cmd.Context(), newClient(addr), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&addr, "admin", "a", defaultAdmin, "admin API address")
	return cmd
}

// runConsole reads command lines from in until quit or end of input. A
// rejected command does not end the session; an unreachable daemon does.
func runConsole(ctx context.Context, c *client, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit":
			return nil
		}
		err := c.command(ctx, admin.CommandRequest{Line: line}, out)
		if err != nil && !errors.Is(err, errCommandFailed) {
			return err
		}
	}
}
