//go:build linux

package e2e

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// runPktlb executes the binary and returns stdout, stderr and the exit error.
func runPktlb(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(pktlbBinary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// ctl runs `pktlb ctl -a addr args...` and asserts a successful exit.
func ctl(t *testing.T, addr string, args ...string) string {
	t.Helper()
	stdout, stderr, err := runPktlb(t, append([]string{"ctl", "-a", addr}, args...)...)
	if err != nil {
		t.Fatalf("pktlb ctl %v failed: %v\nstdout: %s\nstderr: %s", args, err, stdout, stderr)
	}
	return stdout
}

// freeAddr returns a loopback address nothing listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

// writeTestConfig writes YAML content to a config file in the given directory.
func writeTestConfig(t *testing.T, dir, content string) string {
	t.Helper()
	configPath := filepath.Join(dir, "pktlb.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configPath
}

// daemon is a pktlb process started in daemon mode.
type daemon struct {
	cmd  *exec.Cmd
	done chan error
	addr string
}

// startDaemon starts `pktlb -c configPath` and waits for its admin API. The
// process is killed at the end of the test if it is still running.
func startDaemon(t *testing.T, configPath, addr string) *daemon {
	t.Helper()
	cmd := exec.Command(pktlbBinary, "-c", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start pktlb daemon: %v", err)
	}
	d := &daemon{cmd: cmd, done: make(chan error, 1), addr: addr}
	go func() { d.done <- cmd.Wait() }()
	t.Cleanup(func() {
		select {
		case <-d.done:
		default:
			cmd.Process.Kill()
			<-d.done
		}
	})

	d.waitFor(t, "/healthz", "ok")
	return d
}

// waitFor polls an admin endpoint until its body contains want.
func (d *daemon) waitFor(t *testing.T, path, want string) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var body string
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + d.addr + path)
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(data)
			if resp.StatusCode == http.StatusOK && strings.Contains(body, want) {
				return body
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q on %s, last body:\n%s", want, path, body)
	return ""
}

// stop sends SIGTERM and waits for a clean exit.
func (d *daemon) stop(t *testing.T) {
	t.Helper()
	if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send SIGTERM: %v", err)
	}
	d.wait(t)
}

func (d *daemon) wait(t *testing.T) {
	t.Helper()
	select {
	case err := <-d.done:
		d.done <- err
		if err != nil {
			t.Fatalf("daemon exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not exit within 10 seconds")
	}
}
