//go:build linux

package e2e

import (
	"strings"
	"testing"
)

const configTemplate = `
global:
  log_level: info
  admin_listen: ADDR
  shutdown_grace: 500ms
interfaces:
  - name: eth0
    driver: memory
    address: 10.0.0.254/24
  - name: eth1
    driver: memory
    address: 10.0.1.254/24
services:
  - name: web-service
    interface: eth0
    listen: 10.0.0.1:80
    protocol: tcp
    scheduler: rr
    private:
      - interface: eth1
        address: 10.0.1.1
    health_check:
      enabled: false
    backends:
      - address: 10.0.1.10:8080
        interface: eth1
        weight: 1
`

func config(addr string) string {
	return strings.Replace(configTemplate, "ADDR", addr, 1)
}

func TestE2E_Validate(t *testing.T) {
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, config("127.0.0.1:9180"))
	stdout, stderr, err := runPktlb(t, "validate", "-c", configPath)
	if err != nil {
		t.Fatalf("pktlb validate failed: %v\n%s", err, stderr)
	}
	if !strings.Contains(stdout, "2 interfaces, 1 services") {
		t.Errorf("unexpected validate output %q", stdout)
	}
}

func TestE2E_Validate_InvalidConfig(t *testing.T) {
	configYAML := `
interfaces:
  - name: eth0
    driver: memory
services:
  - name: empty-service
    listen: 10.0.0.1:80
    backends:
      - address: 10.0.0.10:8080
        weight: 1
        mode: nat
`
	configPath := writeTestConfig(t, t.TempDir(), configYAML)
	_, stderr, err := runPktlb(t, "validate", "-c", configPath)
	if err == nil {
		t.Fatal("expected a NAT backend without private address to be rejected")
	}
	if !strings.Contains(stderr, "private") {
		t.Errorf("expected error message about the private address, got stderr: %s", stderr)
	}
}

func TestE2E_Daemon_InitialSyncAndGracefulShutdown(t *testing.T) {
	addr := freeAddr(t)
	configPath := writeTestConfig(t, t.TempDir(), config(addr))

	d := startDaemon(t, configPath, addr)
	d.waitFor(t, "/services", "10.0.0.1:80")
	d.waitFor(t, "/servers", "10.0.1.10:8080")
	d.waitFor(t, "/metrics", "pktlb_arp_requests_total")

	d.stop(t)
}

func TestE2E_Daemon_ConfigUpdate(t *testing.T) {
	addr := freeAddr(t)
	dir := t.TempDir()
	configPath := writeTestConfig(t, dir, config(addr))

	d := startDaemon(t, configPath, addr)
	d.waitFor(t, "/servers", "10.0.1.10:8080")

	updated := strings.Replace(config(addr), "listen: 10.0.0.1:80", "listen: 10.0.0.1:8080", 1)
	writeTestConfig(t, dir, updated)
	body := d.waitFor(t, "/services", "10.0.0.1:8080")
	if strings.Contains(body, "10.0.0.1:80 ") {
		t.Errorf("expected the old service to be removed:\n%s", body)
	}

	d.stop(t)
}

func TestE2E_Daemon_CtlCommands(t *testing.T) {
	addr := freeAddr(t)
	configPath := writeTestConfig(t, t.TempDir(), config(addr))
	d := startDaemon(t, configPath, addr)
	d.waitFor(t, "/services", "10.0.0.1:80")

	ctl(t, addr, "service", "add", "-u", "10.0.0.53:53", "-p", "eth0", "-s", "sh")
	ctl(t, addr, "server", "add", "-u", "10.0.0.53:53", "-p", "eth0", "-r", "10.0.0.60:53", "-m", "dr", "-W", "2")

	out := ctl(t, addr, "server", "list", "-u", "10.0.0.53:53", "-p", "eth0")
	if !strings.Contains(out, "10.0.0.60:53") || !strings.Contains(out, "dr") {
		t.Errorf("unexpected server list:\n%s", out)
	}

	stdout, _, err := runPktlb(t, "ctl", "-a", addr, "service", "add", "-u", "10.0.0.53:53", "-p", "eth0")
	if err == nil || !strings.Contains(stdout, "Error:") {
		t.Errorf("expected a duplicate service to fail, got %q (%v)", stdout, err)
	}

	ctl(t, addr, "service", "delete", "-u", "10.0.0.53:53", "-p", "eth0", "-f")
	if out := ctl(t, addr, "service", "list"); strings.Contains(out, "10.0.0.53:53") {
		t.Errorf("expected the service to be gone:\n%s", out)
	}

	d.stop(t)
}

func TestE2E_Daemon_ExitCommand(t *testing.T) {
	addr := freeAddr(t)
	configPath := writeTestConfig(t, t.TempDir(), config(addr))
	d := startDaemon(t, configPath, addr)
	d.waitFor(t, "/services", "10.0.0.1:80")

	if out := ctl(t, addr, "exit"); strings.TrimSpace(out) != "OK" {
		t.Errorf("expected OK, got %q", out)
	}
	d.wait(t)
}

func TestE2E_Version(t *testing.T) {
	stdout, _, err := runPktlb(t, "version")
	if err != nil {
		t.Fatalf("pktlb version failed: %v", err)
	}
	if !strings.Contains(stdout, "pktlb version") {
		t.Errorf("expected output to contain 'pktlb version', got %q", stdout)
	}
}
