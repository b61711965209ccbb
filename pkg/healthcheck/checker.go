// Package healthcheck probes backends from the host and reports health
// transitions. Probes use the host's own network stack, not the balancer's
// data path.
package healthcheck

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/easzlab/pktlb/pkg/config"
)

// Checker probes one backend address.
type Checker interface {
	Check(address string) error
}

// TCPChecker implements health checking via TCP connection attempts.
type TCPChecker struct {
	timeout time.Duration
}

// NewTCPChecker creates a new TCPChecker with the given timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	return &TCPChecker{timeout: timeout}
}

// Check succeeds when a TCP connection to address can be established.
func (c *TCPChecker) Check(address string) error {
	conn, err := net.DialTimeout("tcp", address, c.timeout)
	if err != nil {
		return fmt.Errorf("tcp health check failed for %s: %w", address, err)
	}
	conn.Close()
	return nil
}

// HTTPChecker issues a GET and expects a given status code.
type HTTPChecker struct {
	client         *http.Client
	path           string
	expectedStatus int
}

// NewHTTPChecker creates an HTTPChecker probing path on each backend.
func NewHTTPChecker(timeout time.Duration, path string, expectedStatus int) *HTTPChecker {
	return &HTTPChecker{
		client: &http.Client{
			Timeout: timeout,
			// A redirect is an answer; it is judged by its own status.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		path:           path,
		expectedStatus: expectedStatus,
	}
}

// Check succeeds when GET path answers with the expected status.
func (c *HTTPChecker) Check(address string) error {
	url := "http://" + address + c.path
	resp, err := c.client.Get(url)
	if err != nil {
		return fmt.Errorf("http health check failed for %s: %w", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode != c.expectedStatus {
		return fmt.Errorf("http health check for %s: status %d, expected %d", url, resp.StatusCode, c.expectedStatus)
	}
	return nil
}

// newChecker builds the probe a service's configuration asks for.
func newChecker(hc config.HealthCheckConfig) Checker {
	if hc.GetType() == "http" {
		return NewHTTPChecker(hc.GetTimeout(), hc.GetHTTPPath(), hc.GetHTTPExpectedStatus())
	}
	return NewTCPChecker(hc.GetTimeout())
}
