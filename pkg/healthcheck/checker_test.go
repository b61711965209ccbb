package healthcheck

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/easzlab/pktlb/pkg/config"
)

// backendListener stands in for a server attached with `server add`: it
// accepts and drops every connection.
func backendListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start backend: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

// stoppedBackend returns the address of a backend whose process has exited.
func stoppedBackend(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestTCPChecker_Backends(t *testing.T) {
	tests := []struct {
		name    string
		address string
		timeout time.Duration
		healthy bool
	}{
		{"serving backend", backendListener(t), time.Second, true},
		{"backend process stopped", stoppedBackend(t), time.Second, false},
		// 192.0.2.0/24 (TEST-NET-1) stands for a DR server behind a dead link.
		{"unreachable backend", "192.0.2.1:8080", 50 * time.Millisecond, false},
		{"address without port", "10.0.1.10", time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTCPChecker(tt.timeout).Check(tt.address)
			if tt.healthy && err != nil {
				t.Fatalf("expected %s to be healthy, got %v", tt.address, err)
			}
			if !tt.healthy && err == nil {
				t.Fatalf("expected %s to fail the check", tt.address)
			}
		})
	}
}

func TestTCPChecker_UsesServiceTimeout(t *testing.T) {
	hc := config.HealthCheckConfig{Timeout: "750ms"}
	checker, ok := newChecker(hc).(*TCPChecker)
	if !ok {
		t.Fatal("expected a TCP checker for a service without a type")
	}
	if checker.timeout != 750*time.Millisecond {
		t.Errorf("expected the service timeout 750ms, got %v", checker.timeout)
	}
}

// --- HTTPChecker tests ---

func TestHTTPChecker_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	address := server.Listener.Addr().String()
	checker := NewHTTPChecker(3*time.Second, "/healthz", 200)
	if err := checker.Check(address); err != nil {
		t.Fatalf("expected successful HTTP health check, got error: %v", err)
	}
}

func TestHTTPChecker_UnexpectedStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	address := server.Listener.Addr().String()
	checker := NewHTTPChecker(3*time.Second, "/healthz", 200)
	err := checker.Check(address)
	if err == nil {
		t.Fatal("expected error for unexpected HTTP status, got nil")
	}
}

func TestHTTPChecker_ConnectionRefused(t *testing.T) {
	checker := NewHTTPChecker(1*time.Second, "/healthz", 200)
	err := checker.Check("127.0.0.1:1")
	if err == nil {
		t.Fatal("expected error for connection refused, got nil")
	}
}

func TestHTTPChecker_CustomPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/custom/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Return 404 for other paths
	server := httptest.NewServer(mux)
	defer server.Close()

	address := server.Listener.Addr().String()

	// Check with correct path should succeed
	checker := NewHTTPChecker(3*time.Second, "/custom/health", 200)
	if err := checker.Check(address); err != nil {
		t.Fatalf("expected successful check with custom path, got error: %v", err)
	}

	// Check with wrong path should fail (404 != 200)
	wrongPathChecker := NewHTTPChecker(3*time.Second, "/wrong/path", 200)
	if err := wrongPathChecker.Check(address); err == nil {
		t.Fatal("expected error for wrong path (404), got nil")
	}
}

func TestHTTPChecker_Timeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	address := server.Listener.Addr().String()
	checker := NewHTTPChecker(50*time.Millisecond, "/slow", 200)
	err := checker.Check(address)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestNewHTTPChecker(t *testing.T) {
	checker := NewHTTPChecker(5*time.Second, "/health", 200)
	if checker == nil {
		t.Fatal("expected non-nil checker")
	}
	if checker.path != "/health" {
		t.Errorf("expected path '/health', got %q", checker.path)
	}
	if checker.expectedStatus != 200 {
		t.Errorf("expected status 200, got %d", checker.expectedStatus)
	}
	if checker.client.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", checker.client.Timeout)
	}
}

func TestHTTPChecker_RedirectIsNotFollowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	address := server.Listener.Addr().String()
	if err := NewHTTPChecker(3*time.Second, "/healthz", 200).Check(address); err == nil {
		t.Fatal("expected a redirect to fail a 200 check")
	}
	if err := NewHTTPChecker(3*time.Second, "/healthz", 302).Check(address); err != nil {
		t.Fatalf("expected a 302 check to pass, got %v", err)
	}
}

func TestNewChecker_ByType(t *testing.T) {
	if _, ok := newChecker(config.HealthCheckConfig{}).(*TCPChecker); !ok {
		t.Error("expected a TCP checker by default")
	}
	hc := config.HealthCheckConfig{Type: "http", HTTPPath: "/ready", Timeout: "2s"}
	checker, ok := newChecker(hc).(*HTTPChecker)
	if !ok {
		t.Fatal("expected an HTTP checker")
	}
	if checker.path != "/ready" || checker.expectedStatus != 200 || checker.client.Timeout != 2*time.Second {
		t.Errorf("unexpected checker %+v", checker)
	}
}
