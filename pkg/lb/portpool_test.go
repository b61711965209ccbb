package lb

import (
	"errors"
	"testing"
)

func TestPortPool_AllocatesSequentially(t *testing.T) {
	pool := NewPortPool(49152, 65535)
	for want := uint16(49152); want < 49157; want++ {
		port, err := pool.Allocate()
		if err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
		if port != want {
			t.Errorf("expected port %d, got %d", want, port)
		}
	}
	if pool.Len() != 5 {
		t.Errorf("expected 5 ports in use, got %d", pool.Len())
	}
}

func TestPortPool_SkipsInUseAndWraps(t *testing.T) {
	pool := NewPortPool(100, 103)
	for i := 0; i < 4; i++ {
		if _, err := pool.Allocate(); err != nil {
			t.Fatalf("Allocate failed: %v", err)
		}
	}
	pool.Release(101)

	port, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	if port != 101 {
		t.Errorf("expected the only free port 101, got %d", port)
	}

	pool.Release(100)
	pool.Release(103)
	port, _ = pool.Allocate()
	if port != 103 {
		t.Errorf("expected cursor to continue at 103, got %d", port)
	}
	port, _ = pool.Allocate()
	if port != 100 {
		t.Errorf("expected cursor to wrap to 100, got %d", port)
	}
}

func TestPortPool_Exhaustion(t *testing.T) {
	pool := NewPortPool(65534, 65535)
	pool.Allocate()
	pool.Allocate()
	if _, err := pool.Allocate(); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("expected ErrPortExhausted, got %v", err)
	}

	pool.Release(65535)
	port, err := pool.Allocate()
	if err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
	if port != 65535 {
		t.Errorf("expected released port 65535, got %d", port)
	}
}

func TestPortPool_Release(t *testing.T) {
	pool := NewPortPool(49152, 49160)
	port, _ := pool.Allocate()
	if !pool.InUse(port) {
		t.Fatal("expected allocated port to be in use")
	}
	if !pool.Release(port) {
		t.Fatal("expected Release to succeed")
	}
	if pool.Release(port) {
		t.Error("expected double Release to fail")
	}
	if pool.Release(1) {
		t.Error("expected Release of an out-of-range port to fail")
	}
	if pool.Len() != 0 {
		t.Errorf("expected empty pool, got %d", pool.Len())
	}
}

func TestArena_StaleHandles(t *testing.T) {
	var a arena[SessionID, Session]
	first := a.insert(&Session{})
	if a.get(first) == nil {
		t.Fatal("expected live handle to resolve")
	}
	if !a.remove(first) {
		t.Fatal("expected remove to succeed")
	}
	if a.remove(first) {
		t.Error("expected second remove to fail")
	}

	second := a.insert(&Session{})
	if uint32(second) != uint32(first) {
		t.Fatalf("expected slot reuse, got index %d and %d", uint32(first), uint32(second))
	}
	if a.get(first) != nil {
		t.Error("stale handle resolved after slot reuse")
	}
	if a.get(0) != nil {
		t.Error("zero handle resolved")
	}
	if a.len() != 1 {
		t.Errorf("expected 1 live object, got %d", a.len())
	}
}
