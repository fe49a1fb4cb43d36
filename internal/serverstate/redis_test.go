package serverstate

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	rs, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}

	prev := active
	UseStore(rs)
	defer UseStore(prev)

	if got := Status(); got != "ok" {
		t.Fatalf("initial status = %q; want %q", got, "ok")
	}

	StartDrain()
	if got := Status(); got != "draining" {
		t.Fatalf("status after StartDrain = %q; want %q", got, "draining")
	}
	if !IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}

	// A second store against the same instance sees the persisted state.
	rs2, err := NewRedisStore(mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	if st := rs2.Load(); st.Status != "draining" || !st.Draining {
		t.Fatalf("persisted state = %#v; want draining", st)
	}
}

func TestNewRedisStoreURL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	if _, err := NewRedisStore("redis://" + mr.Addr()); err != nil {
		t.Fatalf("NewRedisStore with URL: %v", err)
	}
	if _, err := NewRedisStore("bogus://x"); err == nil {
		t.Fatalf("expected error for invalid scheme")
	}
}

func TestMemoryStoreDefaults(t *testing.T) {
	prev := active
	UseStore(NewMemoryStore())
	defer UseStore(prev)

	if got := Status(); got != "ok" {
		t.Fatalf("initial status = %q", got)
	}
	SetStatus("busy")
	if got := Status(); got != "busy" {
		t.Fatalf("status = %q; want busy", got)
	}
	if IsDraining() {
		t.Fatalf("fresh store should not be draining")
	}
}
