package portprovider

import (
	"errors"
	"testing"
)

func alwaysFree(int) bool { return false }

func TestReserve(t *testing.T) {
	p := newWithProbe(alwaysFree)

	if err := p.Reserve(5000); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if !p.IsReserved(5000) {
		t.Error("expected 5000 to be reserved")
	}

	if err := p.Reserve(5000); !errors.Is(err, ErrPortAlreadyReserved) {
		t.Errorf("Reserve() duplicate error = %v, want ErrPortAlreadyReserved", err)
	}
}

func TestFree(t *testing.T) {
	p := newWithProbe(alwaysFree)
	if err := p.Reserve(5000); err != nil {
		t.Fatal(err)
	}
	p.Free(5000)
	if p.IsReserved(5000) {
		t.Error("expected 5000 to be freed")
	}
	// Freeing an unreserved port is a no-op.
	p.Free(5000)
}

func TestReserveFirstFree(t *testing.T) {
	busy := map[int]bool{1024: true, 1025: true}
	p := newWithProbe(func(port int) bool { return busy[port] })

	got, err := p.ReserveFirstFree(1024)
	if err != nil {
		t.Fatalf("ReserveFirstFree() error = %v", err)
	}
	if got != 1026 {
		t.Errorf("ReserveFirstFree() = %d, want 1026", got)
	}
	if !p.IsReserved(1026) {
		t.Error("expected 1026 to be reserved after ReserveFirstFree")
	}
}

func TestReserveFirstFreeSkipsProviderReserved(t *testing.T) {
	p := newWithProbe(alwaysFree)
	if err := p.Reserve(2000); err != nil {
		t.Fatal(err)
	}
	got, err := p.ReserveFirstFree(2000)
	if err != nil {
		t.Fatalf("ReserveFirstFree() error = %v", err)
	}
	if got != 2001 {
		t.Errorf("ReserveFirstFree() = %d, want 2001", got)
	}
}

func TestReserveFirstFreeBelowMinPort(t *testing.T) {
	p := newWithProbe(alwaysFree)
	got, err := p.ReserveFirstFree(80)
	if err != nil {
		t.Fatalf("ReserveFirstFree() error = %v", err)
	}
	if got != minPort {
		t.Errorf("ReserveFirstFree(80) = %d, want %d", got, minPort)
	}
}

func TestReserveNew(t *testing.T) {
	p := newWithProbe(alwaysFree)
	port, err := p.ReserveNew()
	if err != nil {
		t.Fatalf("ReserveNew() error = %v", err)
	}
	if port < minPort || port > maxPort {
		t.Errorf("ReserveNew() = %d, out of range [%d,%d]", port, minPort, maxPort)
	}
	if !p.IsReserved(port) {
		t.Error("expected returned port to be reserved")
	}
}

func TestIsPortUsedByOS(t *testing.T) {
	p := newWithProbe(func(port int) bool { return port == 45000 })
	if !p.IsPortUsedByOS(45000) {
		t.Error("expected 45000 to be reported as used")
	}
	if p.IsPortUsedByOS(45001) {
		t.Error("expected 45001 to be reported as free")
	}
}
