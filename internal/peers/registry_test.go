package peers

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func addr(port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
}

func TestRegistryAssignsMonotonicIDs(t *testing.T) {
	r := NewRegistry(0)
	now := time.Unix(100, 0)

	a, err := r.Add(addr(1), "g1", "one", 0, now)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := r.Add(addr(2), "g2", "two", 0, now)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.ID != 1 || b.ID != 2 {
		t.Fatalf("ids = %d, %d; want 1, 2", a.ID, b.ID)
	}

	if _, _, ok := r.Remove(a.ID); !ok {
		t.Fatal("Remove reported missing peer")
	}
	c, err := r.Add(addr(1), "g1", "one again", 0, now)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if c.ID != 3 {
		t.Fatalf("retired id was reused: got %d, want 3", c.ID)
	}
	if _, ok := r.ByID(a.ID); ok {
		t.Fatal("retired id still resolves")
	}
	if p, ok := r.ByAddr(addr(1)); !ok || p.ID != 3 {
		t.Fatalf("ByAddr = %+v, %v", p, ok)
	}
}

func TestRegistryRejectsDuplicateAddrAndFull(t *testing.T) {
	r := NewRegistry(1)
	now := time.Now()
	if _, err := r.Add(addr(1), "", "", 0, now); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.Add(addr(1), "", "", 0, now); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("expected ErrAddrInUse, got %v", err)
	}
	if _, err := r.Add(addr(2), "", "", 0, now); !errors.Is(err, ErrServerFull) {
		t.Fatalf("expected ErrServerFull, got %v", err)
	}
}

func TestRegistryIDExhaustion(t *testing.T) {
	r := NewRegistry(0)
	r.nextID = 0xFFFF
	if _, err := r.Add(addr(1), "", "", 0, time.Now()); err != nil {
		t.Fatalf("last id should be assignable: %v", err)
	}
	if _, err := r.Add(addr(2), "", "", 0, time.Now()); !errors.Is(err, ErrIDSpaceExhausted) {
		t.Fatalf("expected ErrIDSpaceExhausted, got %v", err)
	}
}

func TestRegistryExpired(t *testing.T) {
	r := NewRegistry(0)
	start := time.Unix(1000, 0)
	a, _ := r.Add(addr(1), "", "", 0, start)
	b, _ := r.Add(addr(2), "", "", 0, start)

	r.Touch(b.ID, start.Add(20*time.Second))

	got := r.Expired(start.Add(31*time.Second), 30*time.Second)
	if len(got) != 1 || got[0] != a.ID {
		t.Fatalf("Expired = %v, want [%d]", got, a.ID)
	}
}

func TestRegistryHostClaims(t *testing.T) {
	r := NewRegistry(0)
	now := time.Now()
	a, _ := r.Add(addr(1), "", "", 0, now)
	b, _ := r.Add(addr(2), "", "", 0, now)

	if _, _, ok := r.Host(); ok {
		t.Fatal("new registry should have no host")
	}
	if granted, changed := r.ClaimHost(a.ID, 100); !granted || !changed {
		t.Fatalf("first claim = %v, %v", granted, changed)
	}
	if granted, _ := r.ClaimHost(b.ID, 200); granted {
		t.Fatal("second peer took an established host role")
	}
	if granted, changed := r.ClaimHost(a.ID, 100); !granted || changed {
		t.Fatalf("repeat claim = %v, %v", granted, changed)
	}
	if granted, changed := r.ClaimHost(a.ID, 150); !granted || !changed {
		t.Fatalf("base update = %v, %v", granted, changed)
	}

	if _, wasHost, _ := r.Remove(a.ID); !wasHost {
		t.Fatal("removing the host should report wasHost")
	}
	if _, _, ok := r.Host(); ok {
		t.Fatal("host not cleared after removal")
	}
	if granted, _ := r.ClaimHost(b.ID, 300); !granted {
		t.Fatal("claim after host left should be granted")
	}
	id, base, _ := r.Host()
	if id != b.ID || base != 300 {
		t.Fatalf("Host() = %d, %d", id, base)
	}
}
