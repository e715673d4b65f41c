package addressing

import (
	"fmt"
	"testing"
)

func TestDeriveZero(t *testing.T) {
	cfg, err := Derive(0)
	if err != nil {
		t.Fatalf("Derive(0): %v", err)
	}
	if cfg.TapName != "noid0" || cfg.HostIP != "172.16.0.1" || cfg.GuestIP != "172.16.0.2" || cfg.GuestMAC != "AA:FC:00:00:00:00" {
		t.Fatalf("Derive(0) = %+v", cfg)
	}
}

func TestDeriveOne(t *testing.T) {
	cfg, err := Derive(1)
	if err != nil {
		t.Fatalf("Derive(1): %v", err)
	}
	if cfg.TapName != "noid1" || cfg.HostIP != "172.16.0.5" || cfg.GuestIP != "172.16.0.6" || cfg.GuestMAC != "AA:FC:00:00:00:01" {
		t.Fatalf("Derive(1) = %+v", cfg)
	}
}

func TestDerive64(t *testing.T) {
	cfg, err := Derive(64)
	if err != nil {
		t.Fatalf("Derive(64): %v", err)
	}
	if cfg.TapName != "noid64" || cfg.HostIP != "172.16.1.1" || cfg.GuestIP != "172.16.1.2" || cfg.GuestMAC != "AA:FC:00:00:00:40" {
		t.Fatalf("Derive(64) = %+v", cfg)
	}
	if KernelIPParam(cfg) != "ip=172.16.1.2::172.16.1.1:255.255.255.252::eth0:off" {
		t.Fatalf("KernelIPParam(64) = %q", KernelIPParam(cfg))
	}
}

func TestDeriveOutOfRange(t *testing.T) {
	if _, err := Derive(-1); err == nil {
		t.Fatal("expected error for negative index")
	}
	if _, err := Derive(MaxIndex + 1); err == nil {
		t.Fatal("expected error for index beyond MaxIndex")
	}
}

func TestDeriveDistinctSubnets(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i <= 2000; i++ {
		cfg, err := Derive(i)
		if err != nil {
			t.Fatalf("Derive(%d): %v", i, err)
		}
		key := cfg.HostIP
		if seen[key] {
			t.Fatalf("duplicate host IP %s at index %d", key, i)
		}
		seen[key] = true
		// host and guest IP must differ only in the low two bits and share
		// a /30: same first three octets, and low-byte(host)+1 == low-byte(guest).
		var h0, h1, h2, h3 int
		var g3 int
		fmt.Sscanf(cfg.HostIP, "%d.%d.%d.%d", &h0, &h1, &h2, &h3)
		fmt.Sscanf(cfg.GuestIP, "%d.%d.%d.%d", new(int), new(int), new(int), &g3)
		if g3 != h3+1 {
			t.Fatalf("index %d: guest low octet %d is not host+1 (%d)", i, g3, h3)
		}
	}
}

func TestAllocateLowestFree(t *testing.T) {
	used := map[int]bool{0: true, 1: true, 3: true}
	i, err := Allocate(used)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if i != 2 {
		t.Fatalf("Allocate = %d, want 2", i)
	}
}

func TestAllocateEmpty(t *testing.T) {
	i, err := Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if i != 0 {
		t.Fatalf("Allocate = %d, want 0", i)
	}
}

func TestAllocateExhausted(t *testing.T) {
	used := make(map[int]bool, MaxIndex+1)
	for i := 0; i <= MaxIndex; i++ {
		used[i] = true
	}
	if _, err := Allocate(used); err == nil {
		t.Fatal("expected error when all indices are used")
	}
}
