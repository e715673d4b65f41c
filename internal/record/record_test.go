package record

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "noid.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVMRoundTrip(t *testing.T) {
	s := openTestStore(t)

	pid := 1234
	v := VM{
		UserID:            "u1",
		Name:              "web",
		Cpus:              2,
		MemMiB:            256,
		State:             "alive",
		PID:               &pid,
		ControlSocketPath: "/tmp/fc.sock",
		KernelPath:        "/tmp/vmlinux",
		RootfsPath:        "/tmp/rootfs.ext4",
		NetIndex:          3,
		TapName:           "noid3",
		GuestIP:           "172.16.0.14",
		CreatedAt:         time.Unix(1700000000, 0),
	}
	if err := s.CreateVM(v); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	got, ok, err := s.GetVM("u1", "web")
	if err != nil || !ok {
		t.Fatalf("GetVM: ok=%v err=%v", ok, err)
	}
	if got.PID == nil || *got.PID != pid {
		t.Errorf("PID = %v", got.PID)
	}
	if got.NetIndex != 3 || got.TapName != "noid3" || got.GuestIP != "172.16.0.14" {
		t.Errorf("network fields = %d %q %q", got.NetIndex, got.TapName, got.GuestIP)
	}

	if err := s.DeleteVM("u1", "web"); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	if _, ok, _ := s.GetVM("u1", "web"); ok {
		t.Fatal("expected VM gone after delete")
	}
}

func TestCreateVMDuplicateFails(t *testing.T) {
	s := openTestStore(t)
	v := VM{UserID: "u1", Name: "web", State: "alive", NetIndex: -1, CreatedAt: time.Now()}
	if err := s.CreateVM(v); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if err := s.CreateVM(v); err == nil {
		t.Fatal("expected unique constraint violation on duplicate (user, name)")
	}
}

func TestTenantScoping(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateVM(VM{UserID: "u1", Name: "web", State: "alive", NetIndex: -1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	// Another tenant may reuse the name, and never sees u1's record.
	if err := s.CreateVM(VM{UserID: "u2", Name: "web", State: "alive", NetIndex: -1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateVM for second tenant: %v", err)
	}
	vms, err := s.ListVMs("u2")
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	if len(vms) != 1 || vms[0].UserID != "u2" {
		t.Fatalf("ListVMs(u2) = %+v", vms)
	}
}

func TestUsedNetIndexesSkipsUnnetworkedVMs(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateVM(VM{UserID: "u1", Name: "a", State: "alive", NetIndex: 0, TapName: "noid0", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if err := s.CreateVM(VM{UserID: "u1", Name: "b", State: "alive", NetIndex: -1, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	used, err := s.UsedNetIndexes()
	if err != nil {
		t.Fatalf("UsedNetIndexes: %v", err)
	}
	if !used[0] {
		t.Error("expected index 0 in use")
	}
	if len(used) != 1 {
		t.Errorf("used = %v, want only index 0", used)
	}
}

func TestCheckpointScopedLookup(t *testing.T) {
	s := openTestStore(t)
	cp := Checkpoint{
		ID:          "deadbeefcafef00d",
		UserID:      "u1",
		VMName:      "web",
		Label:       "before-upgrade",
		SnapshotDir: "/data/checkpoints/u1/deadbeefcafef00d",
		CreatedAt:   time.Unix(1700000000, 0),
	}
	if err := s.CreateCheckpoint(cp); err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	if _, ok, _ := s.GetCheckpoint("u2", cp.ID); ok {
		t.Fatal("checkpoint visible to wrong tenant")
	}
	got, ok, err := s.GetCheckpoint("u1", cp.ID)
	if err != nil || !ok {
		t.Fatalf("GetCheckpoint: ok=%v err=%v", ok, err)
	}
	if got.SnapshotDir != cp.SnapshotDir || got.Label != cp.Label {
		t.Errorf("GetCheckpoint = %+v", got)
	}
}
