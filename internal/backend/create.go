package backend

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/opensandbox/opensandbox/internal/addressing"
	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/record"
	"github.com/opensandbox/opensandbox/internal/storage"
	"github.com/opensandbox/opensandbox/internal/vmm"
)

// rootfsFileName is the fixed basename every VM directory uses for its
// rootfs image.
const rootfsFileName = "rootfs.ext4"

const defaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off"

// Create provisions a new VM for userID, taking the golden-snapshot warm
// path when a compatible golden snapshot exists, the cold boot path
// otherwise. Every resource acquired along the way (TAP, directory, VMM
// process, record row) is released in reverse order on any downstream
// failure.
func (b *Backend) Create(userID, name string, cpus, memMiB int) (record.VM, error) {
	if err := validateOrErr(name); err != nil {
		return record.VM{}, err
	}
	if cpus <= 0 {
		cpus = b.cfg.DefaultCpus
	}
	if memMiB <= 0 {
		memMiB = b.cfg.DefaultMemMiB
	}

	unlock := b.locks.Lock(userID, name)
	defer unlock()

	if _, ok, err := b.store.GetVM(userID, name); err != nil {
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "check existing vm", err)
	} else if ok {
		return record.VM{}, apierr.Conflictf("vm %q already exists", name)
	}

	if b.layout.GoldenSnapshotExists() {
		if golden, err := b.layout.GoldenConfigRead(); err == nil && golden.Cpus == cpus && golden.MemMiB == memMiB {
			return b.createWarm(userID, name, golden)
		}
	}
	return b.createCold(userID, name, cpus, memMiB)
}

func (b *Backend) createCold(userID, name string, cpus, memMiB int) (record.VM, error) {
	if _, err := os.Stat(b.cfg.KernelPath); err != nil {
		return record.VM{}, apierr.Validationf("kernel image not found at %s", b.cfg.KernelPath)
	}
	if _, err := os.Stat(b.cfg.DefaultRootfsPath); err != nil {
		return record.VM{}, apierr.Validationf("rootfs image not found at %s", b.cfg.DefaultRootfsPath)
	}

	net, haveNet := b.allocateNetwork()
	rollback := func() { b.teardownNetwork(net.tapName) }

	vmDir, err := b.layout.CreateVMDir(userID, name)
	if err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "create vm directory", err)
	}
	prevRollback := rollback
	rollback = func() { _ = b.layout.DeleteVMDir(userID, name); prevRollback() }

	rootfsPath := filepath.Join(vmDir, rootfsFileName)
	if err := storage.ReflinkRootfs(b.cfg.DefaultRootfsPath, rootfsPath); err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "clone rootfs", err)
	}

	paths := vmm.NewPaths(vmDir)
	handle, err := vmm.Spawn(b.cfg.FirecrackerBin, paths)
	if err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "spawn vmm", err)
	}
	prevRollback = rollback
	rollback = func() { vmm.Kill(handle.PID); prevRollback() }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := vmm.NewClient(handle.SocketPath)

	bootArgs := defaultBootArgs
	if haveNet {
		bootArgs += " " + addressing.KernelIPParam(addressing.Config{GuestIP: net.guestIP, HostIP: net.hostIP})
	}

	type step struct {
		name string
		run  func() error
	}
	steps := []step{
		{"configure machine", func() error {
			return client.PutMachineConfig(ctx, vmm.MachineConfig{VCPUCount: cpus, MemSizeMiB: memMiB})
		}},
		{"configure boot source", func() error { return client.PutBootSource(ctx, b.cfg.KernelPath, bootArgs) }},
		{"configure root drive", func() error { return client.PutRootDrive(ctx, rootfsPath, false) }},
	}
	if haveNet {
		steps = append(steps, step{"configure network interface", func() error {
			return client.PutNetworkInterface(ctx, net.tapName, net.guestMAC)
		}})
	}
	steps = append(steps, step{"start instance", func() error { return client.StartInstance(ctx) }})

	for _, step := range steps {
		if err := step.run(); err != nil {
			rollback()
			return record.VM{}, apierr.Wrap(apierr.KindInternal, step.name, err)
		}
	}

	v := record.VM{
		UserID:            userID,
		Name:              name,
		Cpus:              cpus,
		MemMiB:            memMiB,
		State:             "alive",
		PID:               &handle.PID,
		ControlSocketPath: handle.SocketPath,
		KernelPath:        b.cfg.KernelPath,
		RootfsPath:        rootfsPath,
		NetIndex:          net.index,
		TapName:           net.tapName,
		GuestIP:           net.guestIP,
		CreatedAt:         time.Now(),
	}
	if err := b.store.CreateVM(v); err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "persist vm record", err)
	}
	metrics.VMsActive.WithLabelValues("alive").Inc()
	return v, nil
}
