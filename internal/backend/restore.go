package backend

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/record"
	"github.com/opensandbox/opensandbox/internal/storage"
	"github.com/opensandbox/opensandbox/internal/vmm"
)

// Restore materializes a checkpoint into a running VM, either in place
// (replacing any VM currently at name) or under a fresh newName. A
// restored VM always gets a freshly allocated network index rather than
// reusing the origin VM's, so origin and restored clone can coexist
// without a MAC collision.
func (b *Backend) Restore(userID, name, checkpointID, newName string) (record.VM, error) {
	cp, ok, err := b.store.GetCheckpoint(userID, checkpointID)
	if err != nil {
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "lookup checkpoint", err)
	}
	if !ok {
		return record.VM{}, apierr.NotFoundf("checkpoint %q not found", checkpointID)
	}

	origin, hasOrigin, err := b.store.GetVM(userID, cp.VMName)
	if err != nil {
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "lookup origin vm", err)
	}

	inPlace := newName == ""
	target := name
	if !inPlace {
		target = newName
	}
	if err := validateOrErr(target); err != nil {
		return record.VM{}, err
	}

	unlock := b.locks.Lock(userID, target)
	defer unlock()

	existing, ok, err := b.store.GetVM(userID, target)
	if err != nil {
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "check existing vm", err)
	}
	if ok {
		if !inPlace {
			return record.VM{}, apierr.Conflictf("vm %q already exists", target)
		}
		if effectiveState(existing) == "alive" {
			metrics.VMsActive.WithLabelValues("alive").Dec()
		}
		if existing.PID != nil {
			vmm.Kill(*existing.PID)
		}
		b.teardownNetwork(existing.TapName)
		if err := b.layout.DeleteVMDir(userID, target); err != nil {
			log.Printf("noidd: restore %s/%s: delete existing vm dir: %v", userID, target, err)
		}
		if err := b.store.DeleteVM(userID, target); err != nil {
			return record.VM{}, apierr.Wrap(apierr.KindInternal, "delete existing vm record", err)
		}
	}

	net, haveNet := b.allocateNetwork()
	rollback := func() { b.teardownNetwork(net.tapName) }

	vmDir, err := b.layout.CreateVMDir(userID, target)
	if err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "create vm directory", err)
	}
	prev := rollback
	rollback = func() { _ = b.layout.DeleteVMDir(userID, target); prev() }

	if err := storage.CloneSnapshot(cp.SnapshotDir, vmDir); err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "clone checkpoint", err)
	}

	paths := vmm.NewPaths(vmDir)
	handle, err := vmm.Spawn(b.cfg.FirecrackerBin, paths)
	if err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "spawn vmm", err)
	}
	prev = rollback
	rollback = func() { vmm.Kill(handle.PID); prev() }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := vmm.NewClient(handle.SocketPath)

	rootfsPath := filepath.Join(vmDir, rootfsFileName)
	statePath := filepath.Join(vmDir, "vmstate.snap")
	memPath := filepath.Join(vmDir, "memory.snap")

	aliasPath := ""
	if hasOrigin {
		aliasPath = origin.RootfsPath
	}
	if aliasPath == "" {
		aliasPath, _ = vmm.ExtractEmbeddedRootfsPath(statePath, rootfsFileName)
	}
	if aliasPath != "" {
		if err := vmm.LinkAlias(aliasPath, rootfsPath); err != nil {
			rollback()
			return record.VM{}, apierr.Wrap(apierr.KindInternal, "create rootfs alias", err)
		}
		defer vmm.RemoveAlias(aliasPath, rootfsPath)
	}

	if haveNet {
		if err := client.PutNetworkInterface(ctx, net.tapName, net.guestMAC); err != nil {
			rollback()
			return record.VM{}, apierr.Wrap(apierr.KindInternal, "configure network interface", err)
		}
	}
	if err := client.LoadSnapshot(ctx, statePath, memPath); err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "load snapshot", err)
	}

	if haveNet {
		reconfigureGuestNetwork(paths, b.execTimeout(), net.guestIP, net.hostIP)
	}

	cpus, memMiB, kernelPath := b.cfg.DefaultCpus, b.cfg.DefaultMemMiB, b.cfg.KernelPath
	if hasOrigin {
		cpus, memMiB, kernelPath = origin.Cpus, origin.MemMiB, origin.KernelPath
	}

	v := record.VM{
		UserID:            userID,
		Name:              target,
		Cpus:              cpus,
		MemMiB:            memMiB,
		State:             "alive",
		PID:               &handle.PID,
		ControlSocketPath: handle.SocketPath,
		KernelPath:        kernelPath,
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
