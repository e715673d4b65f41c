package backend

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/record"
	"github.com/opensandbox/opensandbox/internal/storage"
	"github.com/opensandbox/opensandbox/internal/vmexec"
	"github.com/opensandbox/opensandbox/internal/vmm"
)

// settleDelay is how long the warm and restore paths wait for a resumed
// guest kernel to bring its network stack back up before the
// reconfigure-eth0 exec is attempted.
const settleDelay = 1 * time.Second

// createWarm clones the shared golden snapshot into a new VM directory and
// resumes it, reassigning the guest's network identity to the freshly
// allocated index. Caller holds the per-(user, name) lock.
func (b *Backend) createWarm(userID, name string, golden storage.GoldenConfig) (record.VM, error) {
	net, haveNet := b.allocateNetwork()
	rollback := func() { b.teardownNetwork(net.tapName) }

	vmDir, err := b.layout.CreateVMDir(userID, name)
	if err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "create vm directory", err)
	}
	prev := rollback
	rollback = func() { _ = b.layout.DeleteVMDir(userID, name); prev() }

	rootfsPath := filepath.Join(vmDir, rootfsFileName)
	if err := storage.ReflinkRootfs(b.layout.GoldenSnapshotRootfsPath(), rootfsPath); err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "clone golden rootfs", err)
	}

	memPath := filepath.Join(vmDir, "memory.snap")
	statePath := filepath.Join(vmDir, "vmstate.snap")
	goldenMem, goldenState := b.layout.GoldenSnapshotPaths()
	if err := storage.ReflinkRootfs(goldenMem, memPath); err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "clone golden memory snapshot", err)
	}
	if err := storage.ReflinkRootfs(goldenState, statePath); err != nil {
		rollback()
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "clone golden vmstate snapshot", err)
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

	aliasPath := golden.RootfsPath
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

	v := record.VM{
		UserID:            userID,
		Name:              name,
		Cpus:              golden.Cpus,
		MemMiB:            golden.MemMiB,
		State:             "alive",
		PID:               &handle.PID,
		ControlSocketPath: handle.SocketPath,
		KernelPath:        golden.KernelPath,
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

// reconfigureGuestNetwork flushes and reassigns the guest's eth0 address and
// default route after a warm restore binds a new TAP/guest IP pair. This is
// best-effort: on timeout it sends Ctrl-C down the FIFO to clear a stuck
// prompt and the VM is left running regardless of outcome.
func reconfigureGuestNetwork(paths vmm.Paths, timeout time.Duration, guestIP, hostIP string) {
	time.Sleep(settleDelay)
	cmd := []string{"sh", "-c",
		"ip addr flush dev eth0; ip addr add " + guestIP + "/30 dev eth0; ip link set eth0 up; ip route replace default via " + hostIP}
	result, err := execOverSerial(paths, cmd, nil, timeout)
	if err != nil || result.TimedOut {
		_ = vmm.WriteSerial(paths, []byte{0x03})
	}
}

// execOverSerial runs one marker-framed command over a VM's serial console
// and waits for its result. The serial log's length is measured before the
// command is written so the poller only ever matches markers produced by
// this invocation, never a substring left over from an earlier command or
// its echoed input line.
func execOverSerial(paths vmm.Paths, command, env []string, timeout time.Duration) (vmexec.Result, error) {
	info, err := os.Stat(paths.SerialOut)
	if err != nil {
		return vmexec.Result{}, apierr.Wrap(apierr.KindInternal, "vm not running", err)
	}
	startPos := info.Size()

	token, err := vmexec.NewToken()
	if err != nil {
		return vmexec.Result{}, err
	}
	line, err := vmexec.BuildCommand(command, env, token)
	if err != nil {
		return vmexec.Result{}, apierr.Wrap(apierr.KindValidation, "build exec command", err)
	}
	if err := vmm.WriteSerial(paths, []byte("\n"+line)); err != nil {
		return vmexec.Result{}, apierr.Wrap(apierr.KindInternal, "write serial", err)
	}
	poller := vmexec.Poller{LogPath: paths.SerialOut, StartPos: startPos}
	return poller.Wait(token, timeout)
}
