package backend

import (
	"os"

	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/record"
	"github.com/opensandbox/opensandbox/internal/vmm"
)

// List returns every VM owned by userID, with each record's state
// recomputed against the live process table.
func (b *Backend) List(userID string) ([]record.VM, error) {
	vms, err := b.store.ListVMs(userID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list vms", err)
	}
	for i := range vms {
		vms[i].State = effectiveState(vms[i])
	}
	return vms, nil
}

// Get fetches one VM owned by userID, with its state recomputed.
func (b *Backend) Get(userID, name string) (record.VM, error) {
	if err := validateOrErr(name); err != nil {
		return record.VM{}, err
	}
	v, ok, err := b.store.GetVM(userID, name)
	if err != nil {
		return record.VM{}, apierr.Wrap(apierr.KindInternal, "lookup vm", err)
	}
	if !ok {
		return record.VM{}, notFoundVM(name)
	}
	v.State = effectiveState(v)
	return v, nil
}

// ListCheckpoints returns every checkpoint of one VM owned by userID.
func (b *Backend) ListCheckpoints(userID, name string) ([]record.Checkpoint, error) {
	if err := validateOrErr(name); err != nil {
		return nil, err
	}
	cps, err := b.store.ListCheckpoints(userID, name)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "list checkpoints", err)
	}
	return cps, nil
}

// ConsoleHandle is the information the console multiplexer needs to attach
// to a running VM: its serial log (for tailing) and directory (for the
// stdin FIFO).
type ConsoleHandle struct {
	SerialLogPath string
	VMDir         string
}

// ConsoleAttach verifies a VM record exists and its serial log file is
// present, and returns the paths the multiplexer reads/writes. It does not
// check whether the VM process is alive.
func (b *Backend) ConsoleAttach(userID, name string) (ConsoleHandle, error) {
	if err := validateOrErr(name); err != nil {
		return ConsoleHandle{}, err
	}
	_, ok, err := b.store.GetVM(userID, name)
	if err != nil {
		return ConsoleHandle{}, apierr.Wrap(apierr.KindInternal, "lookup vm", err)
	}
	if !ok {
		return ConsoleHandle{}, notFoundVM(name)
	}
	vmDir := b.layout.VMDir(userID, name)
	serialLog := vmDir + "/serial.log"
	if _, err := os.Stat(serialLog); err != nil {
		return ConsoleHandle{}, apierr.Unavailablef("vm %q has no serial console", name)
	}
	return ConsoleHandle{SerialLogPath: serialLog, VMDir: vmDir}, nil
}

// WriteConsoleInput forwards keystrokes from an attached console session
// into a VM's stdin FIFO. Each write takes the per-(user, name) lock just
// long enough to perform the write, so a long-lived console session never
// blocks a concurrent exec call for longer than one write.
func (b *Backend) WriteConsoleInput(userID, name string, data []byte) error {
	unlock := b.locks.Lock(userID, name)
	defer unlock()

	paths := vmm.NewPaths(b.layout.VMDir(userID, name))
	return vmm.WriteSerial(paths, data)
}
