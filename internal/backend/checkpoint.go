package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/record"
	"github.com/opensandbox/opensandbox/internal/vmm"
)

// Checkpoint pauses the named VM, snapshots its memory/state via the VMM
// control API, copies the result (plus its rootfs) into a checkpoint
// directory, and resumes it. Resume is always attempted once pause
// succeeds, even if the snapshot copy itself failed, so a checkpoint
// attempt never leaves the VM stuck paused.
func (b *Backend) Checkpoint(userID, name, label string) (record.Checkpoint, error) {
	if err := validateOrErr(name); err != nil {
		return record.Checkpoint{}, err
	}

	unlock := b.locks.Lock(userID, name)
	defer unlock()

	v, ok, err := b.store.GetVM(userID, name)
	if err != nil {
		return record.Checkpoint{}, apierr.Wrap(apierr.KindInternal, "lookup vm", err)
	}
	if !ok {
		return record.Checkpoint{}, notFoundVM(name)
	}
	if effectiveState(v) != "alive" {
		return record.Checkpoint{}, apierr.Validationf("vm %q is not running", name)
	}

	cpID, err := newCheckpointID()
	if err != nil {
		return record.Checkpoint{}, apierr.Wrap(apierr.KindInternal, "generate checkpoint id", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := vmm.NewClient(v.ControlSocketPath)

	if err := client.Pause(ctx); err != nil {
		return record.Checkpoint{}, apierr.Wrap(apierr.KindInternal, "pause vm", err)
	}

	snapErr := b.snapshotTo(ctx, client, userID, cpID, v.RootfsPath)

	// Resume regardless of snapshot outcome: a VM must never be left
	// paused because its checkpoint copy failed.
	if err := client.Resume(ctx); err != nil {
		if snapErr != nil {
			return record.Checkpoint{}, apierr.Wrap(apierr.KindInternal, "snapshot vm (and resume also failed)", fmt.Errorf("%v; resume: %w", snapErr, err))
		}
		return record.Checkpoint{}, apierr.Wrap(apierr.KindInternal, "resume vm after checkpoint", err)
	}
	if snapErr != nil {
		return record.Checkpoint{}, apierr.Wrap(apierr.KindInternal, "snapshot vm", snapErr)
	}

	cp := record.Checkpoint{
		ID:          cpID,
		UserID:      userID,
		VMName:      name,
		Label:       label,
		SnapshotDir: b.layout.CheckpointPath(userID, cpID),
		CreatedAt:   time.Now(),
	}
	if err := b.store.CreateCheckpoint(cp); err != nil {
		return record.Checkpoint{}, apierr.Wrap(apierr.KindInternal, "persist checkpoint record", err)
	}
	return cp, nil
}

func (b *Backend) snapshotTo(ctx context.Context, client *vmm.Client, userID, cpID, rootfsPath string) error {
	memPath, statePath, err := b.layout.CreateSnapshot(userID, cpID)
	if err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := client.CreateSnapshot(ctx, statePath, memPath); err != nil {
		return fmt.Errorf("vmm snapshot/create: %w", err)
	}
	if err := b.layout.SnapshotRootfs(userID, cpID, rootfsPath); err != nil {
		return fmt.Errorf("snapshot rootfs: %w", err)
	}
	return nil
}
