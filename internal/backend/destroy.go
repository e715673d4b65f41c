package backend

import (
	"log"

	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/vmm"
)

// Destroy kills a VM's VMM process, tears down its TAP device, deletes its
// directory and removes its record. Idempotent: destroying an already-gone
// VM is treated as success.
func (b *Backend) Destroy(userID, name string) error {
	if err := validateOrErr(name); err != nil {
		return err
	}

	unlock := b.locks.Lock(userID, name)
	defer func() {
		unlock()
		b.locks.Forget(userID, name)
	}()

	v, ok, err := b.store.GetVM(userID, name)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "lookup vm", err)
	}
	if !ok {
		return nil
	}

	if effectiveState(v) == "alive" {
		metrics.VMsActive.WithLabelValues("alive").Dec()
	}
	if v.PID != nil {
		vmm.Kill(*v.PID)
	}
	if v.TapName != "" {
		b.teardownNetwork(v.TapName)
	}
	if err := b.layout.DeleteVMDir(userID, name); err != nil {
		log.Printf("noidd: destroy %s/%s: delete vm dir: %v", userID, name, err)
	}
	if err := b.store.DeleteVM(userID, name); err != nil {
		return apierr.Wrap(apierr.KindInternal, "delete vm record", err)
	}
	return nil
}
