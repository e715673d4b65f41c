// Package backend is the VM lifecycle orchestrator: deterministic
// create/destroy/checkpoint/restore over the external VMM, with a
// golden-snapshot fast path, strict multi-step rollback on every failure,
// and per-(tenant, VM) mutual exclusion.
package backend

import (
	"log"
	"time"

	"github.com/opensandbox/opensandbox/internal/addressing"
	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/brokerclient"
	"github.com/opensandbox/opensandbox/internal/config"
	"github.com/opensandbox/opensandbox/internal/metrics"
	"github.com/opensandbox/opensandbox/internal/record"
	"github.com/opensandbox/opensandbox/internal/storage"
	"github.com/opensandbox/opensandbox/internal/vmm"
)

// Backend aggregates storage, the VMM driver, the network broker client and
// the record store behind one API keyed by (user_id, name).
type Backend struct {
	cfg    *config.Config
	store  *record.Store
	layout storage.Layout
	broker *brokerclient.Client
	locks  *lockMap
}

// New builds a Backend. cfg, store and broker are process-wide singletons
// constructed once at startup.
func New(cfg *config.Config, store *record.Store, broker *brokerclient.Client) *Backend {
	return &Backend{
		cfg:    cfg,
		store:  store,
		layout: storage.New(cfg.DataDir),
		broker: broker,
		locks:  newLockMap(),
	}
}

// effectiveState recomputes a VM's state label: "alive" iff its recorded
// PID exists and a signal-0 succeeds, "dead" otherwise. The stored label is
// informational only; this is always the authoritative read.
func effectiveState(v record.VM) string {
	if v.PID != nil && vmm.IsAlive(*v.PID) {
		return "alive"
	}
	return "dead"
}

// Reconcile runs the startup reconciliation pass: every persisted VM record
// whose PID is no longer alive has its stored state label corrected eagerly,
// rather than waiting for the next List/Get to notice.
func (b *Backend) Reconcile() {
	vms, err := b.store.AllVMs()
	if err != nil {
		log.Printf("noidd: reconcile: list vms: %v", err)
		return
	}
	counts := map[string]int{"alive": 0, "dead": 0}
	for _, v := range vms {
		state := effectiveState(v)
		counts[state]++
		if state != v.State {
			if err := b.store.UpdateVMState(v.UserID, v.Name, state, v.PID); err != nil {
				log.Printf("noidd: reconcile: update %s/%s: %v", v.UserID, v.Name, err)
				continue
			}
			log.Printf("noidd: reconcile: %s/%s %s -> %s", v.UserID, v.Name, v.State, state)
		}
	}
	for state, n := range counts {
		metrics.VMsActive.WithLabelValues(state).Set(float64(n))
	}
}

// allocateNetwork picks a free index, asks the broker to set it up, and
// returns the resulting network config. On broker failure it logs and
// returns ok=false: networking is best-effort on create/restore, the VM
// still boots without a NIC.
func (b *Backend) allocateNetwork() (brokerResponse, bool) {
	used, err := b.store.UsedNetIndexes()
	if err != nil {
		log.Printf("noidd: list used net indexes: %v", err)
		return noNetwork, false
	}
	idx, err := addressing.Allocate(used)
	if err != nil {
		log.Printf("noidd: allocate net index: %v", err)
		return noNetwork, false
	}
	resp, err := b.broker.Setup(idx)
	if err != nil {
		log.Printf("noidd: broker setup index %d: %v", idx, err)
		return noNetwork, false
	}
	return brokerResponse{index: idx, tapName: resp.TapName, hostIP: resp.HostIP, guestIP: resp.GuestIP, guestMAC: resp.GuestMAC}, true
}

type brokerResponse struct {
	index    int
	tapName  string
	hostIP   string
	guestIP  string
	guestMAC string
}

// noNetwork is the binding recorded for a VM running without a NIC. Its
// index is -1 so it can never collide with a real allocation (index 0 is a
// valid assignment) and is excluded from the used-index set.
var noNetwork = brokerResponse{index: -1}

// teardownNetwork best-effort tears down a TAP device; failures are logged
// and swallowed so a stuck TAP never blocks destroy or rollback.
func (b *Backend) teardownNetwork(tapName string) {
	if tapName == "" {
		return
	}
	if err := b.broker.Teardown(tapName); err != nil {
		log.Printf("noidd: broker teardown %s: %v", tapName, err)
	}
}

// newCheckpointID returns a fresh 16-hex checkpoint identifier.
func newCheckpointID() (string, error) {
	return randomHex(8)
}

func notFoundVM(name string) error {
	return apierr.NotFoundf("vm %q not found", name)
}

func validateOrErr(name string) error {
	if !ValidateName(name) {
		return apierr.Validationf("invalid vm name %q", name)
	}
	return nil
}

// execTimeout resolves the configured exec timeout as a duration.
func (b *Backend) execTimeout() time.Duration {
	return time.Duration(b.cfg.ExecTimeoutSecs) * time.Second
}
