package backend

import (
	"time"

	"github.com/opensandbox/opensandbox/internal/apierr"
	"github.com/opensandbox/opensandbox/internal/vmexec"
	"github.com/opensandbox/opensandbox/internal/vmm"
)

// Exec runs command inside the named VM over its serial console and returns
// its captured stdout, exit code and truncation/timeout flags. Console stdin
// writes (WriteConsoleInput) take the same per-VM lock, so keystrokes from an
// attached console never interleave with an exec's command line; attaching a
// console and tailing its output take no lock.
func (b *Backend) Exec(userID, name string, command, env []string, timeout time.Duration) (vmexec.Result, error) {
	if err := validateOrErr(name); err != nil {
		return vmexec.Result{}, err
	}
	if timeout <= 0 {
		timeout = b.execTimeout()
	}

	unlock := b.locks.Lock(userID, name)
	defer unlock()

	v, ok, err := b.store.GetVM(userID, name)
	if err != nil {
		return vmexec.Result{}, apierr.Wrap(apierr.KindInternal, "lookup vm", err)
	}
	if !ok {
		return vmexec.Result{}, notFoundVM(name)
	}
	if effectiveState(v) != "alive" {
		return vmexec.Result{}, apierr.Validationf("vm %q is not running", name)
	}

	paths := vmm.NewPaths(b.layout.VMDir(userID, name))
	return execOverSerial(paths, command, env, timeout)
}
