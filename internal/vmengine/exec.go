package vmengine

import (
	"io"
	"time"

	"github.com/noidvm/noid/internal/metrics"
	"github.com/noidvm/noid/internal/noiderr"
	"github.com/noidvm/noid/pkg/types"
)

// Exec runs argv inside the VM's guest over the serial channel. Exec does
// not block waiting for a concurrent exec or console_attach on the same
// VM to finish: if the per-VM lock is already held, it fails fast with
// Busy rather than queuing, since an interactive caller holding the lock
// (a console session) may hold it indefinitely.
func (e *Engine) Exec(userID, name string, argv []string, env map[string]string, timeout time.Duration) (types.ExecResult, error) {
	mu := e.lockFor(userID, name)
	if !mu.TryLock() {
		return types.ExecResult{}, noiderr.Wrap(noiderr.ErrBusy, "vm is busy with another exec or console session", errBusy)
	}
	defer mu.Unlock()

	vm, err := e.cat.Get(userID, name)
	if err != nil {
		return types.ExecResult{}, err
	}
	if vm.State != types.VMStateRunning {
		return types.ExecResult{}, noiderr.Wrap(noiderr.ErrBusy, "vm is not running", errNotRunning)
	}

	if timeout <= 0 {
		timeout = e.cfg.DefaultExecTimeout
	}

	started := time.Now()
	ch := e.serialChannel(userID, name)
	res, err := ch.Exec(argv, env, timeout)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if res.TimedOut {
		outcome = "timeout"
	}
	metrics.ExecDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	return res, err
}

// ConsoleAttach relays bytes between the caller's io and the VM's serial
// line until the caller's input stream ends or detach fires. Like Exec, it
// fails fast with Busy instead of queuing behind a concurrent session.
func (e *Engine) ConsoleAttach(userID, name string, in io.Reader, out io.Writer, detach <-chan struct{}) error {
	mu := e.lockFor(userID, name)
	if !mu.TryLock() {
		return noiderr.Wrap(noiderr.ErrBusy, "vm is busy with another exec or console session", errBusy)
	}
	defer mu.Unlock()

	vm, err := e.cat.Get(userID, name)
	if err != nil {
		return err
	}
	if vm.State != types.VMStateRunning {
		return noiderr.Wrap(noiderr.ErrBusy, "vm is not running", errNotRunning)
	}

	ch := e.serialChannel(userID, name)
	return ch.ConsoleAttach(in, out, detach)
}

var errBusy = errBusySentinel{}

type errBusySentinel struct{}

func (errBusySentinel) Error() string { return "lock held by a concurrent session" }

var errNotRunning = errNotRunningSentinel{}

type errNotRunningSentinel struct{}

func (errNotRunningSentinel) Error() string { return "vm state is not Running" }
