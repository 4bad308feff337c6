// Package hypervisor spawns and drives the microVM hypervisor process: the
// child process itself, its serial stdin/stdout wiring, and a hand-rolled
// minimal HTTP/1.1 client over its per-VM Unix control socket.
package hypervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/noidvm/noid/internal/logging"
	"github.com/noidvm/noid/internal/noiderr"
)

var log = logging.New("hypervisor")

// SpawnConfig describes how to launch one hypervisor child process.
type SpawnConfig struct {
	Bin          string
	ControlSock  string
	SerialInPath string // named pipe, serves as both stdin and sentinel writer
	SerialLogPath string // append-only stdout log
}

// Process is a live (or recently-live) hypervisor child.
type Process struct {
	Cmd        *exec.Cmd
	PID        int
	stdinFile  *os.File
	stdoutFile *os.File
}

// Spawn starts the hypervisor binary with --api-sock pointing at a fresh
// per-VM control socket. Stdin is bound to the named pipe opened O_RDWR in
// this process: opening a FIFO for read-write never blocks, and the
// resulting fd is simultaneously readable (what the child consumes as its
// serial console input) and a standing writer (so the pipe never sees EOF
// once every external caller disconnects). Stdout is appended to
// serial.log.
func Spawn(cfg SpawnConfig) (*Process, error) {
	stdin, err := os.OpenFile(cfg.SerialInPath, os.O_RDWR, 0o600)
	if err != nil {
		return nil, noiderr.Wrap(noiderr.ErrHypervisor, "open serial.in sentinel fd", err)
	}

	stdout, err := os.OpenFile(cfg.SerialLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdin.Close()
		return nil, noiderr.Wrap(noiderr.ErrHypervisor, "open serial.log", err)
	}

	cmd := exec.Command(cfg.Bin, "--api-sock", cfg.ControlSock)
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = stdout

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, noiderr.Wrap(noiderr.ErrHypervisor, "spawn hypervisor process", err)
	}

	log.Printf("spawned pid=%d sock=%s", cmd.Process.Pid, cfg.ControlSock)

	return &Process{
		Cmd:        cmd,
		PID:        cmd.Process.Pid,
		stdinFile:  stdin,
		stdoutFile: stdout,
	}, nil
}

// WaitForSocket polls for the control socket to become connectable,
// backing off exponentially up to a fixed ceiling.
func WaitForSocket(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	delay := 5 * time.Millisecond
	const maxDelay = 200 * time.Millisecond

	for {
		if _, err := os.Stat(path); err == nil {
			if probeDial(path) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return noiderr.Wrap(noiderr.ErrTimeout, fmt.Sprintf("control socket %s not ready after %s", path, timeout), fmt.Errorf("timeout"))
		}
		time.Sleep(delay)
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// Alive reports whether pid still refers to a live process, via the
// kill(pid, 0) liveness probe.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

// Shutdown sends SIGTERM, waits up to grace, then SIGKILL. It does not wait
// for the process to be reaped; the handle is orphaned intentionally so
// later control operations reopen the control socket by path rather than
// holding the *Process across requests.
func Shutdown(pid int, grace time.Duration) {
	if pid <= 0 {
		return
	}
	if err := unix.Kill(pid, syscall.SIGTERM); err != nil {
		return
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if Alive(pid) {
		unix.Kill(pid, syscall.SIGKILL)
	}
}

// Close releases the sentinel fds held by this process handle. Callers
// should only do this once the VM is being destroyed; closing early
// reintroduces the EOF-on-disconnect hazard the sentinel fd exists to avoid.
func (p *Process) Close() {
	if p.stdinFile != nil {
		p.stdinFile.Close()
	}
	if p.stdoutFile != nil {
		p.stdoutFile.Close()
	}
}
