package vmengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/noidvm/noid/internal/catalog"
	"github.com/noidvm/noid/internal/config"
	"github.com/noidvm/noid/internal/diskstore"
	"github.com/noidvm/noid/internal/noiderr"
	"github.com/noidvm/noid/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store, err := diskstore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("diskstore.Open: %v", err)
	}

	cfg := &config.Config{
		DefaultExecTimeout:       5 * time.Second,
		ControlSocketDialTimeout: time.Second,
		ShutdownGrace:            100 * time.Millisecond,
	}

	// netd is left nil: Create's attachNetworking check treats a nil
	// client the same as an unreachable one, so the engine runs in
	// no-networking mode without a real netd daemon.
	return New(cfg, cat, store, nil)
}

// TestDestroyMissingIsNoop exercises the idempotent-destructive-operation
// invariant: destroying a VM that was never created succeeds silently.
func TestDestroyMissingIsNoop(t *testing.T) {
	e := newTestEngine(t)
	if err := e.Destroy("u1", "ghost"); err != nil {
		t.Fatalf("Destroy on missing vm returned error: %v", err)
	}
}

// TestListEmptyUser confirms List never errors for a user with no VMs.
func TestListEmptyUser(t *testing.T) {
	e := newTestEngine(t)
	got, err := e.List("u1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no vms, got %d", len(got))
	}
}

// TestInfoNotFound confirms Info surfaces NotFound for an unknown VM.
func TestInfoNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Info("u1", "ghost")
	if !noiderr.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// TestMultiTenantIsolation confirms the same VM name can exist
// independently under two different user IDs.
func TestMultiTenantIsolation(t *testing.T) {
	e := newTestEngine(t)
	idx0 := 0
	if _, err := e.cat.InsertCreating("alice", "box", 1, 128, "/k", "/r", &idx0); err != nil {
		t.Fatalf("seed alice/box: %v", err)
	}
	idx1 := 1
	if _, err := e.cat.InsertCreating("bob", "box", 2, 256, "/k", "/r", &idx1); err != nil {
		t.Fatalf("seed bob/box: %v", err)
	}

	a, err := e.Info("alice", "box")
	if err != nil {
		t.Fatalf("Info alice/box: %v", err)
	}
	b, err := e.Info("bob", "box")
	if err != nil {
		t.Fatalf("Info bob/box: %v", err)
	}
	if a.Cpus == b.Cpus {
		t.Errorf("expected distinct records, both reported cpus=%d", a.Cpus)
	}
}

// TestExecBusyWhenNotRunning confirms exec maps a non-Running VM to Busy,
// never NotFound, since the VM record does exist.
func TestExecBusyWhenNotRunning(t *testing.T) {
	e := newTestEngine(t)
	idx := 0
	if _, err := e.cat.InsertCreating("u1", "alpha", 1, 128, "/k", "/r", &idx); err != nil {
		t.Fatalf("seed vm: %v", err)
	}

	_, err := e.Exec("u1", "alpha", []string{"echo", "hi"}, nil, time.Second)
	if !noiderr.IsBusy(err) {
		t.Fatalf("expected Busy for non-running vm, got %v", err)
	}
}

// TestExecBusyOnLockContention confirms a held per-VM lock fails exec
// fast instead of queuing.
func TestExecBusyOnLockContention(t *testing.T) {
	e := newTestEngine(t)
	idx := 0
	if _, err := e.cat.InsertCreating("u1", "alpha", 1, 128, "/k", "/r", &idx); err != nil {
		t.Fatalf("seed vm: %v", err)
	}

	mu := e.lockFor("u1", "alpha")
	mu.Lock()
	defer mu.Unlock()

	_, err := e.Exec("u1", "alpha", []string{"echo", "hi"}, nil, time.Second)
	if !noiderr.IsBusy(err) {
		t.Fatalf("expected Busy on lock contention, got %v", err)
	}
}

// TestConsoleAttachBusyWhenNotRunning mirrors TestExecBusyWhenNotRunning
// for the console_attach operation.
func TestConsoleAttachBusyWhenNotRunning(t *testing.T) {
	e := newTestEngine(t)
	idx := 0
	if _, err := e.cat.InsertCreating("u1", "alpha", 1, 128, "/k", "/r", &idx); err != nil {
		t.Fatalf("seed vm: %v", err)
	}

	detach := make(chan struct{})
	close(detach)
	err := e.ConsoleAttach("u1", "alpha", nil, nil, detach)
	if !noiderr.IsBusy(err) {
		t.Fatalf("expected Busy for non-running vm, got %v", err)
	}
}

// TestCheckpointNotRunning confirms Checkpoint maps a non-Running VM to
// NotRunning, per spec, distinct from the Busy mapping exec/console use.
func TestCheckpointNotRunning(t *testing.T) {
	e := newTestEngine(t)
	idx := 0
	if _, err := e.cat.InsertCreating("u1", "alpha", 1, 128, "/k", "/r", &idx); err != nil {
		t.Fatalf("seed vm: %v", err)
	}

	_, err := e.Checkpoint("u1", "alpha", "")
	if !noiderr.IsNotRunning(err) {
		t.Fatalf("expected NotRunning, got %v", err)
	}
}

// TestListCheckpointsEmpty confirms a VM with no checkpoints reports none
// rather than erroring.
func TestListCheckpointsEmpty(t *testing.T) {
	e := newTestEngine(t)
	got, err := e.ListCheckpoints("u1", "alpha")
	if err != nil {
		t.Fatalf("ListCheckpoints returned error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no checkpoints, got %d", len(got))
	}
}

// TestRestoreUnknownCheckpoint confirms Restore surfaces NotFound for a
// checkpoint ID that was never recorded.
func TestRestoreUnknownCheckpoint(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Restore("u1", "alpha", "deadbeefcafebabe", "")
	if !noiderr.IsNotFound(err) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

// TestNewCheckpointIDUnique sanity-checks the ID generator never repeats
// across a small sample and always returns 16 hex characters.
func TestNewCheckpointIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		id, err := newCheckpointID()
		if err != nil {
			t.Fatalf("newCheckpointID returned error: %v", err)
		}
		if len(id) != 16 {
			t.Errorf("expected 16 hex chars, got %q", id)
		}
		if seen[id] {
			t.Fatalf("duplicate checkpoint id %q", id)
		}
		seen[id] = true
	}
}

// TestReconcileDeadPID confirms a VM record pointing at a dead process is
// marked Dead during the startup sweep, without touching other records.
func TestReconcileDeadPID(t *testing.T) {
	e := newTestEngine(t)
	idx := 0
	vm, err := e.cat.InsertCreating("u1", "alpha", 1, 128, "/k", "/r", &idx)
	if err != nil {
		t.Fatalf("seed vm: %v", err)
	}
	// hypervisor.Alive reports any pid <= 0 as not alive without probing,
	// so this record looks orphaned at startup.
	if err := e.cat.MarkRunning(vm.UserID, vm.Name, 0, "/sock", "", "", "", ""); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}

	if err := e.Reconcile(); err != nil {
		t.Fatalf("Reconcile returned error: %v", err)
	}

	got, err := e.Info("u1", "alpha")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if got.State != types.VMStateDead {
		t.Errorf("expected state Dead after reconcile, got %s", got.State)
	}
}
