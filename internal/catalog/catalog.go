// Package catalog is the embedded relational store of users, VM records,
// and checkpoint records backing the VM Engine. It is a single sqlite file
// per data directory, guarded by a process-wide exclusive lock so that at
// most one engine process ever writes to a given data directory.
package catalog

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sys/unix"

	"github.com/noidvm/noid/internal/logging"
	"github.com/noidvm/noid/internal/noiderr"
	"github.com/noidvm/noid/pkg/types"
)

var log = logging.New("catalog")

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	name TEXT UNIQUE NOT NULL,
	token_digest TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS vms (
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	cpus INTEGER NOT NULL,
	mem_mib INTEGER NOT NULL,
	kernel_path TEXT NOT NULL,
	rootfs_path TEXT NOT NULL,
	net_index INTEGER,
	tap_name TEXT,
	guest_ip TEXT,
	host_ip TEXT,
	mac TEXT,
	pid INTEGER,
	control_sock_path TEXT,
	state TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (user_id, name)
);

CREATE INDEX IF NOT EXISTS idx_vms_net_index ON vms(net_index);

CREATE TABLE IF NOT EXISTS checkpoints (
	id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	vm_name TEXT NOT NULL,
	label TEXT,
	snapshot_dir TEXT NOT NULL,
	cpus INTEGER NOT NULL,
	mem_mib INTEGER NOT NULL,
	kernel_path TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (user_id, id)
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_vm ON checkpoints(user_id, vm_name);
`

// requiredColumns maps table name to the columns Catalog expects to find,
// used to reject an incompatible pre-existing schema with a clear error
// rather than silently operating on the wrong shape.
var requiredColumns = map[string][]string{
	"vms":         {"user_id", "name", "net_index", "state"},
	"checkpoints": {"id", "user_id", "vm_name", "snapshot_dir", "cpus", "mem_mib", "kernel_path"},
	"users":       {"id", "name", "token_digest"},
}

// Catalog is the single-file embedded store for one data directory.
type Catalog struct {
	mu       sync.Mutex
	db       *sql.DB
	lockFile *os.File
}

// Open opens (creating if absent) the sqlite database at path, takes the
// process-wide exclusive lock, and ensures the schema exists.
func Open(path string) (*Catalog, error) {
	lf, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, noiderr.Wrap(noiderr.ErrStorage, "open catalog lock file", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, noiderr.Wrap(noiderr.ErrSystem, "data directory already owned by another noid-engine process", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		lf.Close()
		return nil, noiderr.Wrap(noiderr.ErrStorage, "open catalog database", err)
	}
	db.SetMaxOpenConns(1)

	c := &Catalog{db: db, lockFile: lf}
	if err := c.init(); err != nil {
		db.Close()
		lf.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	if _, err := c.db.Exec(schema); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "create catalog schema", err)
	}
	for table, cols := range requiredColumns {
		rows, err := c.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
		if err != nil {
			return noiderr.Wrap(noiderr.ErrStorage, "inspect existing schema", err)
		}
		found := make(map[string]bool)
		for rows.Next() {
			var cid int
			var name, ctype string
			var notnull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
				rows.Close()
				return noiderr.Wrap(noiderr.ErrStorage, "inspect existing schema", err)
			}
			found[name] = true
		}
		rows.Close()
		for _, want := range cols {
			if !found[want] {
				return noiderr.Wrap(noiderr.ErrSystem,
					fmt.Sprintf("incompatible catalog schema: table %s is missing column %s", table, want),
					fmt.Errorf("schema mismatch"))
			}
		}
	}
	return nil
}

// Close releases the database handle and the exclusive lock.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.db.Close()
	unix.Flock(int(c.lockFile.Fd()), unix.LOCK_UN)
	c.lockFile.Close()
	return err
}

// InsertCreating inserts a new VM record in state Creating, reserving the
// given net index (nil if networking is unavailable). Returns NameConflict
// if (user_id, name) already exists.
func (c *Catalog) InsertCreating(userID, name string, cpus, memMiB int, kernelPath, rootfsPath string, netIndex *int) (*types.VmInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	_, err := c.db.Exec(
		`INSERT INTO vms (user_id, name, cpus, mem_mib, kernel_path, rootfs_path, net_index, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, name, cpus, memMiB, kernelPath, rootfsPath, nullableInt(netIndex), string(types.VMStateCreating), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, noiderr.Wrap(noiderr.ErrNameConflict, fmt.Sprintf("vm %s already exists for user %s", name, userID), err)
		}
		return nil, noiderr.Wrap(noiderr.ErrStorage, "insert vm record", err)
	}

	return &types.VmInfo{
		UserID:     userID,
		Name:       name,
		Cpus:       cpus,
		MemMiB:     memMiB,
		KernelPath: kernelPath,
		RootfsPath: rootfsPath,
		NetIndex:   netIndex,
		State:      types.VMStateCreating,
		CreatedAt:  now,
	}, nil
}

// MarkRunning transitions a VM to Running and records the fields only known
// after a successful boot.
func (c *Catalog) MarkRunning(userID, name string, pid int, sockPath, tapName, guestIP, hostIP, mac string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(
		`UPDATE vms SET state = ?, pid = ?, control_sock_path = ?, tap_name = ?, guest_ip = ?, host_ip = ?, mac = ?
		 WHERE user_id = ? AND name = ?`,
		string(types.VMStateRunning), pid, sockPath, tapName, guestIP, hostIP, mac, userID, name,
	)
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "mark vm running", err)
	}
	return checkAffected(res, name)
}

// MarkState sets the bare lifecycle state field (used for Paused/Dead
// transitions that don't touch the other fields).
func (c *Catalog) MarkState(userID, name string, state types.VMState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	res, err := c.db.Exec(`UPDATE vms SET state = ? WHERE user_id = ? AND name = ?`, string(state), userID, name)
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "update vm state", err)
	}
	return checkAffected(res, name)
}

// Get looks up a single VM record.
func (c *Catalog) Get(userID, name string) (*types.VmInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(userID, name)
}

func (c *Catalog) get(userID, name string) (*types.VmInfo, error) {
	row := c.db.QueryRow(
		`SELECT user_id, name, cpus, mem_mib, kernel_path, rootfs_path, net_index, tap_name, guest_ip, host_ip, mac, pid, control_sock_path, state, created_at
		 FROM vms WHERE user_id = ? AND name = ?`, userID, name)
	v, err := scanVM(row)
	if err == sql.ErrNoRows {
		return nil, noiderr.Wrap(noiderr.ErrNotFound, fmt.Sprintf("vm %s not found for user %s", name, userID), err)
	}
	if err != nil {
		return nil, noiderr.Wrap(noiderr.ErrStorage, "read vm record", err)
	}
	return v, nil
}

// List returns every VM record owned by userID.
func (c *Catalog) List(userID string) ([]types.VmInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(
		`SELECT user_id, name, cpus, mem_mib, kernel_path, rootfs_path, net_index, tap_name, guest_ip, host_ip, mac, pid, control_sock_path, state, created_at
		 FROM vms WHERE user_id = ? ORDER BY name`, userID)
	if err != nil {
		return nil, noiderr.Wrap(noiderr.ErrStorage, "list vms", err)
	}
	defer rows.Close()

	var out []types.VmInfo
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, noiderr.Wrap(noiderr.ErrStorage, "scan vm row", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// ListAll returns every VM record across all users, used by the startup
// orphan-reconciliation sweep.
func (c *Catalog) ListAll() ([]types.VmInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(
		`SELECT user_id, name, cpus, mem_mib, kernel_path, rootfs_path, net_index, tap_name, guest_ip, host_ip, mac, pid, control_sock_path, state, created_at
		 FROM vms ORDER BY user_id, name`)
	if err != nil {
		return nil, noiderr.Wrap(noiderr.ErrStorage, "list all vms", err)
	}
	defer rows.Close()

	var out []types.VmInfo
	for rows.Next() {
		v, err := scanVM(rows)
		if err != nil {
			return nil, noiderr.Wrap(noiderr.ErrStorage, "scan vm row", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// Delete removes a VM record and cascades to its checkpoints.
func (c *Catalog) Delete(userID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.Begin()
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "begin delete transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE user_id = ? AND vm_name = ?`, userID, name); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "cascade delete checkpoints", err)
	}
	if _, err := tx.Exec(`DELETE FROM vms WHERE user_id = ? AND name = ?`, userID, name); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "delete vm record", err)
	}
	return tx.Commit()
}

// InsertCreatingAllocatingIndex atomically scans for the first unused net
// index and inserts a new VM record reserving it, so that two concurrent
// creates can never be handed the same index. Returns ResourceExhausted if
// every index in [0, maxIndex) is in use, NameConflict if (user_id, name)
// already exists. If attachNetworking is false, the record is inserted
// with a null net_index instead (graceful degradation when netd is
// unreachable).
func (c *Catalog) InsertCreatingAllocatingIndex(userID, name string, cpus, memMiB int, kernelPath, rootfsPath string, maxIndex int, attachNetworking bool) (*types.VmInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var netIndex *int
	if attachNetworking {
		rows, err := c.db.Query(`SELECT net_index FROM vms WHERE net_index IS NOT NULL`)
		if err != nil {
			return nil, noiderr.Wrap(noiderr.ErrStorage, "scan net indexes", err)
		}
		used := make(map[int]bool)
		for rows.Next() {
			var idx int
			if err := rows.Scan(&idx); err != nil {
				rows.Close()
				return nil, noiderr.Wrap(noiderr.ErrStorage, "scan net index row", err)
			}
			used[idx] = true
		}
		rows.Close()

		found := -1
		for i := 0; i < maxIndex; i++ {
			if !used[i] {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, noiderr.Wrap(noiderr.ErrResourceExhausted, "out of net indexes", fmt.Errorf("all %d indexes in use", maxIndex))
		}
		netIndex = &found
	}

	now := time.Now().UTC()
	_, err := c.db.Exec(
		`INSERT INTO vms (user_id, name, cpus, mem_mib, kernel_path, rootfs_path, net_index, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, name, cpus, memMiB, kernelPath, rootfsPath, nullableInt(netIndex), string(types.VMStateCreating), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraint(err) {
			return nil, noiderr.Wrap(noiderr.ErrNameConflict, fmt.Sprintf("vm %s already exists for user %s", name, userID), err)
		}
		return nil, noiderr.Wrap(noiderr.ErrStorage, "insert vm record", err)
	}

	return &types.VmInfo{
		UserID:     userID,
		Name:       name,
		Cpus:       cpus,
		MemMiB:     memMiB,
		KernelPath: kernelPath,
		RootfsPath: rootfsPath,
		NetIndex:   netIndex,
		State:      types.VMStateCreating,
		CreatedAt:  now,
	}, nil
}

// InsertCheckpoint records a new, immutable checkpoint.
func (c *Catalog) InsertCheckpoint(ck types.CheckpointInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		`INSERT INTO checkpoints (id, user_id, vm_name, label, snapshot_dir, cpus, mem_mib, kernel_path, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ck.ID, ck.UserID, ck.VMName, ck.Label, ck.SnapshotDir, ck.Cpus, ck.MemMiB, ck.KernelPath, ck.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	)
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "insert checkpoint record", err)
	}
	return nil
}

// ListCheckpoints returns every checkpoint for (userID, vmName), oldest first.
func (c *Catalog) ListCheckpoints(userID, vmName string) ([]types.CheckpointInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(
		`SELECT id, user_id, vm_name, label, snapshot_dir, cpus, mem_mib, kernel_path, created_at FROM checkpoints
		 WHERE user_id = ? AND vm_name = ? ORDER BY created_at`, userID, vmName)
	if err != nil {
		return nil, noiderr.Wrap(noiderr.ErrStorage, "list checkpoints", err)
	}
	defer rows.Close()

	var out []types.CheckpointInfo
	for rows.Next() {
		var ck types.CheckpointInfo
		var label sql.NullString
		var createdAt string
		if err := rows.Scan(&ck.ID, &ck.UserID, &ck.VMName, &label, &ck.SnapshotDir, &ck.Cpus, &ck.MemMiB, &ck.KernelPath, &createdAt); err != nil {
			return nil, noiderr.Wrap(noiderr.ErrStorage, "scan checkpoint row", err)
		}
		ck.Label = label.String
		ck.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, ck)
	}
	return out, rows.Err()
}

// GetCheckpoint looks up a single checkpoint by id.
func (c *Catalog) GetCheckpoint(userID, id string) (*types.CheckpointInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRow(
		`SELECT id, user_id, vm_name, label, snapshot_dir, cpus, mem_mib, kernel_path, created_at FROM checkpoints WHERE user_id = ? AND id = ?`,
		userID, id)
	var ck types.CheckpointInfo
	var label sql.NullString
	var createdAt string
	if err := row.Scan(&ck.ID, &ck.UserID, &ck.VMName, &label, &ck.SnapshotDir, &ck.Cpus, &ck.MemMiB, &ck.KernelPath, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, noiderr.Wrap(noiderr.ErrNotFound, fmt.Sprintf("checkpoint %s not found", id), err)
		}
		return nil, noiderr.Wrap(noiderr.ErrStorage, "read checkpoint record", err)
	}
	ck.Label = label.String
	ck.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &ck, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVM(row rowScanner) (*types.VmInfo, error) {
	var v types.VmInfo
	var netIndex sql.NullInt64
	var tapName, guestIP, hostIP, mac, sockPath sql.NullString
	var pid sql.NullInt64
	var state, createdAt string

	if err := row.Scan(
		&v.UserID, &v.Name, &v.Cpus, &v.MemMiB, &v.KernelPath, &v.RootfsPath,
		&netIndex, &tapName, &guestIP, &hostIP, &mac, &pid, &sockPath, &state, &createdAt,
	); err != nil {
		return nil, err
	}

	if netIndex.Valid {
		n := int(netIndex.Int64)
		v.NetIndex = &n
	}
	v.TapName = tapName.String
	v.GuestIP = guestIP.String
	v.HostIP = hostIP.String
	v.MAC = mac.String
	v.PID = int(pid.Int64)
	v.ControlSockPath = sockPath.String
	v.State = types.VMState(state)
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &v, nil
}

func nullableInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func checkAffected(res sql.Result, name string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "check rows affected", err)
	}
	if n == 0 {
		return noiderr.Wrap(noiderr.ErrNotFound, fmt.Sprintf("vm %s not found", name), sql.ErrNoRows)
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
