// Package diskstore owns the on-disk layout for VM and checkpoint
// directories. It probes the storage root's filesystem type once at
// startup and picks a copy-on-write fast path (reflink) when available,
// falling back to whole-file copies otherwise. Every destructive operation
// is idempotent: an absent target counts as success.
package diskstore

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/noidvm/noid/internal/logging"
	"github.com/noidvm/noid/internal/noiderr"
)

var log = logging.New("diskstore")

// btrfsMagic and xfsMagic are the f_type values Statfs reports for
// filesystems this package treats as reflink-capable.
const (
	btrfsMagic = 0x9123683e
	xfsMagic   = 0x58465342
)

// Store is the filesystem-backed home for one data directory.
type Store struct {
	root      string
	reflinkOK bool
}

// Open probes root's filesystem type and returns a Store bound to it.
// root need not exist yet; it is created if absent.
func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, noiderr.Wrap(noiderr.ErrStorage, "create data root", err)
	}

	var stat unix.Statfs_t
	reflinkOK := false
	if err := unix.Statfs(root, &stat); err == nil {
		switch uint32(stat.Type) {
		case btrfsMagic, xfsMagic:
			reflinkOK = true
		}
	}
	log.Printf("storage backend for %s: reflink=%v", root, reflinkOK)

	return &Store{root: root, reflinkOK: reflinkOK}, nil
}

// Root returns the data directory this store is rooted at.
func (s *Store) Root() string {
	return s.root
}

// UserDir returns .../users/{user_id}.
func (s *Store) UserDir(userID string) string {
	return filepath.Join(s.root, "users", userID)
}

// VMDir returns .../users/{user_id}/vms/{name}.
func (s *Store) VMDir(userID, name string) string {
	return filepath.Join(s.UserDir(userID), "vms", name)
}

// CheckpointDir returns .../users/{user_id}/checkpoints/{name}/{checkpoint_id}.
func (s *Store) CheckpointDir(userID, name, checkpointID string) string {
	return filepath.Join(s.UserDir(userID), "checkpoints", name, checkpointID)
}

// CreateVMDir makes the VM's directory.
func (s *Store) CreateVMDir(userID, name string) (string, error) {
	dir := s.VMDir(userID, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", noiderr.Wrap(noiderr.ErrStorage, "create vm dir", err)
	}
	return dir, nil
}

// CloneRootfsFromBase copies baseImage into the VM dir as "rootfs", using a
// reflink when the backend supports it.
func (s *Store) CloneRootfsFromBase(baseImage, vmDir string) (string, error) {
	dest := filepath.Join(vmDir, "rootfs")
	if err := s.copyFile(baseImage, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// MakeNamedPipe creates the serial.in FIFO inside vmDir.
func (s *Store) MakeNamedPipe(vmDir string) (string, error) {
	path := filepath.Join(vmDir, "serial.in")
	if err := unix.Mkfifo(path, 0o600); err != nil && !os.IsExist(err) {
		return "", noiderr.Wrap(noiderr.ErrStorage, "create serial.in fifo", err)
	}
	return path, nil
}

// SerialInPath returns the serial.in fifo path for vmDir without creating
// it, for callers that only need to reopen an already-provisioned pipe.
func (s *Store) SerialInPath(vmDir string) string {
	return filepath.Join(vmDir, "serial.in")
}

// SerialLogPath returns the append-only serial.log path for vmDir.
func (s *Store) SerialLogPath(vmDir string) string {
	return filepath.Join(vmDir, "serial.log")
}

// ControlSockPath returns the control socket path for vmDir.
func (s *Store) ControlSockPath(vmDir string) string {
	return filepath.Join(vmDir, "api.sock")
}

// SnapshotVMDir copies vmDir into checkpointDir, using the fast path when
// available: a recursive reflink copy (cp --reflink=auto) on a
// reflink-capable backend, a plain recursive copy otherwise. No subvolume
// snapshot is taken, and the copy is not made read-only.
func (s *Store) SnapshotVMDir(vmDir, checkpointDir string) error {
	if err := os.MkdirAll(filepath.Dir(checkpointDir), 0o755); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "create checkpoint parent dir", err)
	}
	if s.reflinkOK {
		if err := s.reflinkTree(vmDir, checkpointDir); err == nil {
			return nil
		}
		log.Printf("reflink snapshot of %s failed, falling back to full copy", vmDir)
	}
	return s.copyTree(vmDir, checkpointDir)
}

// CloneCheckpointDir copies checkpointDir into a fresh vmDir for restore.
func (s *Store) CloneCheckpointDir(checkpointDir, vmDir string) error {
	if err := os.MkdirAll(filepath.Dir(vmDir), 0o755); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "create vm parent dir", err)
	}
	if s.reflinkOK {
		if err := s.reflinkTree(checkpointDir, vmDir); err == nil {
			return nil
		}
		log.Printf("reflink clone of %s failed, falling back to full copy", checkpointDir)
	}
	return s.copyTree(checkpointDir, vmDir)
}

// CloneGoldenRootfs copies a golden template's rootfs image into vmDir,
// which must already exist.
func (s *Store) CloneGoldenRootfs(templateDir, vmDir string) error {
	return s.copyFile(filepath.Join(templateDir, "rootfs"), filepath.Join(vmDir, "rootfs"))
}

// DeleteVMDir removes a VM directory. Absent target counts as success.
func (s *Store) DeleteVMDir(vmDir string) error {
	if err := os.RemoveAll(vmDir); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "delete vm dir", err)
	}
	return nil
}

// DeleteCheckpointDir removes a checkpoint directory. Absent target counts
// as success.
func (s *Store) DeleteCheckpointDir(checkpointDir string) error {
	if err := os.RemoveAll(checkpointDir); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "delete checkpoint dir", err)
	}
	return nil
}

func (s *Store) copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "create rootfs parent dir", err)
	}
	if s.reflinkOK {
		cmd := exec.Command("cp", "--reflink=auto", src, dest)
		if out, err := cmd.CombinedOutput(); err == nil {
			return nil
		} else {
			log.Printf("reflink copy %s -> %s failed, falling back: %s", src, dest, strings.TrimSpace(string(out)))
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "open base image", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "create rootfs copy", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, "copy rootfs", err)
	}
	return nil
}

func (s *Store) reflinkTree(src, dest string) error {
	cmd := exec.Command("cp", "-a", "--reflink=auto", src, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("reflink tree copy: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Store) copyTree(src, dest string) error {
	cmd := exec.Command("cp", "-a", src, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return noiderr.Wrap(noiderr.ErrStorage, fmt.Sprintf("recursive copy %s -> %s: %s", src, dest, strings.TrimSpace(string(out))), err)
	}
	return nil
}
