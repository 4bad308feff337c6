package diskstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateVMDirAndPipe(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	dir, err := s.CreateVMDir("u1", "alpha")
	if err != nil {
		t.Fatalf("CreateVMDir returned error: %v", err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("expected vm dir to exist, got err=%v", err)
	}

	pipePath, err := s.MakeNamedPipe(dir)
	if err != nil {
		t.Fatalf("MakeNamedPipe returned error: %v", err)
	}
	fi, err := os.Stat(pipePath)
	if err != nil {
		t.Fatalf("stat fifo: %v", err)
	}
	if fi.Mode()&os.ModeNamedPipe == 0 {
		t.Errorf("expected %s to be a named pipe, mode=%v", pipePath, fi.Mode())
	}
}

func TestCloneRootfsFromBase(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	base := filepath.Join(root, "base.ext4")
	if err := os.WriteFile(base, []byte("fake rootfs contents"), 0o644); err != nil {
		t.Fatalf("write base image: %v", err)
	}

	dir, _ := s.CreateVMDir("u1", "alpha")
	dest, err := s.CloneRootfsFromBase(base, dir)
	if err != nil {
		t.Fatalf("CloneRootfsFromBase returned error: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read cloned rootfs: %v", err)
	}
	if string(got) != "fake rootfs contents" {
		t.Errorf("unexpected cloned rootfs contents: %q", got)
	}
}

func TestDeleteVMDirIdempotent(t *testing.T) {
	root := t.TempDir()
	s, _ := Open(root)
	dir, _ := s.CreateVMDir("u1", "alpha")

	if err := s.DeleteVMDir(dir); err != nil {
		t.Fatalf("first delete returned error: %v", err)
	}
	// Deleting an already-absent directory must still succeed.
	if err := s.DeleteVMDir(dir); err != nil {
		t.Fatalf("second delete returned error: %v", err)
	}
}

func TestSnapshotAndCloneRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, _ := Open(root)

	vmDir, _ := s.CreateVMDir("u1", "alpha")
	if err := os.WriteFile(filepath.Join(vmDir, "rootfs"), []byte("contents"), 0o644); err != nil {
		t.Fatalf("seed vm dir: %v", err)
	}

	ckDir := s.CheckpointDir("u1", "alpha", "deadbeefcafebabe")
	if err := s.SnapshotVMDir(vmDir, ckDir); err != nil {
		t.Fatalf("SnapshotVMDir returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ckDir, "rootfs")); err != nil {
		t.Fatalf("expected rootfs in checkpoint dir: %v", err)
	}

	restoredDir := s.VMDir("u1", "alpha-clone")
	if err := s.CloneCheckpointDir(ckDir, restoredDir); err != nil {
		t.Fatalf("CloneCheckpointDir returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(restoredDir, "rootfs")); err != nil {
		t.Fatalf("expected rootfs in restored vm dir: %v", err)
	}
}
