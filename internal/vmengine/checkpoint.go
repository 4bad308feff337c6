package vmengine

import (
	"time"

	"github.com/noidvm/noid/internal/addressing"
	"github.com/noidvm/noid/internal/hypervisor"
	"github.com/noidvm/noid/internal/metrics"
	"github.com/noidvm/noid/internal/noiderr"
	"github.com/noidvm/noid/pkg/types"
)

// Checkpoint pauses a running VM, snapshots it, copies the result into a
// new checkpoint directory, and resumes the VM. If anything fails after
// the pause, Checkpoint attempts to resume before returning the error so
// the VM is never left Paused.
func (e *Engine) Checkpoint(userID, name, label string) (_ *types.CheckpointInfo, err error) {
	mu := e.lockFor(userID, name)
	mu.Lock()
	defer mu.Unlock()

	started := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.CheckpointDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
	}()

	vm, err := e.cat.Get(userID, name)
	if err != nil {
		return nil, err
	}
	if vm.State != types.VMStateRunning {
		return nil, noiderr.Wrap(noiderr.ErrNotRunning, "vm is not running", errNotRunning)
	}
	cpus, memMiB, kernelPath := vm.Cpus, vm.MemMiB, vm.KernelPath

	driver := hypervisor.NewDriver(vm.ControlSockPath, e.cfg.ControlSocketDialTimeout)
	if err = driver.Pause(); err != nil {
		return nil, err
	}
	if perr := e.cat.MarkState(userID, name, types.VMStatePaused); perr != nil {
		log.Printf("mark vm paused during checkpoint: %v", perr)
	}

	resumeOnFailure := func() {
		if rerr := driver.Resume(); rerr != nil {
			log.Printf("resume after failed checkpoint of %s/%s: %v", userID, name, rerr)
		}
		if perr := e.cat.MarkState(userID, name, types.VMStateRunning); perr != nil {
			log.Printf("mark vm running after failed checkpoint: %v", perr)
		}
	}

	id, err := newCheckpointID()
	if err != nil {
		resumeOnFailure()
		return nil, err
	}

	vmDir := e.store.VMDir(userID, name)
	memFile := vmDir + "/memory.snap"
	stateFile := vmDir + "/vmstate.snap"
	if err = driver.SnapshotCreate(stateFile, memFile); err != nil {
		resumeOnFailure()
		return nil, err
	}

	// SnapshotVMDir copies the VM dir verbatim, so memory.snap/vmstate.snap
	// land in the checkpoint dir under the same names Restore expects
	// (spec.md §4.2's checkpoint directory contents).
	ckDir := e.store.CheckpointDir(userID, name, id)
	if err = e.store.SnapshotVMDir(vmDir, ckDir); err != nil {
		resumeOnFailure()
		return nil, err
	}

	if err = driver.Resume(); err != nil {
		return nil, err
	}
	if perr := e.cat.MarkState(userID, name, types.VMStateRunning); perr != nil {
		log.Printf("mark vm running after checkpoint: %v", perr)
	}

	ck := types.CheckpointInfo{
		ID:          id,
		UserID:      userID,
		VMName:      name,
		Label:       label,
		SnapshotDir: ckDir,
		Cpus:        cpus,
		MemMiB:      memMiB,
		KernelPath:  kernelPath,
		CreatedAt:   time.Now().UTC(),
	}
	if err = e.cat.InsertCheckpoint(ck); err != nil {
		return nil, err
	}
	return &ck, nil
}

// ListCheckpoints returns every checkpoint recorded for (userID, name).
func (e *Engine) ListCheckpoints(userID, name string) ([]types.CheckpointInfo, error) {
	return e.cat.ListCheckpoints(userID, name)
}

// Restore boots a VM from a checkpoint. If asName is non-empty, the
// checkpoint is cloned under a new name (the source VM is untouched);
// otherwise the current VM under sourceVM's name is destroyed first and
// restored in place under the same name. A clone always gets a fresh
// tap/IP, since the old one may already be in use by the still-running
// source VM.
func (e *Engine) Restore(userID, sourceVM, checkpointID, asName string) (_ *types.VmInfo, err error) {
	ck, err := e.cat.GetCheckpoint(userID, checkpointID)
	if err != nil {
		return nil, err
	}

	targetName := asName
	if targetName == "" {
		targetName = sourceVM
		if derr := e.Destroy(userID, sourceVM); derr != nil {
			return nil, derr
		}
	}

	mu := e.lockFor(userID, targetName)
	mu.Lock()
	defer mu.Unlock()

	var rollback []func()
	defer func() {
		if err != nil {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
		}
	}()

	// The checkpoint carries its own cpus/mem/kernel, recorded at Checkpoint
	// time, so restore never depends on the source VM record still existing.
	attachNetworking := e.netd != nil && e.netd.Reachable()
	vm, err := e.cat.InsertCreatingAllocatingIndex(userID, targetName, ck.Cpus, ck.MemMiB, ck.KernelPath, ck.SnapshotDir+"/rootfs", addressing.MaxNetIndex, attachNetworking)
	if err != nil {
		return nil, err
	}
	rollback = append(rollback, func() {
		if derr := e.cat.Delete(userID, targetName); derr != nil {
			log.Printf("rollback: delete vm record %s/%s: %v", userID, targetName, derr)
		}
	})

	vmDir := e.store.VMDir(userID, targetName)
	if err = e.store.CloneCheckpointDir(ck.SnapshotDir, vmDir); err != nil {
		return nil, err
	}
	rollback = append(rollback, func() {
		if derr := e.store.DeleteVMDir(vmDir); derr != nil {
			log.Printf("rollback: delete vm dir %s: %v", vmDir, derr)
		}
	})

	serialInPath, err := e.store.MakeNamedPipe(vmDir)
	if err != nil {
		return nil, err
	}
	serialLogPath := e.store.SerialLogPath(vmDir)

	var addr addressing.Addr
	var tapName string
	if vm.NetIndex != nil {
		metrics.NetIndexesUsed.Inc()
		rollback = append(rollback, metrics.NetIndexesUsed.Dec)

		addr, err = addressing.Derive(*vm.NetIndex)
		if err != nil {
			return nil, err
		}
		tapName, err = e.netd.SetupTap(*vm.NetIndex, userID, targetName)
		if err != nil {
			log.Printf("setup_tap failed for restore %s/%s: %v", userID, targetName, err)
			tapName = ""
		} else {
			idx := *vm.NetIndex
			rollback = append(rollback, func() {
				if derr := e.netd.TeardownTap(idx); derr != nil {
					log.Printf("rollback: teardown tap for index %d: %v", idx, derr)
				}
			})
		}
	}

	sockPath := e.store.ControlSockPath(vmDir)
	proc, err := hypervisor.Spawn(hypervisor.SpawnConfig{
		Bin:           e.cfg.FirecrackerBin,
		ControlSock:   sockPath,
		SerialInPath:  serialInPath,
		SerialLogPath: serialLogPath,
	})
	if err != nil {
		return nil, err
	}
	rollback = append(rollback, func() {
		hypervisor.Shutdown(proc.PID, e.cfg.ShutdownGrace)
		proc.Close()
	})

	if err = hypervisor.WaitForSocket(sockPath, e.cfg.ControlSocketDialTimeout); err != nil {
		return nil, err
	}

	driver := hypervisor.NewDriver(sockPath, e.cfg.ControlSocketDialTimeout)
	memFile := vmDir + "/memory.snap"
	stateFile := vmDir + "/vmstate.snap"
	if err = driver.SnapshotLoad(stateFile, memFile); err != nil {
		return nil, err
	}
	// The restored memory image carries the source VM's rootfs backing
	// path and, for a clone, its stale network configuration; repoint the
	// drive at the freshly cloned rootfs so writes land in the new VM dir.
	if err = driver.PatchDriveRootfs(vmDir + "/rootfs"); err != nil {
		return nil, err
	}

	guestIP, hostIP, mac := "", "", ""
	if tapName != "" {
		guestIP, hostIP, mac = addr.GuestIP, addr.HostIP, addr.MAC
	}
	if err = e.cat.MarkRunning(userID, targetName, proc.PID, sockPath, tapName, guestIP, hostIP, mac); err != nil {
		return nil, err
	}

	metrics.VMsRunning.Inc()
	return e.cat.Get(userID, targetName)
}
