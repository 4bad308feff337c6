// Package vmengine is the Backend Facade: the single operation surface
// external callers use to create, inspect, destroy, exec into, attach a
// console to, checkpoint, and restore VMs. It is the sole mutator of VM
// state — every multi-step transition is performed under a per-(user,
// name) lock and rolled back best-effort on failure.
package vmengine

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noidvm/noid/internal/addressing"
	"github.com/noidvm/noid/internal/catalog"
	"github.com/noidvm/noid/internal/config"
	"github.com/noidvm/noid/internal/diskstore"
	"github.com/noidvm/noid/internal/hypervisor"
	"github.com/noidvm/noid/internal/logging"
	"github.com/noidvm/noid/internal/metrics"
	"github.com/noidvm/noid/internal/netd"
	"github.com/noidvm/noid/internal/noiderr"
	"github.com/noidvm/noid/internal/serial"
	"github.com/noidvm/noid/pkg/types"
)

var log = logging.New("vmengine")

// Engine is the Backend Facade.
type Engine struct {
	cfg   *config.Config
	cat   *catalog.Catalog
	store *diskstore.Store
	netd  *netd.Client

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New wires the facade to its dependencies. Callers own their lifetimes;
// Engine holds no resources of its own and has no Close method.
func New(cfg *config.Config, cat *catalog.Catalog, store *diskstore.Store, netdClient *netd.Client) *Engine {
	return &Engine{
		cfg:   cfg,
		cat:   cat,
		store: store,
		netd:  netdClient,
		locks: make(map[string]*sync.Mutex),
	}
}

func lockKey(userID, name string) string {
	return userID + "/" + name
}

// lockFor returns the mutex for (userID, name), creating it on first use.
// The map itself is guarded separately from the per-VM mutexes it holds so
// that acquiring one VM's lock never blocks on another's.
func (e *Engine) lockFor(userID, name string) *sync.Mutex {
	key := lockKey(userID, name)
	e.locksMu.Lock()
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	e.locksMu.Unlock()
	return mu
}

// Create provisions a new VM under (userID, name) and boots it.
func (e *Engine) Create(userID, name string, cpus, memMiB int, kernelPath, rootfsPath string) (_ *types.VmInfo, err error) {
	mu := e.lockFor(userID, name)
	mu.Lock()
	defer mu.Unlock()

	started := time.Now()
	var rollback []func()
	defer func() {
		if err != nil {
			for i := len(rollback) - 1; i >= 0; i-- {
				rollback[i]()
			}
			metrics.CreateDuration.WithLabelValues("error").Observe(time.Since(started).Seconds())
		}
	}()

	attachNetworking := e.netd != nil && e.netd.Reachable()
	if !attachNetworking {
		metrics.NetdUnavailableTotal.Inc()
		log.Printf("netd unreachable, creating %s/%s without networking", userID, name)
	}

	vm, err := e.cat.InsertCreatingAllocatingIndex(userID, name, cpus, memMiB, kernelPath, rootfsPath, addressing.MaxNetIndex, attachNetworking)
	if err != nil {
		return nil, err
	}
	rollback = append(rollback, func() {
		if derr := e.cat.Delete(userID, name); derr != nil {
			log.Printf("rollback: delete vm record %s/%s: %v", userID, name, derr)
		}
	})

	vmDir, err := e.store.CreateVMDir(userID, name)
	if err != nil {
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
		tapName, err = e.netd.SetupTap(*vm.NetIndex, userID, name)
		if err != nil {
			log.Printf("setup_tap failed for %s/%s, continuing without networking: %v", userID, name, err)
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
	networked := tapName != ""
	sockPath := e.store.ControlSockPath(vmDir)

	var proc *hypervisor.Process
	var driver *hypervisor.Driver
	templateDir, templateCfg, useGolden := e.goldenTemplate(cpus, memMiB)

	if useGolden {
		proc, driver, err = e.bootFromGoldenTemplate(templateDir, templateCfg, vmDir, sockPath, serialInPath, serialLogPath)
		if err != nil {
			return nil, err
		}
		rollback = append(rollback, func() {
			hypervisor.Shutdown(proc.PID, e.cfg.ShutdownGrace)
			proc.Close()
		})
		if networked {
			e.postRestoreFixup(userID, name, addr, networked)
		}
	} else {
		clonedRootfs, cerr := e.store.CloneRootfsFromBase(rootfsPath, vmDir)
		if cerr != nil {
			return nil, cerr
		}

		proc, err = hypervisor.Spawn(hypervisor.SpawnConfig{
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

		driver = hypervisor.NewDriver(sockPath, e.cfg.ControlSocketDialTimeout)
		if err = driver.PutMachineConfig(cpus, memMiB); err != nil {
			return nil, err
		}

		bootArgs := "console=ttyS0 reboot=k panic=1 pci=off"
		if networked {
			bootArgs += " " + addr.BootArgsFragment()
		}
		if err = driver.PutBootSource(kernelPath, bootArgs); err != nil {
			return nil, err
		}
		if err = driver.PutDriveRootfs(clonedRootfs); err != nil {
			return nil, err
		}
		if networked {
			if err = driver.PutNetworkInterface(tapName, addr.MAC); err != nil {
				return nil, err
			}
		}
		if err = driver.StartInstance(); err != nil {
			return nil, err
		}
	}

	guestIP, hostIP, mac := "", "", ""
	if networked {
		guestIP, hostIP, mac = addr.GuestIP, addr.HostIP, addr.MAC
	}
	if err = e.cat.MarkRunning(userID, name, proc.PID, sockPath, tapName, guestIP, hostIP, mac); err != nil {
		return nil, err
	}

	metrics.VMsRunning.Inc()
	metrics.CreateDuration.WithLabelValues("ok").Observe(time.Since(started).Seconds())

	return e.cat.Get(userID, name)
}

// Destroy tears down and removes a VM. Idempotent: destroying an unknown
// VM is a no-op success, matching the idempotent-destructive-operation
// invariant of the Storage component it drives.
func (e *Engine) Destroy(userID, name string) error {
	mu := e.lockFor(userID, name)
	mu.Lock()
	defer mu.Unlock()

	vm, err := e.cat.Get(userID, name)
	if err != nil {
		if noiderr.IsNotFound(err) {
			return nil
		}
		return err
	}

	if hypervisor.Alive(vm.PID) {
		hypervisor.Shutdown(vm.PID, e.cfg.ShutdownGrace)
	}
	if vm.NetIndex != nil {
		if vm.TapName != "" {
			if err := e.netd.TeardownTap(*vm.NetIndex); err != nil {
				log.Printf("teardown tap for %s/%s index %d: %v (best-effort)", userID, name, *vm.NetIndex, err)
			}
		}
		metrics.NetIndexesUsed.Dec()
	}

	// Checkpoints cascade-delete with their owning VM (spec.md §3); the
	// catalog only drops the rows, so their on-disk directories have to be
	// removed here before (or regardless of) the catalog cascade below.
	checkpoints, err := e.cat.ListCheckpoints(userID, name)
	if err != nil {
		return err
	}
	for _, ck := range checkpoints {
		if err := e.store.DeleteCheckpointDir(ck.SnapshotDir); err != nil {
			return err
		}
	}

	vmDir := e.store.VMDir(userID, name)
	if err := e.store.DeleteVMDir(vmDir); err != nil {
		return err
	}

	if err := e.cat.Delete(userID, name); err != nil {
		return err
	}

	metrics.VMsRunning.Dec()
	return nil
}

// List returns every VM owned by userID without acquiring any per-VM lock.
func (e *Engine) List(userID string) ([]types.VmInfo, error) {
	return e.cat.List(userID)
}

// Info returns a single VM's record without acquiring its lock.
func (e *Engine) Info(userID, name string) (*types.VmInfo, error) {
	return e.cat.Get(userID, name)
}

func (e *Engine) serialChannel(userID, name string) *serial.Channel {
	vmDir := e.store.VMDir(userID, name)
	return serial.New(e.store.SerialInPath(vmDir), e.store.SerialLogPath(vmDir))
}

// newCheckpointID returns a fresh 16-hex-character identifier, drawn from
// the high 8 bytes of a uuid.New() value the same way the teacher derives
// short opaque IDs from uuid elsewhere in the corpus.
func newCheckpointID() (string, error) {
	id := uuid.New()
	return hex.EncodeToString(id[:8]), nil
}
