package vmengine

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noidvm/noid/internal/hypervisor"
	"github.com/noidvm/noid/internal/metrics"
	"github.com/noidvm/noid/pkg/types"
)

// Reconcile runs the startup sweep: VM records whose hypervisor pid is no
// longer alive are marked Dead, tap devices netd knows about but that no
// live VM record claims are torn down, and VM directories on disk that
// don't correspond to any catalog record are quarantined (renamed aside,
// never deleted — an operator may still want to inspect them).
func (e *Engine) Reconcile() error {
	vms, err := e.cat.ListAll()
	if err != nil {
		return err
	}

	liveTaps := make(map[string]bool)
	liveDirs := make(map[string]bool)
	for _, vm := range vms {
		liveDirs[lockKey(vm.UserID, vm.Name)] = true
		if vm.State == types.VMStateRunning || vm.State == types.VMStatePaused {
			if !hypervisor.Alive(vm.PID) {
				log.Printf("reconcile: vm %s/%s pid %d is dead, marking Dead", vm.UserID, vm.Name, vm.PID)
				if err := e.cat.MarkState(vm.UserID, vm.Name, types.VMStateDead); err != nil {
					log.Printf("reconcile: mark %s/%s dead: %v", vm.UserID, vm.Name, err)
				}
				metrics.OrphansReconciledTotal.WithLabelValues("dead_vm").Inc()
				continue
			}
			if vm.TapName != "" {
				liveTaps[vm.TapName] = true
			}
		}
	}

	var g errgroup.Group
	g.Go(func() error { e.reconcileTaps(liveTaps); return nil })
	g.Go(func() error { e.reconcileDirs(liveDirs); return nil })
	return g.Wait()
}

func (e *Engine) reconcileTaps(liveTaps map[string]bool) {
	if e.netd == nil || !e.netd.Reachable() {
		return
	}
	orphans, err := e.netd.ListOrphans()
	if err != nil {
		log.Printf("reconcile: list_orphans: %v", err)
		return
	}
	for _, tap := range orphans {
		if liveTaps[tap] {
			continue
		}
		idx, ok := parseTapIndex(tap)
		if !ok {
			continue
		}
		if err := e.netd.TeardownTap(idx); err != nil {
			log.Printf("reconcile: teardown orphan tap %s: %v", tap, err)
			continue
		}
		metrics.OrphansReconciledTotal.WithLabelValues("orphan_tap").Inc()
	}
}

func parseTapIndex(tap string) (int, bool) {
	suffix := strings.TrimPrefix(tap, "noid")
	if suffix == tap {
		return 0, false
	}
	idx, err := strconv.Atoi(suffix)
	if err != nil {
		return 0, false
	}
	return idx, true
}

func (e *Engine) reconcileDirs(liveDirs map[string]bool) {
	usersRoot := filepath.Join(e.store.Root(), "users")
	userEntries, err := os.ReadDir(usersRoot)
	if err != nil {
		return
	}
	for _, ue := range userEntries {
		if !ue.IsDir() {
			continue
		}
		userID := ue.Name()
		vmsRoot := filepath.Join(usersRoot, userID, "vms")
		vmEntries, err := os.ReadDir(vmsRoot)
		if err != nil {
			continue
		}
		for _, ve := range vmEntries {
			if !ve.IsDir() || strings.HasPrefix(ve.Name(), "quarantined-") {
				continue
			}
			if liveDirs[lockKey(userID, ve.Name())] {
				continue
			}
			src := filepath.Join(vmsRoot, ve.Name())
			dst := filepath.Join(vmsRoot, "quarantined-"+ve.Name()+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))
			if err := os.Rename(src, dst); err != nil {
				log.Printf("reconcile: quarantine orphan dir %s: %v", src, err)
				continue
			}
			log.Printf("reconcile: quarantined untracked vm dir %s -> %s", src, dst)
			metrics.OrphansReconciledTotal.WithLabelValues("orphan_dir").Inc()
		}
	}
}
