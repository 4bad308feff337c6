package vmengine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/noidvm/noid/internal/addressing"
	"github.com/noidvm/noid/internal/hypervisor"
)

// goldenTemplateConfig mirrors the config.json a golden template directory
// must carry alongside its memory.snap/vmstate.snap/rootfs.
type goldenTemplateConfig struct {
	Cpus               int    `json:"cpus"`
	MemMiB             int    `json:"mem_mib"`
	SnapshotRootfsPath string `json:"snapshot_rootfs_path"`
}

// goldenTemplate loads and validates the configured golden template,
// returning ok=false (never an error) if it's absent, partial, or doesn't
// match the requested shape — any of which just means the caller should
// fall back to a cold boot.
func (e *Engine) goldenTemplate(cpus, memMiB int) (dir string, cfg goldenTemplateConfig, ok bool) {
	if e.cfg.GoldenTemplateDir == "" {
		return "", goldenTemplateConfig{}, false
	}
	dir = e.cfg.GoldenTemplateDir
	for _, f := range []string{"memory.snap", "vmstate.snap", "rootfs", "config.json"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			return "", goldenTemplateConfig{}, false
		}
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return "", goldenTemplateConfig{}, false
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return "", goldenTemplateConfig{}, false
	}
	if cfg.Cpus != cpus || cfg.MemMiB != memMiB {
		return "", goldenTemplateConfig{}, false
	}
	return dir, cfg, true
}

// postRestoreFixup issues a best-effort guest command to set the clock
// from host wall time and reassign the network interface to the freshly
// allocated IP, since a restored memory image carries the template's
// stale clock and address. Failures are logged, never fatal.
func (e *Engine) postRestoreFixup(userID, name string, addr addressing.Addr, networked bool) {
	ch := e.serialChannel(userID, name)
	cmd := []string{"date", "-s", "@" + formatUnix(time.Now())}
	if _, err := ch.Exec(cmd, nil, 5*time.Second); err != nil {
		log.Printf("post-restore clock fixup for %s/%s: %v (best-effort)", userID, name, err)
	}
	if networked {
		netCmd := []string{"ip", "addr", "flush", "dev", "eth0"}
		if _, err := ch.Exec(netCmd, nil, 5*time.Second); err != nil {
			log.Printf("post-restore network flush for %s/%s: %v (best-effort)", userID, name, err)
		}
		netCmd = []string{"ip", "addr", "add", addr.GuestIP + "/30", "dev", "eth0"}
		if _, err := ch.Exec(netCmd, nil, 5*time.Second); err != nil {
			log.Printf("post-restore network reconfigure for %s/%s: %v (best-effort)", userID, name, err)
		}
	}
}

func formatUnix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// bootFromGoldenTemplate clones the template rootfs, spawns the hypervisor,
// and executes the restore path instead of configure-and-boot. It returns
// the same (proc, driver) pair as Create's cold-boot branch so its common tail
// (catalog update, metrics) applies unchanged.
func (e *Engine) bootFromGoldenTemplate(templateDir string, cfg goldenTemplateConfig, vmDir, sockPath, serialInPath, serialLogPath string) (*hypervisor.Process, *hypervisor.Driver, error) {
	if err := e.store.CloneGoldenRootfs(templateDir, vmDir); err != nil {
		return nil, nil, err
	}

	proc, err := hypervisor.Spawn(hypervisor.SpawnConfig{
		Bin:           e.cfg.FirecrackerBin,
		ControlSock:   sockPath,
		SerialInPath:  serialInPath,
		SerialLogPath: serialLogPath,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := hypervisor.WaitForSocket(sockPath, e.cfg.ControlSocketDialTimeout); err != nil {
		proc.Close()
		return nil, nil, err
	}

	driver := hypervisor.NewDriver(sockPath, e.cfg.ControlSocketDialTimeout)
	if err := driver.SnapshotLoad(filepath.Join(templateDir, "vmstate.snap"), filepath.Join(templateDir, "memory.snap")); err != nil {
		proc.Close()
		return nil, nil, err
	}
	if err := driver.PatchDriveRootfs(filepath.Join(vmDir, "rootfs")); err != nil {
		proc.Close()
		return nil, nil, err
	}
	return proc, driver, nil
}
