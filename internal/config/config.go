// Package config loads VM Engine configuration from the process
// environment, with sensible defaults for local/dev use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all configuration for the noid VM Engine.
type Config struct {
	// DataDir is the root of the on-disk layout (spec.md §4.2):
	// {DataDir}/users/{user_id}/vms/... and {DataDir}/users/{user_id}/checkpoints/...
	DataDir string

	// KernelPath is the absolute path to the guest kernel image.
	KernelPath string
	// ImagesDir is the directory of base rootfs images. The engine does not
	// read it: Create always takes an explicit rootfs path.
	ImagesDir string
	// FirecrackerBin is the hypervisor binary name or path.
	FirecrackerBin string

	// NetdSock is the Unix socket path of the privileged network helper.
	NetdSock string

	// GoldenTemplateDir, if set, is probed for the golden-start optimization
	// (spec.md §4.7). Empty disables it.
	GoldenTemplateDir string

	// DefaultExecTimeout bounds exec when the caller doesn't specify one.
	DefaultExecTimeout time.Duration

	// ControlSocketDialTimeout bounds how long the driver waits for the
	// hypervisor's control socket to become connectable after spawn.
	ControlSocketDialTimeout time.Duration

	// ShutdownGrace is how long destroy waits after SIGTERM before SIGKILL.
	ShutdownGrace time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	dataDir := envOrDefault("NOID_DATA_DIR", "/var/lib/noid")

	execTimeout, err := envOrDefaultSeconds("NOID_EXEC_TIMEOUT_SECONDS", 30*time.Second)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := envOrDefaultSeconds("NOID_CONTROL_SOCKET_TIMEOUT_SECONDS", 5*time.Second)
	if err != nil {
		return nil, err
	}
	shutdownGrace, err := envOrDefaultMillis("NOID_SHUTDOWN_GRACE_MS", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:        dataDir,
		KernelPath:     envOrDefault("NOID_KERNEL_PATH", filepath.Join(dataDir, "kernel", "vmlinux")),
		ImagesDir:      envOrDefault("NOID_ROOTFS_IMAGES_DIR", filepath.Join(dataDir, "images")),
		FirecrackerBin: envOrDefault("NOID_FIRECRACKER_BIN", "firecracker"),

		NetdSock: envOrDefault("NOID_NETD_SOCK", "/run/noid/netd.sock"),

		GoldenTemplateDir: os.Getenv("NOID_GOLDEN_TEMPLATE_DIR"),

		DefaultExecTimeout:       execTimeout,
		ControlSocketDialTimeout: dialTimeout,
		ShutdownGrace:            shutdownGrace,
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envOrDefaultSeconds(key string, fallback time.Duration) (time.Duration, error) {
	n, err := envOrDefaultInt(key, 0)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return fallback, nil
	}
	return time.Duration(n) * time.Second, nil
}

func envOrDefaultMillis(key string, fallback time.Duration) (time.Duration, error) {
	n, err := envOrDefaultInt(key, 0)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return fallback, nil
	}
	return time.Duration(n) * time.Millisecond, nil
}
