package hypervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/noidvm/noid/internal/noiderr"
)

// Driver issues the fixed configuration sequence and lifecycle requests
// against one VM's control socket. Each call dials fresh: the control
// socket is not assumed to survive across requests, matching the
// orphaned-handle shutdown model in Shutdown.
type Driver struct {
	sockPath string
	timeout  time.Duration
}

// NewDriver returns a Driver for the control socket at sockPath.
func NewDriver(sockPath string, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Driver{sockPath: sockPath, timeout: timeout}
}

func probeDial(path string) bool {
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// do sends a single hand-rolled HTTP/1.1 request over a fresh connection to
// the control socket and returns the status code and response body. No
// HTTP client library is used: the control socket dialect is small enough
// (single request/response, Content-Length framed, no chunking) that a raw
// implementation is simpler than pulling in net/http's server-oriented
// machinery for a one-shot Unix-socket client.
func (d *Driver) do(method, path string, body any) (int, []byte, error) {
	conn, err := net.DialTimeout("unix", d.sockPath, d.timeout)
	if err != nil {
		return 0, nil, noiderr.Wrap(noiderr.ErrHypervisor, "dial control socket", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(d.timeout))

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return 0, nil, noiderr.Wrap(noiderr.ErrHypervisor, "encode request body", err)
		}
	}

	var req bytes.Buffer
	fmt.Fprintf(&req, "%s %s HTTP/1.1\r\n", method, path)
	req.WriteString("Host: localhost\r\n")
	req.WriteString("Connection: close\r\n")
	if len(payload) > 0 {
		req.WriteString("Content-Type: application/json\r\n")
		fmt.Fprintf(&req, "Content-Length: %d\r\n", len(payload))
	}
	req.WriteString("\r\n")
	req.Write(payload)

	if _, err := conn.Write(req.Bytes()); err != nil {
		return 0, nil, noiderr.Wrap(noiderr.ErrHypervisor, "write control request", err)
	}

	status, respBody, err := readResponse(bufio.NewReader(conn))
	if err != nil {
		return 0, nil, noiderr.Wrap(noiderr.ErrHypervisor, "read control response", err)
	}
	return status, respBody, nil
}

// readResponse parses a single HTTP/1.1 response: a status line, headers
// up to the blank line, and a Content-Length-framed body. The control
// socket dialect never uses chunked transfer encoding.
func readResponse(r *bufio.Reader) (int, []byte, error) {
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("read status line: %w", err)
	}
	parts := strings.SplitN(strings.TrimRight(statusLine, "\r\n"), " ", 3)
	if len(parts) < 2 {
		return 0, nil, fmt.Errorf("malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("malformed status code %q", parts[1])
	}

	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("read headers: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "Content-Length") {
			contentLength, _ = strconv.Atoi(strings.TrimSpace(v))
		}
	}

	if contentLength == 0 {
		return status, nil, nil
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}
	return status, body, nil
}

func fatalIfNot2xx(op string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return noiderr.Wrap(noiderr.ErrHypervisor, fmt.Sprintf("%s returned status %d: %s", op, status, string(body)), fmt.Errorf("non-2xx"))
}

// PutMachineConfig is configuration step 1.
func (d *Driver) PutMachineConfig(vcpuCount, memSizeMiB int) error {
	status, body, err := d.do("PUT", "/machine-config", map[string]any{
		"vcpu_count":   vcpuCount,
		"mem_size_mib": memSizeMiB,
	})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PUT /machine-config", status, body)
}

// PutBootSource is configuration step 2.
func (d *Driver) PutBootSource(kernelImagePath, bootArgs string) error {
	status, body, err := d.do("PUT", "/boot-source", map[string]any{
		"kernel_image_path": kernelImagePath,
		"boot_args":         bootArgs,
	})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PUT /boot-source", status, body)
}

// PutDriveRootfs is configuration step 3.
func (d *Driver) PutDriveRootfs(pathOnHost string) error {
	status, body, err := d.do("PUT", "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   pathOnHost,
		"is_root_device": true,
		"is_read_only":   false,
	})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PUT /drives/rootfs", status, body)
}

// PatchDriveRootfs rewrites the rootfs drive's backing path without a
// reboot, used after a snapshot load to point the drive at the restored
// VM's own rootfs copy. No path alias is created for the snapshot's
// original backing file, so the load itself still needs that file to exist.
func (d *Driver) PatchDriveRootfs(pathOnHost string) error {
	status, body, err := d.do("PATCH", "/drives/rootfs", map[string]any{
		"drive_id":     "rootfs",
		"path_on_host": pathOnHost,
	})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PATCH /drives/rootfs", status, body)
}

// PutNetworkInterface is configuration step 4, only issued when networking
// is attached.
func (d *Driver) PutNetworkInterface(hostDevName, guestMAC string) error {
	status, body, err := d.do("PUT", "/network-interfaces/eth0", map[string]any{
		"iface_id":      "eth0",
		"host_dev_name": hostDevName,
		"guest_mac":     guestMAC,
	})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PUT /network-interfaces/eth0", status, body)
}

// StartInstance is configuration step 5.
func (d *Driver) StartInstance() error {
	status, body, err := d.do("PUT", "/actions", map[string]any{
		"action_type": "InstanceStart",
	})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PUT /actions (InstanceStart)", status, body)
}

// Pause transitions the VM to Paused via PATCH /vm.
func (d *Driver) Pause() error {
	status, body, err := d.do("PATCH", "/vm", map[string]any{"state": "Paused"})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PATCH /vm (Paused)", status, body)
}

// Resume transitions the VM back to Resumed via PATCH /vm.
func (d *Driver) Resume() error {
	status, body, err := d.do("PATCH", "/vm", map[string]any{"state": "Resumed"})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PATCH /vm (Resumed)", status, body)
}

// SnapshotCreate triggers a full snapshot to snapshotPath/memFilePath.
func (d *Driver) SnapshotCreate(snapshotPath, memFilePath string) error {
	status, body, err := d.do("PUT", "/snapshot/create", map[string]any{
		"snapshot_type": "Full",
		"snapshot_path": snapshotPath,
		"mem_file_path": memFilePath,
	})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PUT /snapshot/create", status, body)
}

// SnapshotLoad loads a snapshot into a freshly spawned, unconfigured
// hypervisor process and resumes it.
func (d *Driver) SnapshotLoad(snapshotPath, memFilePath string) error {
	status, body, err := d.do("PUT", "/snapshot/load", map[string]any{
		"snapshot_path":         snapshotPath,
		"mem_file_path":         memFilePath,
		"enable_diff_snapshots": false,
		"resume_vm":             true,
	})
	if err != nil {
		return err
	}
	return fatalIfNot2xx("PUT /snapshot/load", status, body)
}
