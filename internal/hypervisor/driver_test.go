package hypervisor

import (
	"bufio"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeControlSocket accepts one connection at a time and replies with a
// fixed status for every request it receives, recording request paths.
func fakeControlSocket(t *testing.T, status int, respBody string) (string, *[]string) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "api.sock")
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	seen := &[]string{}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				requestLine, err := r.ReadString('\n')
				if err != nil {
					return
				}
				*seen = append(*seen, strings.TrimSpace(requestLine))
				contentLength := 0
				for {
					line, err := r.ReadString('\n')
					if err != nil || strings.TrimSpace(line) == "" {
						break
					}
					if strings.HasPrefix(strings.ToLower(line), "content-length:") {
						fmt.Sscanf(line, "Content-Length: %d", &contentLength)
					}
				}
				if contentLength > 0 {
					buf := make([]byte, contentLength)
					r.Read(buf)
				}
				fmt.Fprintf(conn, "HTTP/1.1 %d OK\r\nContent-Length: %d\r\n\r\n%s", status, len(respBody), respBody)
			}()
		}
	}()
	return sockPath, seen
}

func TestPutMachineConfigSuccess(t *testing.T) {
	sock, seen := fakeControlSocket(t, 204, "")
	d := NewDriver(sock, time.Second)

	if err := d.PutMachineConfig(2, 512); err != nil {
		t.Fatalf("PutMachineConfig returned error: %v", err)
	}
	if len(*seen) != 1 || !strings.HasPrefix((*seen)[0], "PUT /machine-config") {
		t.Errorf("unexpected requests seen: %v", *seen)
	}
}

func TestNon2xxIsFatal(t *testing.T) {
	sock, _ := fakeControlSocket(t, 400, `{"fault_message":"bad request"}`)
	d := NewDriver(sock, time.Second)

	err := d.PutBootSource("/k", "console=ttyS0")
	if err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestPauseResume(t *testing.T) {
	sock, seen := fakeControlSocket(t, 204, "")
	d := NewDriver(sock, time.Second)

	if err := d.Pause(); err != nil {
		t.Fatalf("Pause returned error: %v", err)
	}
	if err := d.Resume(); err != nil {
		t.Fatalf("Resume returned error: %v", err)
	}
	if len(*seen) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(*seen))
	}
	if !strings.HasPrefix((*seen)[0], "PATCH /vm") || !strings.HasPrefix((*seen)[1], "PATCH /vm") {
		t.Errorf("unexpected requests: %v", *seen)
	}
}

func TestSnapshotCreateAndLoad(t *testing.T) {
	sock, seen := fakeControlSocket(t, 204, "")
	d := NewDriver(sock, time.Second)

	if err := d.SnapshotCreate("/snap/vmstate.snap", "/snap/memory.snap"); err != nil {
		t.Fatalf("SnapshotCreate returned error: %v", err)
	}
	if err := d.SnapshotLoad("/snap/vmstate.snap", "/snap/memory.snap"); err != nil {
		t.Fatalf("SnapshotLoad returned error: %v", err)
	}
	if len(*seen) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(*seen))
	}
}

func TestAliveAndShutdownUnknownPID(t *testing.T) {
	if Alive(0) {
		t.Error("expected pid 0 to be reported not alive")
	}
	// Shutdown on an already-dead pid must not panic or hang.
	Shutdown(0, 50*time.Millisecond)
}
