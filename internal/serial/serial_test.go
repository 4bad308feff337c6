package serial

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

var fakeGuestLine = regexp.MustCompile(`^echo '(.+)'; (.*); _RC=\$\?; echo "(.+) \$_RC"$`)

// newTestChannel creates a real named pipe and log file, and starts a
// goroutine that plays the role of the guest shell closely enough to
// exercise the marker protocol: it echoes the exec line back to serial.log
// the way a real guest console does, parses it the same way a POSIX shell
// would, actually runs the embedded command on the host, and writes the
// start marker, command output, and end marker with CRLF line endings to
// serial.log.
func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	dir := t.TempDir()
	inPath := filepath.Join(dir, "serial.in")
	logPath := filepath.Join(dir, "serial.log")

	if err := unix.Mkfifo(inPath, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("create log: %v", err)
	}
	t.Cleanup(func() { logFile.Close() })

	// Sentinel reader/writer: keep the pipe's read side always open so
	// writers never block, mirroring the hypervisor holding it as stdin.
	sentinel, err := os.OpenFile(inPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open sentinel: %v", err)
	}
	t.Cleanup(func() { sentinel.Close() })

	go func() {
		scanner := bufio.NewScanner(sentinel)
		for scanner.Scan() {
			line := scanner.Text()
			m := fakeGuestLine.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			startTok, cmd, endTok := m[1], m[2], m[3]

			out, rc := runFakeGuestCommand(cmd)
			logFile.WriteString(line + "\r\n")
			logFile.WriteString(startTok + "\r\n")
			for _, l := range splitLines(out) {
				logFile.WriteString(l + "\r\n")
			}
			logFile.WriteString(fmt.Sprintf("%s %d\r\n", endTok, rc))
		}
	}()

	return New(inPath, logPath)
}

func runFakeGuestCommand(cmd string) (string, int) {
	c := exec.Command("sh", "-c", cmd)
	out, err := c.CombinedOutput()
	rc := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			rc = ee.ExitCode()
		} else {
			rc = 1
		}
	}
	return string(out), rc
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func TestExecEchoRoundTrip(t *testing.T) {
	c := newTestChannel(t)

	res, err := c.Exec([]string{"echo", "hello"}, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	if res.TimedOut {
		t.Fatal("expected no timeout")
	}
	if res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", res.ExitCode)
	}
}

func TestExecTimeout(t *testing.T) {
	dir := t.TempDir()
	inPath := filepath.Join(dir, "serial.in")
	logPath := filepath.Join(dir, "serial.log")
	if err := unix.Mkfifo(inPath, 0o600); err != nil {
		t.Fatalf("mkfifo: %v", err)
	}
	if f, err := os.Create(logPath); err != nil {
		t.Fatalf("create log: %v", err)
	} else {
		f.Close()
	}
	sentinel, err := os.OpenFile(inPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open sentinel: %v", err)
	}
	t.Cleanup(func() { sentinel.Close() })
	// A sentinel that never echoes anything back into serial.log: the
	// guest never responds, so Exec must time out.

	c := New(inPath, logPath)
	res, err := c.Exec([]string{"sleep", "999"}, nil, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Exec returned error: %v", err)
	}
	if !res.TimedOut || res.ExitCode != 124 {
		t.Errorf("expected timeout with exit code 124, got %+v", res)
	}
}

func TestExecInvalidEnvName(t *testing.T) {
	c := newTestChannel(t)
	_, err := c.Exec([]string{"echo", "hi"}, map[string]string{"1BAD": "x"}, time.Second)
	if err == nil {
		t.Fatal("expected error for invalid env var name")
	}
}

func TestBuildCommandLineQuoting(t *testing.T) {
	got := buildCommandLine([]string{"echo", "hello world", "safe-arg_1"})
	want := "echo 'hello world' safe-arg_1"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestQuoteSingleEscapesEmbeddedQuote(t *testing.T) {
	got := quoteSingle("it's")
	want := `'it'\''s'`
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
