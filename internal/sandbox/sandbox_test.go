package sandbox

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestArcKeyStable(t *testing.T) {
	a := ArcKey("irc/libera/#chat")
	b := ArcKey("irc/libera/#chat")
	c := ArcKey("irc/libera/#other")
	if a != b {
		t.Error("same arc must map to same key")
	}
	if a == c {
		t.Error("different arcs must map to different keys")
	}
	if len(a) != 16 {
		t.Errorf("key length = %d, want 16", len(a))
	}
}

func TestExecBash(t *testing.T) {
	requireBinary(t, "bash")
	m := newTestManager(t)

	res, err := m.Exec(context.Background(), ExecRequest{
		Arc:      "test/arc",
		Language: "bash",
		Code:     "echo hello; echo world >&2; exit 3",
		Timeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "world") {
		t.Errorf("output = %q", res.Output)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestExecOutputFiles(t *testing.T) {
	requireBinary(t, "bash")
	m := newTestManager(t)

	res, err := m.Exec(context.Background(), ExecRequest{
		Arc:      "test/arc",
		Language: "bash",
		Code:     "cat in.txt > out.txt",
		Timeout:  10 * time.Second,
		InputFiles: map[string][]byte{
			"in.txt": []byte("payload"),
		},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if len(res.OutputFiles) != 1 || res.OutputFiles[0] != "out.txt" {
		t.Errorf("OutputFiles = %v, want [out.txt]", res.OutputFiles)
	}
}

func TestExecTimeout(t *testing.T) {
	requireBinary(t, "bash")
	m := newTestManager(t)

	res, err := m.Exec(context.Background(), ExecRequest{
		Arc:      "test/arc",
		Language: "bash",
		Code:     "sleep 30",
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
}

func TestExecRejectsUnknownLanguage(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Exec(context.Background(), ExecRequest{Arc: "a", Language: "perl", Code: "1"}); err == nil {
		t.Error("expected error for unsupported language")
	}
}

func TestExecRejectsInputTraversal(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Exec(context.Background(), ExecRequest{
		Arc:      "a",
		Language: "bash",
		Code:     "true",
		InputFiles: map[string][]byte{
			"../escape.txt": []byte("x"),
		},
	})
	if err == nil {
		t.Error("expected error for traversal in input file name")
	}
}

func TestCapOutput(t *testing.T) {
	short := "brief"
	if got := CapOutput(short, 100); got != short {
		t.Errorf("short output modified: %q", got)
	}

	long := strings.Repeat("a", 500) + "MIDDLE" + strings.Repeat("z", 500)
	got := CapOutput(long, 200)
	if len(got) > 200 {
		t.Errorf("capped length = %d, want <= 200", len(got))
	}
	if !strings.HasPrefix(got, "aaa") || !strings.HasSuffix(got, "zzz") {
		t.Errorf("head/tail not preserved: %q", got)
	}
	if !strings.Contains(got, "[output truncated]") {
		t.Errorf("missing truncation marker: %q", got)
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}
