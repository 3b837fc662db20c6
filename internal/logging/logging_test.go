package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPipelineLogPath(t *testing.T) {
	now := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)
	path := PipelineLogPath("/home/mu", "irc#chat", "alice", "hello world", now)

	if !strings.Contains(path, filepath.Join("logs", "2026-08-25")) {
		t.Errorf("missing date dir: %q", path)
	}
	if !strings.Contains(path, "irc_chat") {
		t.Errorf("arc not sanitized into path: %q", path)
	}
	if !strings.HasSuffix(path, "143005-alice-hello_world.log") {
		t.Errorf("file name = %q", path)
	}
}

func TestNewPipelineLogger(t *testing.T) {
	home := t.TempDir()
	logger, closeFn, err := NewPipelineLogger(home, "irc#chat", "bob", "test msg")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("pipeline start", "mode", "serious")
	if err := closeFn(); err != nil {
		t.Fatal(err)
	}

	var found string
	_ = filepath.Walk(filepath.Join(home, "logs"), func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && strings.HasSuffix(p, ".log") {
			found = p
		}
		return nil
	})
	if found == "" {
		t.Fatal("no log file written")
	}
	data, _ := os.ReadFile(found)
	if !strings.Contains(string(data), "pipeline start") {
		t.Errorf("log content = %q", data)
	}
}

func TestPreview(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", "hello_world"},
		{"  spaced  ", "spaced"},
		{"", "x"},
		{"!!!", "x"},
		{strings.Repeat("a", 100), strings.Repeat("a", 32)},
	}
	for _, tt := range tests {
		if got := Preview(tt.in); got != tt.want {
			t.Errorf("Preview(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
