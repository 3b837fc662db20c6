// Package sandbox runs untrusted code snippets in per-arc working
// directories. Each arc gets a stable directory derived from its name, and
// every execution gets a fresh subdirectory inside it, so runs can leave
// files behind for later runs of the same arc without seeing other arcs.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager hands out arc-scoped execution directories.
type Manager struct {
	root  string
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a sandbox manager rooted at dir.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("sandbox: root not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	return &Manager{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// ArcKey derives a stable filesystem-safe key from an arc identifier.
func ArcKey(arc string) string {
	sum := sha256.Sum256([]byte(arc))
	return hex.EncodeToString(sum[:])[:16]
}

// ArcDir returns (and creates on first use) the persistent directory for arc.
func (m *Manager) ArcDir(arc string) (string, error) {
	key := ArcKey(arc)

	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(m.root, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sandbox: create arc dir: %w", err)
	}
	return dir, nil
}

// ExecRequest describes one code execution.
type ExecRequest struct {
	Arc        string
	Language   string // "python" or "bash"
	Code       string
	Timeout    time.Duration
	InputFiles map[string][]byte // written into the workdir before running
}

// ExecResult carries the outcome of a sandboxed run.
type ExecResult struct {
	Output      string // combined stdout+stderr, capped
	ExitCode    int
	TimedOut    bool
	WorkDir     string
	OutputFiles []string // files the run left in its workdir, relative names
}

const outputCap = 24 * 1024

// Exec runs one snippet in a fresh workdir under the arc's directory.
func (m *Manager) Exec(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	arcDir, err := m.ArcDir(req.Arc)
	if err != nil {
		return nil, err
	}

	workDir := filepath.Join(arcDir, uuid.NewString()[:8])
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create workdir: %w", err)
	}

	for name, data := range req.InputFiles {
		clean := filepath.Clean(name)
		if clean != filepath.Base(clean) {
			return nil, fmt.Errorf("sandbox: invalid input file name %q", name)
		}
		if err := os.WriteFile(filepath.Join(workDir, clean), data, 0o644); err != nil {
			return nil, fmt.Errorf("sandbox: write input %s: %w", clean, err)
		}
	}

	var script, interp string
	switch req.Language {
	case "python":
		script, interp = "script.py", "python3"
	case "bash":
		script, interp = "script.sh", "bash"
	default:
		return nil, fmt.Errorf("sandbox: unsupported language %q", req.Language)
	}
	scriptPath := filepath.Join(workDir, script)
	if err := os.WriteFile(scriptPath, []byte(req.Code), 0o644); err != nil {
		return nil, fmt.Errorf("sandbox: write script: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, interp, script)
	cmd.Dir = workDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()

	result := &ExecResult{
		Output:  CapOutput(out.String(), outputCap),
		WorkDir: workDir,
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
	} else if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("sandbox: run %s: %w", interp, runErr)
		}
	}

	entries, err := os.ReadDir(workDir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || e.Name() == script {
				continue
			}
			if _, isInput := req.InputFiles[e.Name()]; isInput {
				continue
			}
			result.OutputFiles = append(result.OutputFiles, e.Name())
		}
	}

	return result, nil
}

// CapOutput truncates s to max bytes, keeping the head and tail halves with
// an elision marker between them. Long tracebacks keep both the command echo
// and the actual error this way.
func CapOutput(s string, max int) string {
	if len(s) <= max {
		return s
	}
	marker := "\n... [output truncated] ...\n"
	keep := max - len(marker)
	head := keep / 2
	tail := keep - head
	return s[:head] + marker + s[len(s)-tail:]
}
