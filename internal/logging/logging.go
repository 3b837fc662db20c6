// Package logging wires slog to the on-disk log layout: a daily system log
// under logs/<YYYY-MM-DD>/system.log, and one pipeline log per handled
// message under logs/<date>/<arc>/<time>-<nick>-<preview>.log.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// dailyFile is an io.Writer that reopens its target when the date changes.
type dailyFile struct {
	mu   sync.Mutex
	root string // logs directory
	name string // file name within the day directory
	date string
	f    *os.File
}

func (w *dailyFile) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if w.f == nil || w.date != today {
		if w.f != nil {
			w.f.Close()
		}
		dir := filepath.Join(w.root, today)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
		f, err := os.OpenFile(filepath.Join(dir, w.name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		w.f = f
		w.date = today
	}
	return w.f.Write(p)
}

// Setup installs the default slog logger: text format teed to stderr and
// the daily system log. home is the muaddib home directory.
func Setup(home string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if home != "" {
		out = io.MultiWriter(os.Stderr, &dailyFile{root: filepath.Join(home, "logs"), name: "system.log"})
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, nil
}

// PipelineLogPath builds the log file path for one message pipeline.
func PipelineLogPath(home, arc, nick, preview string, now time.Time) string {
	return filepath.Join(home, "logs", now.Format("2006-01-02"), sanitize(arc),
		fmt.Sprintf("%s-%s-%s.log", now.Format("150405"), sanitize(nick), sanitize(preview)))
}

// NewPipelineLogger opens a dedicated log file for one message pipeline and
// returns a logger writing to it (and nothing else). The returned close
// function flushes the file.
func NewPipelineLogger(home, arc, nick, preview string) (*slog.Logger, func() error, error) {
	path := PipelineLogPath(home, arc, nick, preview, time.Now())
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("logging: create pipeline dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("logging: open pipeline log: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return logger, f.Close, nil
}

const previewMax = 32

// Preview condenses message text into a short filename-safe fragment.
func Preview(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > previewMax {
		text = text[:previewMax]
	}
	return sanitize(text)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "x"
	}
	return out
}
