// Package artifacts stores generated files on disk and maps them to stable
// public URLs. The serving itself is someone else's job (a web server pointed
// at the directory); this package only writes, reads and names files.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store writes artifacts into a flat directory and derives their URLs from
// a configured base.
type Store struct {
	dir     string
	baseURL string
}

// NewStore creates the artifact directory if needed.
func NewStore(dir, baseURL string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifacts: directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create dir: %w", err)
	}
	return &Store{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// BaseURL returns the public URL prefix artifacts are served under.
func (s *Store) BaseURL() string { return s.baseURL }

// Save writes content under a fresh random name with the given extension
// (".txt", ".png", ...) and returns the public URL.
func (s *Store) Save(content []byte, ext string) (string, error) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(s.dir, name), content, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write %s: %w", name, err)
	}
	return s.baseURL + "/" + name, nil
}

// Read returns the content of a stored artifact by bare name. Names that
// escape the artifact directory are rejected.
func (s *Store) Read(name string) ([]byte, error) {
	clean, err := s.safeName(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, clean))
	if err != nil {
		return nil, fmt.Errorf("artifacts: read %s: %w", clean, err)
	}
	return data, nil
}

// ResolveURL maps a public artifact URL back to its bare name. Returns
// false when the URL is not under this store's base.
func (s *Store) ResolveURL(url string) (string, bool) {
	if s.baseURL == "" || !strings.HasPrefix(url, s.baseURL+"/") {
		return "", false
	}
	return strings.TrimPrefix(url, s.baseURL+"/"), true
}

// Edit applies a single unique old->new replacement to the named artifact
// and saves the result as a new artifact with the same extension.
// oldString must occur exactly once.
func (s *Store) Edit(name, oldString, newString string) (string, error) {
	data, err := s.Read(name)
	if err != nil {
		return "", err
	}
	content := string(data)
	switch n := strings.Count(content, oldString); {
	case oldString == "":
		return "", fmt.Errorf("artifacts: old_string must not be empty")
	case n == 0:
		return "", fmt.Errorf("artifacts: old_string not found in %s", name)
	case n > 1:
		return "", fmt.Errorf("artifacts: old_string occurs %d times in %s, must be unique", n, name)
	}
	edited := strings.Replace(content, oldString, newString, 1)
	return s.Save([]byte(edited), filepath.Ext(name))
}

func (s *Store) safeName(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean != filepath.Base(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("artifacts: invalid artifact name %q", name)
	}
	return clean, nil
}
