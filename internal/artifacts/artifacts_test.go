package artifacts

import (
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), "https://files.example.com/artifacts")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveAndRead(t *testing.T) {
	s := newTestStore(t)

	url, err := s.Save([]byte("hello world"), ".txt")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !strings.HasPrefix(url, "https://files.example.com/artifacts/") || !strings.HasSuffix(url, ".txt") {
		t.Errorf("url = %q", url)
	}

	name, ok := s.ResolveURL(url)
	if !ok {
		t.Fatalf("ResolveURL(%q) failed", url)
	}
	data, err := s.Read(name)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("content = %q", data)
	}
}

func TestReadRejectsTraversal(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"../etc/passwd", "/etc/passwd", "a/../../b", ".hidden", ".."} {
		if _, err := s.Read(name); err == nil {
			t.Errorf("Read(%q) should fail", name)
		}
	}
}

func TestResolveURLForeign(t *testing.T) {
	s := newTestStore(t)
	if _, ok := s.ResolveURL("https://other.example.com/x.txt"); ok {
		t.Error("foreign URL must not resolve")
	}
}

func TestEdit(t *testing.T) {
	s := newTestStore(t)
	url, err := s.Save([]byte("alpha beta gamma"), ".md")
	if err != nil {
		t.Fatal(err)
	}
	name, _ := s.ResolveURL(url)

	newURL, err := s.Edit(name, "beta", "delta")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !strings.HasSuffix(newURL, ".md") {
		t.Errorf("edited artifact lost extension: %q", newURL)
	}
	newName, _ := s.ResolveURL(newURL)
	data, _ := s.Read(newName)
	if string(data) != "alpha delta gamma" {
		t.Errorf("edited content = %q", data)
	}

	// Original untouched.
	orig, _ := s.Read(name)
	if string(orig) != "alpha beta gamma" {
		t.Errorf("original modified: %q", orig)
	}
}

func TestEditRequiresUniqueMatch(t *testing.T) {
	s := newTestStore(t)
	url, _ := s.Save([]byte("x y x"), ".txt")
	name, _ := s.ResolveURL(url)

	if _, err := s.Edit(name, "x", "z"); err == nil {
		t.Error("ambiguous old_string should fail")
	}
	if _, err := s.Edit(name, "missing", "z"); err == nil {
		t.Error("absent old_string should fail")
	}
	if _, err := s.Edit(name, "", "z"); err == nil {
		t.Error("empty old_string should fail")
	}
}
