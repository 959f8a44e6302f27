package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestPackToIsReproducible(t *testing.T) {
	src := filepath.Join(t.TempDir(), "hello")
	if err := os.MkdirAll(filepath.Join(src, "lib"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "__init__.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "lib", "util.py"), []byte("X = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := t.TempDir()
	first, second := filepath.Join(out, "a.tar"), filepath.Join(out, "b.tar")
	if err := packTo(first, src, "hello"); err != nil {
		t.Fatalf("pack: %v", err)
	}
	if err := packTo(second, src, "hello"); err != nil {
		t.Fatalf("pack: %v", err)
	}
	a, _ := os.ReadFile(first)
	b, _ := os.ReadFile(second)
	if len(a) == 0 || !bytes.Equal(a, b) {
		t.Fatalf("archives differ between runs")
	}
}

func TestPackToRemovesPartialOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "x.tar")
	if err := packTo(out, filepath.Join(t.TempDir(), "missing"), "missing"); err == nil {
		t.Fatal("expected error for missing source")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Fatalf("partial archive left behind: %v", err)
	}
}

func TestReadBody(t *testing.T) {
	if b, err := readBody(""); err != nil || b != nil {
		t.Fatalf("empty path = %q, %v", b, err)
	}
	p := filepath.Join(t.TempDir(), "body.json")
	if err := os.WriteFile(p, []byte(`{"name":"x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := readBody(p)
	if err != nil || string(b) != `{"name":"x"}` {
		t.Fatalf("readBody = %q, %v", b, err)
	}
}
