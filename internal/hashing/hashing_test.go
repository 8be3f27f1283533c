package hashing_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jmerrifield20/BlockWitness/internal/hashing"
)

func TestHashBytes_knownVector(t *testing.T) {
	// SHA-256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := hashing.HashBytes([]byte("abc")); got != want {
		t.Errorf("HashBytes(abc): got %s, want %s", got, want)
	}
}

func TestHashBytes_lowercaseHex(t *testing.T) {
	d := hashing.HashBytes([]byte("evidence"))
	if !hashing.IsDigest(d) {
		t.Errorf("HashBytes output %q is not a canonical digest", d)
	}
	if d != strings.ToLower(d) {
		t.Errorf("HashBytes output %q is not lowercase", d)
	}
}

func TestConcat_matchesHashOfJoined(t *testing.T) {
	a := hashing.HashString("a")
	b := hashing.HashString("b")
	if got, want := hashing.Concat(a, b), hashing.HashString(a+b); got != want {
		t.Errorf("Concat: got %s, want %s", got, want)
	}
}

func TestHashFile_matchesHashBytes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	content := []byte(strings.Repeat("evidence-bytes ", 10_000))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := hashing.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error: %v", err)
	}
	if want := hashing.HashBytes(content); got != want {
		t.Errorf("HashFile: got %s, want %s", got, want)
	}
}

func TestHashFile_missing(t *testing.T) {
	_, err := hashing.HashFile(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, hashing.ErrIO) {
		t.Errorf("expected ErrIO, got %v", err)
	}
}

func TestHashReader_countsBytes(t *testing.T) {
	d, n, err := hashing.HashReader(strings.NewReader("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes, got %d", n)
	}
	if d != hashing.HashString("hello") {
		t.Errorf("digest mismatch: %s", d)
	}
}

func TestNormalize(t *testing.T) {
	upper := strings.ToUpper(hashing.HashString("x"))
	got, err := hashing.Normalize("  " + upper + "\n")
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if got != hashing.HashString("x") {
		t.Errorf("Normalize: got %s", got)
	}

	for _, bad := range []string{"", "abc", strings.Repeat("g", 64), hashing.ZeroDigest + "0"} {
		if _, err := hashing.Normalize(bad); !errors.Is(err, hashing.ErrInvalidDigest) {
			t.Errorf("Normalize(%q): expected ErrInvalidDigest, got %v", bad, err)
		}
	}
}

func TestZeroDigest(t *testing.T) {
	if len(hashing.ZeroDigest) != hashing.DigestLen || strings.Trim(hashing.ZeroDigest, "0") != "" {
		t.Errorf("ZeroDigest must be 64 zero characters, got %q", hashing.ZeroDigest)
	}
}
