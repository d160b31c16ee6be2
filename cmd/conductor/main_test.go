package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMustFindRuntimeDirPrecedence(t *testing.T) {
	t.Setenv("CONDUCTOR_DIR", "/tmp/env-conductor")

	if got := mustFindRuntimeDir("/tmp/flag-conductor"); got != "/tmp/flag-conductor" {
		t.Errorf("with --dir: %q, want /tmp/flag-conductor", got)
	}
	if got := mustFindRuntimeDir(""); got != "/tmp/env-conductor" {
		t.Errorf("from env: %q, want /tmp/env-conductor", got)
	}
}

func TestMustFindRuntimeDirWalksUp(t *testing.T) {
	t.Setenv("CONDUCTOR_DIR", "")

	root := t.TempDir()
	runtime := filepath.Join(root, ".conductor")
	if err := os.MkdirAll(runtime, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	nested := filepath.Join(root, "svc", "deep")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(nested); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(wd) })

	got := mustFindRuntimeDir("")
	// Getwd may resolve symlinks in the temp root; compare the suffix.
	if filepath.Base(got) != ".conductor" {
		t.Fatalf("walked to %q, want a .conductor dir", got)
	}
	if _, err := os.Stat(got); err != nil {
		t.Fatalf("resolved dir not usable: %v", err)
	}
}

func TestParseFlagsSeparatesPositionals(t *testing.T) {
	flags, positional := parseFlags([]string{"scale", "3", "--dir", "/tmp/rt"})
	if flags["dir"] != "/tmp/rt" {
		t.Errorf("dir = %q, want /tmp/rt", flags["dir"])
	}
	if len(positional) != 2 || positional[0] != "scale" || positional[1] != "3" {
		t.Errorf("positional = %v, want [scale 3]", positional)
	}
}
