// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package env

import (
	"os"
	"path/filepath"
	"testing"
)

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"port", "ESPFLASH_PORT"},
		{"flash-baud", "ESPFLASH_FLASH_BAUD"},
		{"no-ssl-verify", "ESPFLASH_NO_SSL_VERIFY"},
	}
	for _, tt := range tests {
		if got := Key(tt.name); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	t.Setenv("ESPFLASH_BAUD", "460800")
	t.Setenv("ESPFLASH_URL", "")

	if v, ok := Lookup("baud"); !ok || v != "460800" {
		t.Errorf("Lookup(baud) = %q, %v", v, ok)
	}
	if _, ok := Lookup("url"); ok {
		t.Error("empty variables should be treated as unset")
	}
	if _, ok := Lookup("username"); ok {
		t.Error("Lookup(username) found an unset variable")
	}
}

func TestFindDotEnv(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, ".env")
	if err := os.WriteFile(want, []byte("ESPFLASH_PORT=/dev/ttyUSB0\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := findDotEnv(nested)
	if err != nil {
		t.Fatalf("findDotEnv() error = %v", err)
	}
	if got != want {
		t.Errorf("findDotEnv() = %q, want %q", got, want)
	}
}

func TestFindDotEnv_IgnoresDirectories(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".env"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := findDotEnv(root)
	if err != nil {
		t.Fatalf("findDotEnv() error = %v", err)
	}
	if got == filepath.Join(root, ".env") {
		t.Error("a .env directory must not be loaded")
	}
}

func TestEnsure_SkippedUnderTest(t *testing.T) {
	if err := Ensure(); err != nil {
		t.Errorf("Ensure() error = %v", err)
	}
	if LoadedPath() != "" {
		t.Errorf("LoadedPath() = %q, tests should not load .env", LoadedPath())
	}
}
