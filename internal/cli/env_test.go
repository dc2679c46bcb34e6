package cli

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingDefaultIsNotAnError(t *testing.T) {
	t.Setenv(EnvFileVar, "")

	fset := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fset, filepath.Join(t.TempDir(), ".env"), "")
	if err := fset.Parse(nil); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	path, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != "" {
		t.Fatalf("expected no file loaded, got %q", path)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	t.Setenv(EnvFileVar, "")

	fset := flag.NewFlagSet("test", flag.ContinueOnError)
	loader := AddEnvFlag(fset, ".env", "")
	missing := filepath.Join(t.TempDir(), "missing.env")
	if err := fset.Parse([]string{"--env", missing}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if _, err := loader.Load(); err == nil {
		t.Fatalf("expected error for missing explicit env file")
	}
}

func TestLoadKeepsProcessEnvironment(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "canon.env")
	if err := os.WriteFile(file, []byte("CANON_TEST_KEEP=file\nCANON_TEST_NEW=file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv(EnvFileVar, file)
	t.Setenv("CANON_TEST_KEEP", "process")
	t.Setenv("CANON_TEST_NEW", "")
	os.Unsetenv("CANON_TEST_NEW")

	loader := AddEnvFlag(flag.NewFlagSet("test", flag.ContinueOnError), ".env", "")
	path, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != file {
		t.Fatalf("expected %s to be loaded, got %q", file, path)
	}
	if got := os.Getenv("CANON_TEST_KEEP"); got != "process" {
		t.Fatalf("expected process value to win, got %q", got)
	}
	if got := os.Getenv("CANON_TEST_NEW"); got != "file" {
		t.Fatalf("expected file value for unset variable, got %q", got)
	}
}
