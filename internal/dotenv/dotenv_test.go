package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFile_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	envPath := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"VAI_HOME_TEST_FROM_FILE=loaded\n" +
		"VAI_HOME_TEST_QUOTED=\"hello world\"\n" +
		"export VAI_HOME_TEST_EXPORTED=ok\n" +
		"VAI_HOME_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("VAI_HOME_TEST_EXISTING", "already_set")
	for _, key := range []string{"VAI_HOME_TEST_FROM_FILE", "VAI_HOME_TEST_QUOTED", "VAI_HOME_TEST_EXPORTED"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	if got := os.Getenv("VAI_HOME_TEST_FROM_FILE"); got != "loaded" {
		t.Fatalf("VAI_HOME_TEST_FROM_FILE=%q, want %q", got, "loaded")
	}
	if got := os.Getenv("VAI_HOME_TEST_QUOTED"); got != "hello world" {
		t.Fatalf("VAI_HOME_TEST_QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("VAI_HOME_TEST_EXPORTED"); got != "ok" {
		t.Fatalf("VAI_HOME_TEST_EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("VAI_HOME_TEST_EXISTING"); got != "already_set" {
		t.Fatalf("VAI_HOME_TEST_EXISTING=%q, want existing value preserved", got)
	}
}

func TestLoadNearest_WalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	envPath := filepath.Join(root, ".env")
	if err := os.WriteFile(envPath, []byte("VAI_HOME_TEST_NEAREST=1\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("VAI_HOME_TEST_NEAREST", "")
	os.Unsetenv("VAI_HOME_TEST_NEAREST")

	got, err := LoadNearest(nested, 4)
	if err != nil {
		t.Fatalf("LoadNearest error: %v", err)
	}
	if got != envPath {
		t.Fatalf("loaded %q, want %q", got, envPath)
	}
	if v := os.Getenv("VAI_HOME_TEST_NEAREST"); v != "1" {
		t.Fatalf("VAI_HOME_TEST_NEAREST=%q, want 1", v)
	}

	if got, _ := LoadNearest(nested, 0); got != "" {
		t.Fatalf("maxLevels=0 should not reach the root, got %q", got)
	}
}
