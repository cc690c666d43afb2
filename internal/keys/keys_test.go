package keys

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewStore(t *testing.T) {
	t.Setenv("DERMA_CONFIG_DIR", t.TempDir())

	store, err := NewStore()
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if store == nil {
		t.Fatal("NewStore() returned nil")
	}
	if store.Path() == "" {
		t.Error("Store.Path() should not be empty")
	}
}

func TestStore_SetGetDelete(t *testing.T) {
	tmpDir := t.TempDir()
	store := &Store{configDir: tmpDir}

	err := store.Set("gemini", "AIza-test-key-12345")
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	// Verify file was created with correct permissions
	keyFile := filepath.Join(tmpDir, "keys.json")
	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatalf("keys.json not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("keys.json permissions = %v, want 0600", info.Mode().Perm())
	}

	key, err := store.Get("gemini")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if key != "AIza-test-key-12345" {
		t.Errorf("Get() = %v, want AIza-test-key-12345", key)
	}

	key, err = store.Get("other")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if key != "" {
		t.Errorf("Get(non-existent) = %v, want empty string", key)
	}

	services, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(services) != 1 || services[0] != "gemini" {
		t.Errorf("List() = %v, want [gemini]", services)
	}

	exists, err := store.Exists("gemini")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("Exists(gemini) = false, want true")
	}

	if err := store.Delete("gemini"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	key, _ = store.Get("gemini")
	if key != "" {
		t.Errorf("Get() after Delete() = %v, want empty string", key)
	}

	if err := store.Delete("gemini"); err == nil {
		t.Error("Delete(non-existent) should return error")
	}
}

func TestStore_EmptyDir(t *testing.T) {
	tmpDir := t.TempDir()
	store := &Store{configDir: tmpDir}

	key, err := store.Get("gemini")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if key != "" {
		t.Errorf("Get() from non-existent file = %v, want empty string", key)
	}

	services, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(services) != 0 {
		t.Errorf("List() from non-existent file = %v, want empty slice", services)
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"AIza567890abcdef12", "AIza**********ef12"},
		{"short", "*****"},
		{"12345678", "********"},
		{"123456789", "1234*6789"},
		{"", ""},
	}

	for _, tt := range tests {
		got := MaskKey(tt.key)
		if got != tt.want {
			t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestGetAPIKey_ExplicitWins(t *testing.T) {
	t.Setenv("DERMA_CONFIG_DIR", t.TempDir())
	t.Setenv(EnvVar, "env-key")

	key, source, err := GetAPIKey("flag-key")
	if err != nil {
		t.Fatalf("GetAPIKey() error = %v", err)
	}
	if key != "flag-key" {
		t.Errorf("GetAPIKey() = %v, want flag-key", key)
	}
	if source != "command-line flag" {
		t.Errorf("GetAPIKey() source = %v, want command-line flag", source)
	}
}

func TestGetAPIKey_StoredBeatsEnv(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("DERMA_CONFIG_DIR", tmpDir)
	t.Setenv(EnvVar, "env-key")

	store := &Store{configDir: tmpDir}
	if err := store.Set("gemini", "stored-key"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	key, _, err := GetAPIKey("")
	if err != nil {
		t.Fatalf("GetAPIKey() error = %v", err)
	}
	if key != "stored-key" {
		t.Errorf("GetAPIKey() = %v, want stored-key", key)
	}
}

func TestGetAPIKey_EnvFallback(t *testing.T) {
	t.Setenv("DERMA_CONFIG_DIR", t.TempDir())
	t.Setenv(EnvVar, "")
	t.Setenv(EnvVarLegacy, "legacy-key")

	key, source, err := GetAPIKey("")
	if err != nil {
		t.Fatalf("GetAPIKey() error = %v", err)
	}
	if key != "legacy-key" {
		t.Errorf("GetAPIKey() = %v, want legacy-key", key)
	}
	if !strings.Contains(source, EnvVarLegacy) {
		t.Errorf("GetAPIKey() source = %v, want mention of %s", source, EnvVarLegacy)
	}
}

func TestGetAPIKey_Missing(t *testing.T) {
	t.Setenv("DERMA_CONFIG_DIR", t.TempDir())
	t.Setenv(EnvVar, "")
	t.Setenv(EnvVarLegacy, "")

	_, _, err := GetAPIKey("")
	if !errors.Is(err, ErrCredentialMissing) {
		t.Fatalf("GetAPIKey() error = %v, want ErrCredentialMissing", err)
	}
	if !strings.Contains(err.Error(), "derma keys set") {
		t.Errorf("GetAPIKey() error should carry remediation, got %v", err)
	}
}
