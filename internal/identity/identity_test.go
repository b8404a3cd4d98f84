package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestGenerate(t *testing.T) {
	id, err := Generate("laptop")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if !id.Valid() {
		t.Fatalf("generated identity is invalid: %+v", id)
	}
	if !strings.HasPrefix(id.DisplayName, "laptop-") {
		t.Errorf("DisplayName: got %q, want laptop-<word>", id.DisplayName)
	}

	word := strings.TrimPrefix(id.DisplayName, "laptop-")
	if len(word) < 3 || strings.ToLower(word) != word || strings.ContainsAny(word, " -") {
		t.Errorf("suffix %q does not look like a mnemonic word", word)
	}

	other, _ := Generate("laptop")
	if other.ID == id.ID {
		t.Error("two generated identities share an ID")
	}
}

func TestGenerateEmptyBase(t *testing.T) {
	id, err := Generate("  ")
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(id.DisplayName, "-") {
		t.Errorf("empty base should fall back to hostname, got %q", id.DisplayName)
	}
}

func TestBase(t *testing.T) {
	tests := []struct{ in, want string }{
		{"laptop-apple", "laptop"},
		{"my-laptop-apple", "my-laptop"},
		{"solo", "solo"},
		{"-x", "-x"},
	}
	for _, tt := range tests {
		if got := Base(tt.in); got != tt.want {
			t.Errorf("Base(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "identity.json")
	store := NewFileStore(path)

	if _, err := store.Load(); err != ErrNotFound {
		t.Fatalf("Load on empty store: got %v, want ErrNotFound", err)
	}

	id, _ := Generate("a")
	if err := store.Save(id); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions: got %o, want 600", perm)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != id.ID || loaded.DisplayName != id.DisplayName {
		t.Errorf("loaded %+v, want %+v", loaded, id)
	}

	if err := store.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestLoadOrCreate(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "identity.json"))

	first, err := LoadOrCreate(store, "desk")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	second, err := LoadOrCreate(store, "other")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if first.ID != second.ID {
		t.Error("identity should be stable across loads")
	}
}

func TestLoadOrCreateCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	id, err := LoadOrCreate(NewFileStore(path), "desk")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !id.Valid() {
		t.Error("expected a regenerated valid identity")
	}

	reloaded, err := NewFileStore(path).Load()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.ID != id.ID {
		t.Error("regenerated identity was not persisted")
	}
}

func TestNext(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "identity.json"))
	old, _ := LoadOrCreate(store, "desk")

	fresh, err := Next(store, "")
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if fresh.ID == old.ID {
		t.Error("Next must produce a new ID")
	}
	if Base(fresh.DisplayName) != "desk" {
		t.Errorf("base not kept: %q", fresh.DisplayName)
	}

	named, err := Next(store, "Player One")
	if err != nil {
		t.Fatal(err)
	}
	if named.DisplayName != "Player One" {
		t.Errorf("DisplayName: got %q", named.DisplayName)
	}

	loaded, _ := store.Load()
	if loaded.ID != old.ID {
		t.Error("Next must not persist")
	}
}

func TestKeychainStore(t *testing.T) {
	keyring.MockInit()
	store := NewKeychainStore()

	if _, err := store.Load(); err != ErrNotFound {
		t.Fatalf("Load on empty keychain: got %v, want ErrNotFound", err)
	}

	id, err := LoadOrCreate(store, "phone")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.ID != id.ID {
		t.Errorf("loaded ID %s, want %s", loaded.ID, id.ID)
	}

	if err := store.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(); err != nil {
		t.Errorf("second Delete should be a no-op, got %v", err)
	}
	if !KeychainAvailable() {
		t.Error("mock keychain should report available")
	}
}

func TestMemoryStore(t *testing.T) {
	var s MemoryStore
	if _, err := s.Load(); err != ErrNotFound {
		t.Fatalf("Load on empty store: got %v, want ErrNotFound", err)
	}

	id := WithDisplayName("sim-1")
	if err := s.Save(id); err != nil {
		t.Fatal(err)
	}
	id.DisplayName = "mutated"

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.DisplayName != "sim-1" {
		t.Errorf("stored identity aliased the caller's value: %q", got.DisplayName)
	}

	if err := s.Delete(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err != ErrNotFound {
		t.Errorf("Load after Delete: got %v, want ErrNotFound", err)
	}
}
