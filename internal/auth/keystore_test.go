package auth

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func openTestStore(t *testing.T) *KeyStore {
	t.Helper()
	store, err := OpenKeyStore(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestKeyStoreGenerateAndValidate(t *testing.T) {
	store := openTestStore(t)

	k, err := store.Generate("ci pipeline")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(k.Key, "rk_") {
		t.Errorf("key %q missing prefix", k.Key)
	}
	if k.Label != "ci pipeline" || !k.Enabled {
		t.Errorf("record = %+v", k)
	}

	ok, err := store.Valid(k.Key)
	if err != nil {
		t.Fatalf("valid: %v", err)
	}
	if !ok {
		t.Error("freshly generated key should validate")
	}
}

func TestKeyStoreUnknownAndEmptyKeys(t *testing.T) {
	store := openTestStore(t)

	if ok, err := store.Valid("rk_nope"); err != nil || ok {
		t.Errorf("unknown key: ok=%v err=%v", ok, err)
	}
	if ok, err := store.Valid(""); err != nil || ok {
		t.Errorf("empty key: ok=%v err=%v", ok, err)
	}
}

func TestKeyStoreRevoke(t *testing.T) {
	store := openTestStore(t)

	k, err := store.Generate("")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	found, err := store.Revoke(k.Key)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !found {
		t.Error("revoke should report the key existed")
	}

	if ok, _ := store.Valid(k.Key); ok {
		t.Error("revoked key must not validate")
	}

	// Record survives revocation for auditability.
	keys, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].Enabled {
		t.Errorf("list after revoke = %+v", keys)
	}
}

func TestKeyStoreRevokeUnknown(t *testing.T) {
	store := openTestStore(t)

	found, err := store.Revoke("rk_ghost")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if found {
		t.Error("revoking an unknown key should report not found")
	}
}

func TestKeyStoreListNewestFirst(t *testing.T) {
	store := openTestStore(t)

	first, err := store.Generate("first")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second := Key{Key: "rk_manual", Label: "second", Enabled: true,
		CreatedAt: first.CreatedAt.Add(time.Second)}
	if err := store.Add(second); err != nil {
		t.Fatalf("add: %v", err)
	}

	keys, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("listed %d keys, want 2", len(keys))
	}
	if keys[0].Label != "second" || keys[1].Label != "first" {
		t.Errorf("order = [%s, %s], want newest first", keys[0].Label, keys[1].Label)
	}
}
