package persist

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreKeyRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	record := sqlTestRecord("db1", "loc1")
	if err := store.InsertKey(ctx, record); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := store.InsertKey(ctx, record); !errors.Is(err, ErrKeyExists) {
		t.Errorf("duplicate insert: expected ErrKeyExists, got %v", err)
	}

	got, err := store.GetKey(ctx, "db1", "loc1")
	if err != nil || got.KeyHash != record.KeyHash {
		t.Fatalf("get failed: (%+v, %v)", got, err)
	}

	// Mutating the returned record must not touch the stored copy.
	got.KeyHash = "mutated"
	again, _ := store.GetKey(ctx, "db1", "loc1")
	if again.KeyHash != record.KeyHash {
		t.Error("store handed out a mutable reference")
	}

	found, err := store.FindKey(ctx, "loc1")
	if err != nil || found.DatabaseIDHash != "db1" {
		t.Errorf("find failed: (%+v, %v)", found, err)
	}
	if _, err := store.FindKey(ctx, "absent"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}

	replacement := sqlTestRecord("db1", "loc2")
	if err := store.ReplaceKey(ctx, "db1", "loc1", replacement); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if _, err := store.GetKey(ctx, "db1", "loc1"); !errors.Is(err, ErrKeyNotFound) {
		t.Error("old record must be gone after replacement")
	}

	deleted, err := store.DeleteKey(ctx, "db1", "loc2")
	if err != nil || !deleted {
		t.Fatalf("delete failed: (%v, %v)", deleted, err)
	}
	deleted, _ = store.DeleteKey(ctx, "db1", "loc2")
	if deleted {
		t.Error("second delete must be a no-op")
	}
}

func TestMemoryStoreReplaceRejectsTakenLocator(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.InsertKey(ctx, sqlTestRecord("db1", "loc1")); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertKey(ctx, sqlTestRecord("db1", "loc2")); err != nil {
		t.Fatal(err)
	}
	if err := store.ReplaceKey(ctx, "db1", "loc1", sqlTestRecord("db1", "loc2")); !errors.Is(err, ErrKeyExists) {
		t.Errorf("expected ErrKeyExists, got %v", err)
	}
}

func TestMemoryStoreTenantsAndBlobs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.CreateTenant(ctx, "db1", TenantManifest{}); err != nil {
		t.Fatalf("create tenant failed: %v", err)
	}
	if err := store.CreateTenant(ctx, "db1", TenantManifest{}); err == nil {
		t.Error("re-creating a tenant must fail")
	}

	payload := []byte("ciphertext")
	if err := store.SaveAttachment(ctx, "db1", "blob-1", payload); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := store.ReadAttachment(ctx, "db1", "blob-1")
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("read failed: (%q, %v)", got, err)
	}

	if err := store.DeleteTenant(ctx, "db1"); err != nil {
		t.Fatalf("delete tenant failed: %v", err)
	}
	if _, err := store.ReadAttachment(ctx, "db1", "blob-1"); !errors.Is(err, ErrKeyNotFound) {
		t.Error("tenant deletion must drop its blobs")
	}
	if err := store.DeleteTenant(ctx, "db1"); !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("expected ErrTenantNotFound, got %v", err)
	}
}
