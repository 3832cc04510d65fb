package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/privchat/privchat/internal/userstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "identity.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnsureRootAdmin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	admin, err := store.EnsureRootAdmin(ctx, "Admin@Example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin: %v", err)
	}
	if admin.Email != "admin@example.com" {
		t.Fatalf("email not normalized: %s", admin.Email)
	}
	if admin.Role != userstore.RoleAdmin {
		t.Fatalf("expected admin role, got %s", admin.Role)
	}

	again, err := store.EnsureRootAdmin(ctx, "admin@example.com")
	if err != nil {
		t.Fatalf("EnsureRootAdmin again: %v", err)
	}
	if again.ID != admin.ID {
		t.Fatalf("expected same admin record, got %d and %d", admin.ID, again.ID)
	}
}

func TestCreateUserAndFind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "alice@example.com", "Alice", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.Status != userstore.StatusActive || user.Role != userstore.RoleUser {
		t.Fatalf("unexpected defaults %+v", user)
	}

	if _, err := store.CreateUser(ctx, "alice@example.com", "Dup", "hash"); err != userstore.ErrEmailTaken {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}

	found, err := store.FindByEmail(ctx, "ALICE@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if found == nil || found.ID != user.ID {
		t.Fatalf("lookup mismatch: %+v", found)
	}

	missing, err := store.FindByEmail(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("FindByEmail missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown email, got %+v", missing)
	}
}

func TestUpdateUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "bob@example.com", "Bob", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	disabled := userstore.StatusDisabled
	name := "Robert"
	updated, err := store.UpdateUser(ctx, user.ID, userstore.UserUpdate{Status: &disabled, DisplayName: &name})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.Status != userstore.StatusDisabled {
		t.Fatalf("status not updated: %s", updated.Status)
	}
	if updated.DisplayName != "Robert" {
		t.Fatalf("display name not updated: %s", updated.DisplayName)
	}
	if updated.Role != userstore.RoleUser {
		t.Fatalf("role should be unchanged, got %s", updated.Role)
	}
}

func TestWhitelist(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok, err := store.IsWhitelisted(ctx, "carol@example.com")
	if err != nil {
		t.Fatalf("IsWhitelisted: %v", err)
	}
	if ok {
		t.Fatal("empty whitelist should not allow carol")
	}

	entry, err := store.AddWhitelist(ctx, "Carol@Example.com", "invited")
	if err != nil {
		t.Fatalf("AddWhitelist: %v", err)
	}
	if entry.Email != "carol@example.com" {
		t.Fatalf("email not normalized: %s", entry.Email)
	}

	// Duplicate add is a no-op returning the stored entry.
	dup, err := store.AddWhitelist(ctx, "carol@example.com", "again")
	if err != nil {
		t.Fatalf("AddWhitelist dup: %v", err)
	}
	if dup.ID != entry.ID || dup.Note != "invited" {
		t.Fatalf("expected original entry back, got %+v", dup)
	}

	ok, err = store.IsWhitelisted(ctx, "carol@example.com")
	if err != nil {
		t.Fatalf("IsWhitelisted: %v", err)
	}
	if !ok {
		t.Fatal("carol should be whitelisted")
	}

	if err := store.RemoveWhitelist(ctx, entry.ID); err != nil {
		t.Fatalf("RemoveWhitelist: %v", err)
	}
	entries, err := store.ListWhitelist(ctx)
	if err != nil {
		t.Fatalf("ListWhitelist: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty whitelist, got %d entries", len(entries))
	}
}

func TestTouchLastLogin(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.CreateUser(ctx, "login@example.com", "Login", "hash")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if user.LastLoginAt != nil {
		t.Fatalf("expected no last login before first login, got %v", user.LastLoginAt)
	}

	if err := store.TouchLastLogin(ctx, user.ID); err != nil {
		t.Fatalf("TouchLastLogin: %v", err)
	}
	stored, err := store.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if stored.LastLoginAt == nil {
		t.Fatal("expected last login stamped")
	}
}
