package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSeedAdmin_CreatesAdminOnEmptyDatabase(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	password, err := SeedAdmin(ctx, repo, "admin", "", discardLogger())
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password == "" {
		t.Fatal("expected generated password")
	}

	admin, err := repo.GetByLogin(ctx, "admin")
	if err != nil {
		t.Fatalf("GetByLogin() error = %v", err)
	}
	if admin.Role != RoleAdmin {
		t.Errorf("Role = %q, want %q", admin.Role, RoleAdmin)
	}
	if !admin.IsActive() {
		t.Error("seeded admin should be active")
	}

	ok, err := VerifyPassword(password, admin.PasswordHash)
	if err != nil {
		t.Fatalf("VerifyPassword() error = %v", err)
	}
	if !ok {
		t.Error("generated password should verify against stored hash")
	}
}

func TestSeedAdmin_UsesConfiguredPassword(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	password, err := SeedAdmin(ctx, repo, "root", "configured-password", discardLogger())
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password != "configured-password" {
		t.Errorf("password = %q, want configured value", password)
	}

	admin, err := repo.GetByLogin(ctx, "root")
	if err != nil {
		t.Fatalf("GetByLogin() error = %v", err)
	}
	ok, _ := VerifyPassword("configured-password", admin.PasswordHash)
	if !ok {
		t.Error("configured password should verify")
	}
}

func TestSeedAdmin_SkipsWhenUsersExist(t *testing.T) {
	db := testDB(t)
	repo := NewUserRepository(db)
	ctx := context.Background()

	mustCreateUser(t, repo, "existing", RoleClient)

	password, err := SeedAdmin(ctx, repo, "admin", "", discardLogger())
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password != "" {
		t.Error("seeding should be skipped when users exist")
	}

	if _, err := repo.GetByLogin(ctx, "admin"); err == nil {
		t.Error("admin should not have been created")
	}
}
