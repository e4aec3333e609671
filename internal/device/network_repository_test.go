package device

import (
	"context"
	"errors"
	"testing"
)

func TestNetworkCreateAndGet(t *testing.T) {
	db := testDB(t)
	repo := NewNetworkRepository(db)
	ctx := context.Background()

	n := mustCreateNetwork(t, repo, "house", "house-key")
	if n.ID == "" {
		t.Fatal("ID not generated")
	}

	byID, err := repo.GetByID(ctx, n.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if byID.Name != "house" || byID.Key != "house-key" {
		t.Errorf("got %+v, want name house key house-key", byID)
	}

	byName, err := repo.GetByName(ctx, "house")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if byName.ID != n.ID {
		t.Errorf("ID = %q, want %q", byName.ID, n.ID)
	}
}

func TestNetworkCreate_DuplicateName(t *testing.T) {
	db := testDB(t)
	repo := NewNetworkRepository(db)

	mustCreateNetwork(t, repo, "house", "")

	err := repo.Create(context.Background(), &Network{Name: "house"})
	if !errors.Is(err, ErrNetworkExists) {
		t.Errorf("err = %v, want ErrNetworkExists", err)
	}
}

func TestNetworkGet_NotFound(t *testing.T) {
	db := testDB(t)
	repo := NewNetworkRepository(db)
	ctx := context.Background()

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, ErrNetworkNotFound) {
		t.Errorf("GetByID err = %v, want ErrNetworkNotFound", err)
	}
	if _, err := repo.GetByName(ctx, "missing"); !errors.Is(err, ErrNetworkNotFound) {
		t.Errorf("GetByName err = %v, want ErrNetworkNotFound", err)
	}
}

func TestGetOrCreate(t *testing.T) {
	db := testDB(t)
	repo := NewNetworkRepository(db)
	ctx := context.Background()

	// Absent network is created.
	n, err := repo.GetOrCreate(ctx, "garage", "garage-key")
	if err != nil {
		t.Fatalf("GetOrCreate (create): %v", err)
	}
	if n.ID == "" || n.Key != "garage-key" {
		t.Errorf("created network = %+v", n)
	}

	// Existing network with matching key is returned, not duplicated.
	again, err := repo.GetOrCreate(ctx, "garage", "garage-key")
	if err != nil {
		t.Fatalf("GetOrCreate (existing): %v", err)
	}
	if again.ID != n.ID {
		t.Errorf("ID = %q, want %q", again.ID, n.ID)
	}

	// Empty caller key is accepted against a keyed network.
	if _, err := repo.GetOrCreate(ctx, "garage", ""); err != nil {
		t.Errorf("GetOrCreate (empty key): %v", err)
	}

	// Wrong key is rejected.
	if _, err := repo.GetOrCreate(ctx, "garage", "wrong"); !errors.Is(err, ErrNetworkKeyMismatch) {
		t.Errorf("err = %v, want ErrNetworkKeyMismatch", err)
	}
}

func TestNetworkList(t *testing.T) {
	db := testDB(t)
	repo := NewNetworkRepository(db)

	mustCreateNetwork(t, repo, "bravo", "")
	mustCreateNetwork(t, repo, "alpha", "")

	networks, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(networks) != 2 {
		t.Fatalf("len = %d, want 2", len(networks))
	}
	if networks[0].Name != "alpha" || networks[1].Name != "bravo" {
		t.Errorf("order = [%q, %q], want [alpha, bravo]", networks[0].Name, networks[1].Name)
	}
}

func TestNetworkDelete(t *testing.T) {
	db := testDB(t)
	repo := NewNetworkRepository(db)
	devRepo := NewSQLiteRepository(db)
	ctx := context.Background()

	n := mustCreateNetwork(t, repo, "house", "")
	mustSaveDevice(t, devRepo, &Device{GUID: "dev-1", Key: "k", Name: "One", NetworkID: &n.ID})

	if err := repo.Delete(ctx, n.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// ON DELETE SET NULL detaches the device instead of removing it.
	d, err := devRepo.GetByGUID(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetByGUID: %v", err)
	}
	if d.NetworkID != nil {
		t.Errorf("network id = %q, want nil", *d.NetworkID)
	}

	if err := repo.Delete(ctx, n.ID); !errors.Is(err, ErrNetworkNotFound) {
		t.Errorf("double delete err = %v, want ErrNetworkNotFound", err)
	}
}
