package testsupport

import (
	"testing"

	"motorctl/internal/config"
	"motorctl/internal/inventory"
)

// MustOpenInventory opens an inventory.Store for tests and registers cleanup.
func MustOpenInventory(t testing.TB, cfg *config.Config) *inventory.Store {
	t.Helper()

	store, err := inventory.Open(cfg)
	if err != nil {
		t.Fatalf("inventory.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
