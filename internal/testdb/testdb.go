// Package testdb opens throwaway databases for package tests.
package testdb

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/sahilchouksey/chat-relay/database"
)

// Open returns a migrated in-memory sqlite store that is closed with the test.
func Open(t testing.TB) *database.GORMStore {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := database.StartSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := store.Init(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
