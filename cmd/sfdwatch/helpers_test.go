package main

import (
	"testing"

	"github.com/tinytelemetry/sfdwatch/internal/duckdb"
)

func newArchive(t *testing.T) *duckdb.Store {
	t.Helper()
	store, err := duckdb.NewStore("")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
