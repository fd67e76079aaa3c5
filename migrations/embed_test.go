package migrations

import (
	"strings"
	"testing"
)

func TestEmbeddedFS_ContainsMigrationFiles(t *testing.T) {
	entries, err := FS.ReadDir(".")
	if err != nil {
		t.Fatalf("failed to read embedded FS: %v", err)
	}

	found := false
	for _, entry := range entries {
		if entry.Name() == "001_local_index.sql" {
			found = true
			break
		}
	}
	if !found {
		t.Error("001_local_index.sql not found in embedded FS")
	}
}

func TestEmbeddedFS_MigrationFileReadable(t *testing.T) {
	content, err := FS.ReadFile("001_local_index.sql")
	if err != nil {
		t.Fatalf("failed to read migration file: %v", err)
	}

	s := string(content)
	for _, marker := range []string{
		"-- +goose Up",
		"-- +goose Down",
		"CREATE TABLE search_indexes",
		"CREATE TABLE search_documents",
	} {
		if !strings.Contains(s, marker) {
			t.Errorf("migration missing %q", marker)
		}
	}
}
