package db

import (
	"io"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestEmbeddedMigrationsLoad(t *testing.T) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		t.Fatalf("migration source: %v", err)
	}
	defer source.Close()

	version, err := source.First()
	if err != nil {
		t.Fatalf("first version: %v", err)
	}
	if version != 1 {
		t.Fatalf("first version = %d, want 1", version)
	}

	up, _, err := source.ReadUp(version)
	if err != nil {
		t.Fatalf("read up: %v", err)
	}
	defer up.Close()
	if _, err := io.ReadAll(up); err != nil {
		t.Fatalf("read up body: %v", err)
	}

	down, _, err := source.ReadDown(version)
	if err != nil {
		t.Fatalf("read down: %v", err)
	}
	down.Close()
}

// The message log orders history by (created_at, seq); seq is assigned by
// the database in insertion order so that messages sharing a timestamp
// replay in the order they were written.
func TestMessageLogSchemaOrdersByInsertionSequence(t *testing.T) {
	raw, err := migrationFS.ReadFile("migrations/0001_init.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	schema := string(raw)

	if !strings.Contains(schema, "seq        BIGSERIAL") {
		t.Error("chat_messages is missing the seq BIGSERIAL column")
	}
	if !strings.Contains(schema, "ON chat_messages (room_id, created_at, seq)") {
		t.Error("chat_messages index does not cover (room_id, created_at, seq)")
	}
}
