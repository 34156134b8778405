package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/canopyhq/canopy-agent/internal/infrastructure/database"
	_ "github.com/canopyhq/canopy-agent/migrations"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "agent.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewStore(db.DB)
}

func TestRecordAndList(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	transitions := []string{"executing", "successful"}
	for _, status := range transitions {
		err := store.Record(ctx, "device/main//", "restart", "r-1", status, []byte(`{"status":"`+status+`"}`))
		if err != nil {
			t.Fatalf("Record(%s) error = %v", status, err)
		}
	}

	entries, err := store.List(ctx, Filter{Target: "device/main//"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	// Newest first: the terminal transition leads.
	if entries[0].Status != "successful" || entries[1].Status != "executing" {
		t.Errorf("order = %s, %s", entries[0].Status, entries[1].Status)
	}
	if entries[0].CmdType != "restart" || entries[0].CmdID != "r-1" {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].RecordedAt.IsZero() {
		t.Error("recorded_at not populated")
	}
}

func TestRecordValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, "", "restart", "r-1", "init", nil); err == nil {
		t.Error("expected error for empty target")
	}
	if err := store.Record(ctx, "device/main//", "restart", "r-1", "", nil); err == nil {
		t.Error("expected error for empty status")
	}

	// Empty payload defaults to an empty JSON object.
	if err := store.Record(ctx, "device/main//", "restart", "r-1", "init", nil); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	entries, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if string(entries[0].Payload) != "{}" {
		t.Errorf("payload = %s, want {}", entries[0].Payload)
	}
}

func TestListFilters(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seed := []struct{ target, cmdType, cmdID, status string }{
		{"device/main//", "restart", "r-1", "successful"},
		{"device/main//", "software_update", "u-1", "executing"},
		{"device/child0//", "restart", "r-2", "failed"},
	}
	for _, s := range seed {
		if err := store.Record(ctx, s.target, s.cmdType, s.cmdID, s.status, nil); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by target", Filter{Target: "device/main//"}, 2},
		{"by type", Filter{CmdType: "restart"}, 2},
		{"by target and type", Filter{Target: "device/main//", CmdType: "restart"}, 1},
		{"by cmd id", Filter{CmdID: "u-1"}, 1},
		{"no match", Filter{Target: "device/absent//"}, 0},
		{"limited", Filter{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := store.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(entries) != tt.want {
				t.Errorf("got %d entries, want %d", len(entries), tt.want)
			}
		})
	}
}

func TestPrune(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Backdate one entry beyond the retention window.
	old := time.Now().UTC().Add(-48 * time.Hour).Format(time.RFC3339)
	_, err := store.db.ExecContext(ctx,
		"INSERT INTO command_log (target, cmd_type, cmd_id, status, payload, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		"device/main//", "restart", "r-old", "successful", "{}", old)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Record(ctx, "device/main//", "restart", "r-new", "init", nil); err != nil {
		t.Fatal(err)
	}

	deleted, err := store.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	entries, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].CmdID != "r-new" {
		t.Errorf("remaining = %+v", entries)
	}

	if _, err := store.Prune(ctx, 0); err == nil {
		t.Error("expected error for non-positive retention")
	}
}
