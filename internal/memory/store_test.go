package memory

import (
	"context"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "favorite_editor", "vim", ScopeGlobal, ""); err != nil {
		t.Fatalf("Set: %v", err)
	}
	entry, err := store.Get(ctx, "favorite_editor", "cli:default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry == nil || entry.Value != "vim" {
		t.Fatalf("Get = %+v, want vim", entry)
	}

	// Overwrite.
	if err := store.Set(ctx, "favorite_editor", "emacs", ScopeGlobal, ""); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	entry, _ = store.Get(ctx, "favorite_editor", "cli:default")
	if entry.Value != "emacs" {
		t.Errorf("Value after overwrite = %q, want emacs", entry.Value)
	}
}

func TestGetMissingKey(t *testing.T) {
	store := testStore(t)
	entry, err := store.Get(context.Background(), "nope", "cli:default")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry != nil {
		t.Errorf("Get missing = %+v, want nil", entry)
	}
}

func TestSessionScopeShadowsGlobal(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Set(ctx, "tone", "formal", ScopeGlobal, "")
	store.Set(ctx, "tone", "casual", ScopeSession, "cli:alice")

	// Alice sees her session override.
	entry, _ := store.Get(ctx, "tone", "cli:alice")
	if entry == nil || entry.Value != "casual" {
		t.Errorf("alice Get = %+v, want casual", entry)
	}

	// Bob still sees the global value.
	entry, _ = store.Get(ctx, "tone", "cli:bob")
	if entry == nil || entry.Value != "formal" {
		t.Errorf("bob Get = %+v, want formal", entry)
	}
}

func TestListShadowsDuplicateKeys(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Set(ctx, "tone", "formal", ScopeGlobal, "")
	store.Set(ctx, "tone", "casual", ScopeSession, "cli:alice")
	store.Set(ctx, "city", "Berlin", ScopeGlobal, "")

	entries, err := store.List(ctx, "cli:alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List = %d entries, want 2 (shadowed key collapses)", len(entries))
	}
	byKey := map[string]Entry{}
	for _, e := range entries {
		byKey[e.Key] = e
	}
	if byKey["tone"].Value != "casual" {
		t.Errorf("tone = %q, want session value", byKey["tone"].Value)
	}
	if byKey["city"].Value != "Berlin" {
		t.Errorf("city = %q", byKey["city"].Value)
	}
}

func TestDeleteScoped(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.Set(ctx, "tone", "formal", ScopeGlobal, "")
	store.Set(ctx, "tone", "casual", ScopeSession, "cli:alice")

	deleted, err := store.Delete(ctx, "tone", ScopeSession, "cli:alice")
	if err != nil || !deleted {
		t.Fatalf("Delete = (%v, %v)", deleted, err)
	}

	// The global entry is untouched and visible again.
	entry, _ := store.Get(ctx, "tone", "cli:alice")
	if entry == nil || entry.Value != "formal" {
		t.Errorf("Get after session delete = %+v, want formal", entry)
	}

	deleted, _ = store.Delete(ctx, "tone", ScopeSession, "cli:alice")
	if deleted {
		t.Error("second delete should report nothing removed")
	}
}

func TestAddNoteIdempotentByID(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	id, err := store.AddNote(ctx, "compact:abcd", "cli:default", "summary v1")
	if err != nil {
		t.Fatalf("AddNote: %v", err)
	}
	if id != "compact:abcd" {
		t.Errorf("id = %q", id)
	}
	// Same id again updates in place instead of duplicating.
	if _, err := store.AddNote(ctx, "compact:abcd", "cli:default", "summary v2"); err != nil {
		t.Fatalf("AddNote again: %v", err)
	}

	notes, err := store.Notes(ctx, "cli:default", 10)
	if err != nil {
		t.Fatalf("Notes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("Notes = %d, want 1", len(notes))
	}
	if notes[0].Content != "summary v2" {
		t.Errorf("Content = %q, want the updated text", notes[0].Content)
	}
}

func TestSearchNotesSubstring(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	store.AddNote(ctx, "", "cli:default", "discussed the quarterly report")
	store.AddNote(ctx, "", "cli:default", "user prefers short answers")
	store.AddNote(ctx, "", "cli:other", "quarterly planning for another chat")

	notes, err := store.SearchNotes(ctx, "cli:default", "quarterly", 5)
	if err != nil {
		t.Fatalf("SearchNotes: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("SearchNotes = %d, want 1 (other session excluded)", len(notes))
	}
}
