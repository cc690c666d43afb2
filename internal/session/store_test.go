package session

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dermalab/derma/pkg/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewStoreWithPath(dbPath)
	if err != nil {
		t.Fatalf("NewStoreWithPath() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(id string, createdAt time.Time) *models.CaseRecord {
	return &models.CaseRecord{
		ID:        id,
		ImagePath: "/data/images/" + id + ".jpg",
		Summary:   "MEDICAL DISCLAIMER: preliminary analysis",
		CreatedAt: createdAt,
		Turns: []*models.Turn{
			{
				ID:        id + "-t0",
				Role:      models.RoleUser,
				Text:      models.AnalysisPrompt,
				Timestamp: createdAt,
			},
			{
				ID:        id + "-t1",
				Role:      models.RoleModel,
				Text:      "The lesion resembles eczema.",
				Timestamp: createdAt.Add(2 * time.Second),
				Sources: []models.Source{
					{Title: "Eczema overview", URI: "https://example.org/eczema", Type: models.SourceWeb},
					{Title: "Skin Clinic", URI: "https://maps.google.com/?cid=5", Type: models.SourcePlace, Snippet: "Very thorough."},
				},
			},
		},
	}
}

func TestStore_SaveAndGetCase(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := sampleRecord("case-1", time.Now().UTC().Truncate(time.Second))
	if err := store.SaveCase(ctx, record); err != nil {
		t.Fatalf("SaveCase() error = %v", err)
	}

	loaded, err := store.GetCase(ctx, "case-1")
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}

	if loaded.ImagePath != record.ImagePath {
		t.Errorf("ImagePath = %q, want %q", loaded.ImagePath, record.ImagePath)
	}
	if loaded.Summary != record.Summary {
		t.Errorf("Summary = %q, want %q", loaded.Summary, record.Summary)
	}
	if len(loaded.Turns) != 2 {
		t.Fatalf("Turns = %d, want 2", len(loaded.Turns))
	}
	if loaded.Turns[0].Role != models.RoleUser || loaded.Turns[1].Role != models.RoleModel {
		t.Error("turn roles not preserved in order")
	}

	sources := loaded.Turns[1].Sources
	if len(sources) != 2 {
		t.Fatalf("Sources = %d, want 2", len(sources))
	}
	if sources[0].Type != models.SourceWeb || sources[0].URI != "https://example.org/eczema" {
		t.Errorf("web source = %+v", sources[0])
	}
	if sources[1].Type != models.SourcePlace || sources[1].Snippet != "Very thorough." {
		t.Errorf("place source = %+v", sources[1])
	}
}

func TestStore_SaveCase_PreservesErrorFlag(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := sampleRecord("case-err", time.Now())
	record.Turns = append(record.Turns, &models.Turn{
		ID:        "case-err-t2",
		Role:      models.RoleModel,
		Text:      ErrorReplyText,
		Timestamp: time.Now(),
		IsError:   true,
	})
	if err := store.SaveCase(ctx, record); err != nil {
		t.Fatalf("SaveCase() error = %v", err)
	}

	loaded, err := store.GetCase(ctx, "case-err")
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}
	if !loaded.Turns[2].IsError {
		t.Error("IsError flag not persisted")
	}
	if loaded.Turns[2].Sources != nil {
		t.Errorf("error turn sources = %v, want nil", loaded.Turns[2].Sources)
	}
}

func TestStore_SaveCase_ReplacesTurns(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := sampleRecord("case-1", time.Now())
	if err := store.SaveCase(ctx, record); err != nil {
		t.Fatalf("SaveCase() error = %v", err)
	}

	record.Turns = append(record.Turns, &models.Turn{
		ID:        "case-1-t2",
		Role:      models.RoleUser,
		Text:      "Is it contagious?",
		Timestamp: time.Now(),
	})
	record.Summary = "updated summary"
	if err := store.SaveCase(ctx, record); err != nil {
		t.Fatalf("SaveCase() re-save error = %v", err)
	}

	loaded, err := store.GetCase(ctx, "case-1")
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}
	if len(loaded.Turns) != 3 {
		t.Errorf("Turns = %d after re-save, want 3", len(loaded.Turns))
	}
	if loaded.Summary != "updated summary" {
		t.Errorf("Summary = %q, want updated", loaded.Summary)
	}

	count, err := store.CountCases(ctx)
	if err != nil {
		t.Fatalf("CountCases() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountCases() = %d after re-save, want 1", count)
	}
}

func TestStore_GetCase_NotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetCase(context.Background(), "missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetCase() error = %v, want sql.ErrNoRows", err)
	}
}

func TestStore_ListCases(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"old", "mid", "new"} {
		record := sampleRecord(id, base.Add(time.Duration(i)*time.Minute))
		if err := store.SaveCase(ctx, record); err != nil {
			t.Fatalf("SaveCase(%s) error = %v", id, err)
		}
	}

	records, err := store.ListCases(ctx)
	if err != nil {
		t.Fatalf("ListCases() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("ListCases() = %d records, want 3", len(records))
	}

	wantOrder := []string{"new", "mid", "old"}
	for i, want := range wantOrder {
		if records[i].ID != want {
			t.Errorf("records[%d].ID = %q, want %q", i, records[i].ID, want)
		}
	}

	// Listings are shallow.
	if records[0].Turns != nil {
		t.Error("ListCases() should not load turn snapshots")
	}
}

func TestStore_DeleteCase(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.SaveCase(ctx, sampleRecord("case-1", time.Now())); err != nil {
		t.Fatalf("SaveCase() error = %v", err)
	}

	if err := store.DeleteCase(ctx, "case-1"); err != nil {
		t.Fatalf("DeleteCase() error = %v", err)
	}

	if _, err := store.GetCase(ctx, "case-1"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetCase() after delete error = %v, want sql.ErrNoRows", err)
	}

	var orphans int
	err := store.db.QueryRow(`SELECT COUNT(*) FROM case_turns WHERE case_id = ?`, "case-1").Scan(&orphans)
	if err != nil {
		t.Fatalf("count orphans: %v", err)
	}
	if orphans != 0 {
		t.Errorf("%d orphaned turns left behind", orphans)
	}
}

func TestStore_EmptyImagePath(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	record := sampleRecord("no-image", time.Now())
	record.ImagePath = ""
	if err := store.SaveCase(ctx, record); err != nil {
		t.Fatalf("SaveCase() error = %v", err)
	}

	loaded, err := store.GetCase(ctx, "no-image")
	if err != nil {
		t.Fatalf("GetCase() error = %v", err)
	}
	if loaded.ImagePath != "" {
		t.Errorf("ImagePath = %q, want empty", loaded.ImagePath)
	}
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	if got := FormatTimestamp(ts); got != "2025-03-14 09:26:53" {
		t.Errorf("FormatTimestamp() = %q", got)
	}
}
