package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/inkwell-labs/inkwell/backend/internal/collab"
)

type fixedIDProvider struct {
	ids  []string
	next int
}

func (p *fixedIDProvider) NewID() (string, error) {
	if p.next >= len(p.ids) {
		return "", fmt.Errorf("no ids remaining")
	}
	id := p.ids[p.next]
	p.next++
	return id, nil
}

func mustDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Note{}, &Revision{}, &BlameLine{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustStore(t *testing.T, db *gorm.DB, ids ...string) *GormStore {
	t.Helper()
	cfg := Config{Database: db, Clock: func() time.Time { return time.Unix(1700000000, 0).UTC() }}
	if len(ids) > 0 {
		cfg.IDProvider = &fixedIDProvider{ids: ids}
	}
	gormStore, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return gormStore
}

func mustSave(t *testing.T, gormStore *GormStore, write collab.CheckpointWrite) collab.CheckpointReceipt {
	t.Helper()
	receipt, err := gormStore.SaveCheckpoint(context.Background(), write)
	if err != nil {
		t.Fatalf("SaveCheckpoint returned error: %v", err)
	}
	return receipt
}

func TestGetNoteMissing(t *testing.T) {
	gormStore := mustStore(t, mustDatabase(t))

	snapshot, err := gormStore.GetNote(context.Background(), "note-missing")
	if err != nil {
		t.Fatalf("GetNote returned error: %v", err)
	}
	if snapshot.Exists {
		t.Fatalf("expected missing note to yield a zero snapshot")
	}
}

func TestSaveCheckpointCreatesRevisionNoteAndBlame(t *testing.T) {
	db := mustDatabase(t)
	gormStore := mustStore(t, db, "rev-1")

	savedAt := time.Unix(1700000100, 0).UTC()
	receipt := mustSave(t, gormStore, collab.CheckpointWrite{
		WorkspaceID:  "ws-1",
		NoteID:       "note-1",
		AuthorUserID: "user-1",
		Content:      "alpha\nbeta\ngamma",
		IncludeBlame: true,
		SavedAt:      savedAt,
	})
	if receipt.RevisionID != "rev-1" || receipt.LineCount != 3 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}

	snapshot, err := gormStore.GetNote(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("GetNote returned error: %v", err)
	}
	if !snapshot.Exists || snapshot.Content != "alpha\nbeta\ngamma" {
		t.Fatalf("unexpected note snapshot: %+v", snapshot)
	}
	if !snapshot.UpdatedAt.Equal(savedAt) {
		t.Fatalf("expected updated at %v, got %v", savedAt, snapshot.UpdatedAt)
	}

	var revisionCount int64
	if err := db.Model(&Revision{}).Where("note_id = ?", "note-1").Count(&revisionCount).Error; err != nil {
		t.Fatalf("failed to count revisions: %v", err)
	}
	if revisionCount != 1 {
		t.Fatalf("expected 1 revision, got %d", revisionCount)
	}

	rows, err := gormStore.ListBlame(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("ListBlame returned error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 blame rows, got %d", len(rows))
	}
	for index, row := range rows {
		if row.LineNumber != index+1 {
			t.Fatalf("expected contiguous line numbers, got %+v", rows)
		}
		if row.AuthorUserID != "user-1" || row.RevisionID != "rev-1" {
			t.Fatalf("unexpected attribution: %+v", row)
		}
	}
}

func TestSaveCheckpointAttributesOnlyChangedLines(t *testing.T) {
	gormStore := mustStore(t, mustDatabase(t), "rev-1", "rev-2")

	mustSave(t, gormStore, collab.CheckpointWrite{
		WorkspaceID:  "ws-1",
		NoteID:       "note-1",
		AuthorUserID: "user-1",
		Content:      "alpha\nbeta\ngamma",
		IncludeBlame: true,
	})
	mustSave(t, gormStore, collab.CheckpointWrite{
		WorkspaceID:     "ws-1",
		NoteID:          "note-1",
		AuthorUserID:    "user-2",
		PreviousContent: "alpha\nbeta\ngamma",
		Content:         "alpha\nBETA\ngamma",
		IncludeBlame:    true,
	})

	rows, err := gormStore.ListBlame(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("ListBlame returned error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 blame rows, got %d", len(rows))
	}
	if rows[0].AuthorUserID != "user-1" || rows[0].RevisionID != "rev-1" {
		t.Fatalf("expected line 1 to keep its original author, got %+v", rows[0])
	}
	if rows[1].AuthorUserID != "user-2" || rows[1].RevisionID != "rev-2" {
		t.Fatalf("expected line 2 to adopt the editing author, got %+v", rows[1])
	}
	if rows[2].AuthorUserID != "user-1" || rows[2].RevisionID != "rev-1" {
		t.Fatalf("expected line 3 to keep its original author, got %+v", rows[2])
	}
}

func TestSaveCheckpointPrunesRowsPastLineCount(t *testing.T) {
	gormStore := mustStore(t, mustDatabase(t), "rev-1", "rev-2")

	mustSave(t, gormStore, collab.CheckpointWrite{
		WorkspaceID:  "ws-1",
		NoteID:       "note-1",
		AuthorUserID: "user-1",
		Content:      "one\ntwo\nthree\nfour",
		IncludeBlame: true,
	})
	mustSave(t, gormStore, collab.CheckpointWrite{
		WorkspaceID:     "ws-1",
		NoteID:          "note-1",
		AuthorUserID:    "user-2",
		PreviousContent: "one\ntwo\nthree\nfour",
		Content:         "one",
		IncludeBlame:    true,
	})

	rows, err := gormStore.ListBlame(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("ListBlame returned error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected pruned blame table with 1 row, got %d", len(rows))
	}
	if rows[0].LineNumber != 1 || rows[0].AuthorUserID != "user-1" {
		t.Fatalf("expected surviving line to keep its attribution, got %+v", rows[0])
	}
}

func TestSaveCheckpointSkipsBlameWhenNotRequested(t *testing.T) {
	gormStore := mustStore(t, mustDatabase(t), "rev-1")

	mustSave(t, gormStore, collab.CheckpointWrite{
		WorkspaceID:  "ws-1",
		NoteID:       "note-1",
		AuthorUserID: "user-1",
		Content:      "alpha\nbeta",
	})

	hasRows, err := gormStore.HasBlameRows(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("HasBlameRows returned error: %v", err)
	}
	if hasRows {
		t.Fatalf("expected no blame rows without IncludeBlame")
	}
}

func TestHasBlameRows(t *testing.T) {
	gormStore := mustStore(t, mustDatabase(t), "rev-1")

	hasRows, err := gormStore.HasBlameRows(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("HasBlameRows returned error: %v", err)
	}
	if hasRows {
		t.Fatalf("expected no rows before the first checkpoint")
	}

	mustSave(t, gormStore, collab.CheckpointWrite{
		WorkspaceID:  "ws-1",
		NoteID:       "note-1",
		AuthorUserID: "user-1",
		Content:      "alpha",
		IncludeBlame: true,
	})

	hasRows, err = gormStore.HasBlameRows(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("HasBlameRows returned error: %v", err)
	}
	if !hasRows {
		t.Fatalf("expected rows after an attributed checkpoint")
	}
}

func TestSaveCheckpointRequiresAuthor(t *testing.T) {
	gormStore := mustStore(t, mustDatabase(t))

	_, err := gormStore.SaveCheckpoint(context.Background(), collab.CheckpointWrite{
		WorkspaceID: "ws-1",
		NoteID:      "note-1",
		Content:     "alpha",
	})
	if err == nil {
		t.Fatalf("expected error for missing author")
	}
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Code() != "store.save_checkpoint.missing_author" {
		t.Fatalf("unexpected error: %v", err)
	}
}
