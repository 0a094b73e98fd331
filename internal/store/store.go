package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/inkwell-labs/inkwell/backend/internal/blame"
	"github.com/inkwell-labs/inkwell/backend/internal/collab"
)

const (
	opStoreNew       = "store.new"
	opGetNote        = "store.get_note"
	opSaveCheckpoint = "store.save_checkpoint"
	opHasBlameRows   = "store.has_blame_rows"
	opListBlame      = "store.list_blame"

	queryNoteID     = "note_id = ?"
	queryNoteLineGT = "note_id = ? AND line_number > ?"
	orderLineAsc    = "line_number ASC"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingNoteID     = errors.New("note identifier is required")
	errMissingAuthor     = errors.New("author identifier is required")
	noOpLogger           = zap.NewNop()
)

// StoreError carries an operation.reason code alongside the cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable error code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for new revisions.
type IDProvider interface {
	NewID() (string, error)
}

// Config describes the dependencies of the gorm-backed store.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// GormStore implements the collab.Store persistence contract on gorm. It is
// the single concrete storage implementation, chosen once at startup.
type GormStore struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// New validates the configuration and returns a GormStore.
func New(cfg Config) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &GormStore{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// GetNote loads the durable baseline for a note. A missing note yields a
// zero snapshot rather than an error so new rooms start empty.
func (s *GormStore) GetNote(ctx context.Context, noteID string) (collab.NoteSnapshot, error) {
	if noteID == "" {
		return collab.NoteSnapshot{}, newStoreError(opGetNote, "missing_note_id", errMissingNoteID)
	}
	var note Note
	err := s.db.WithContext(ctx).Where(queryNoteID, noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return collab.NoteSnapshot{}, nil
	}
	if err != nil {
		s.logError(opGetNote, "query_failed", err, zap.String("note_id", noteID))
		return collab.NoteSnapshot{}, newStoreError(opGetNote, "query_failed", err)
	}
	return collab.NoteSnapshot{
		Exists:    true,
		Content:   note.Content,
		UpdatedAt: time.Unix(note.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

// SaveCheckpoint persists one checkpoint atomically: a new revision, the
// updated note row, and (when requested) the rebuilt blame table with rows
// past the new line count pruned.
func (s *GormStore) SaveCheckpoint(ctx context.Context, write collab.CheckpointWrite) (collab.CheckpointReceipt, error) {
	if write.NoteID == "" {
		return collab.CheckpointReceipt{}, newStoreError(opSaveCheckpoint, "missing_note_id", errMissingNoteID)
	}
	if write.AuthorUserID == "" {
		return collab.CheckpointReceipt{}, newStoreError(opSaveCheckpoint, "missing_author", errMissingAuthor)
	}

	revisionID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSaveCheckpoint, "id_generation_failed", err, zap.String("note_id", write.NoteID))
		return collab.CheckpointReceipt{}, newStoreError(opSaveCheckpoint, "id_generation_failed", err)
	}

	savedAt := write.SavedAt
	if savedAt.IsZero() {
		savedAt = s.clock().UTC()
	}
	nextLines := blame.SplitLines(write.Content)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var note Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryNoteID, write.NoteID).
			Take(&note).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			note = Note{NoteID: write.NoteID, WorkspaceID: write.WorkspaceID}
		} else if err != nil {
			s.logError(opSaveCheckpoint, "note_select_failed", err, zap.String("note_id", write.NoteID))
			return newStoreError(opSaveCheckpoint, "note_select_failed", err)
		}

		revision := Revision{
			RevisionID:       revisionID,
			WorkspaceID:      write.WorkspaceID,
			NoteID:           write.NoteID,
			AuthorUserID:     write.AuthorUserID,
			Content:          write.Content,
			CreatedAtSeconds: savedAt.Unix(),
		}
		if err := tx.Create(&revision).Error; err != nil {
			s.logError(opSaveCheckpoint, "revision_insert_failed", err, zap.String("note_id", write.NoteID))
			return newStoreError(opSaveCheckpoint, "revision_insert_failed", err)
		}

		note.Content = write.Content
		note.UpdatedAtSeconds = savedAt.Unix()
		if err := tx.Save(&note).Error; err != nil {
			s.logError(opSaveCheckpoint, "note_save_failed", err, zap.String("note_id", write.NoteID))
			return newStoreError(opSaveCheckpoint, "note_save_failed", err)
		}

		if !write.IncludeBlame {
			return nil
		}

		var existing []BlameLine
		if err := tx.Where(queryNoteID, write.NoteID).Order(orderLineAsc).Find(&existing).Error; err != nil {
			s.logError(opSaveCheckpoint, "blame_select_failed", err, zap.String("note_id", write.NoteID))
			return newStoreError(opSaveCheckpoint, "blame_select_failed", err)
		}

		rows := blame.Attribute(
			blame.SplitLines(write.PreviousContent),
			nextLines,
			toBlameRows(existing),
			write.AuthorUserID,
			revisionID,
			savedAt,
		)
		if len(rows) > 0 {
			models := make([]BlameLine, 0, len(rows))
			for _, row := range rows {
				models = append(models, BlameLine{
					NoteID:           write.NoteID,
					LineNumber:       row.LineNumber,
					AuthorUserID:     row.AuthorUserID,
					RevisionID:       row.RevisionID,
					TouchedAtSeconds: row.TouchedAt.Unix(),
				})
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "note_id"}, {Name: "line_number"}},
				DoUpdates: clause.AssignmentColumns([]string{"author_user_id", "revision_id", "touched_at_s"}),
			}).Create(&models).Error
			if err != nil {
				s.logError(opSaveCheckpoint, "blame_upsert_failed", err, zap.String("note_id", write.NoteID))
				return newStoreError(opSaveCheckpoint, "blame_upsert_failed", err)
			}
		}
		if err := tx.Where(queryNoteLineGT, write.NoteID, len(nextLines)).Delete(&BlameLine{}).Error; err != nil {
			s.logError(opSaveCheckpoint, "blame_prune_failed", err, zap.String("note_id", write.NoteID))
			return newStoreError(opSaveCheckpoint, "blame_prune_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return collab.CheckpointReceipt{}, txErr
	}

	return collab.CheckpointReceipt{RevisionID: revisionID, LineCount: len(nextLines)}, nil
}

// HasBlameRows reports whether any attribution rows exist for the note.
func (s *GormStore) HasBlameRows(ctx context.Context, noteID string) (bool, error) {
	if noteID == "" {
		return false, newStoreError(opHasBlameRows, "missing_note_id", errMissingNoteID)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&BlameLine{}).Where(queryNoteID, noteID).Count(&count).Error; err != nil {
		s.logError(opHasBlameRows, "query_failed", err, zap.String("note_id", noteID))
		return false, newStoreError(opHasBlameRows, "query_failed", err)
	}
	return count > 0, nil
}

// ListBlame returns the note's attribution rows ordered by line number.
func (s *GormStore) ListBlame(ctx context.Context, noteID string) ([]BlameLine, error) {
	if noteID == "" {
		return nil, newStoreError(opListBlame, "missing_note_id", errMissingNoteID)
	}
	var rows []BlameLine
	if err := s.db.WithContext(ctx).Where(queryNoteID, noteID).Order(orderLineAsc).Find(&rows).Error; err != nil {
		s.logError(opListBlame, "query_failed", err, zap.String("note_id", noteID))
		return nil, newStoreError(opListBlame, "query_failed", err)
	}
	return rows, nil
}

func toBlameRows(models []BlameLine) []blame.Row {
	rows := make([]blame.Row, 0, len(models))
	for _, model := range models {
		rows = append(rows, blame.Row{
			LineNumber:   model.LineNumber,
			AuthorUserID: model.AuthorUserID,
			RevisionID:   model.RevisionID,
			TouchedAt:    time.Unix(model.TouchedAtSeconds, 0).UTC(),
		})
	}
	return rows
}

func (s *GormStore) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store error", attrs...)
}
