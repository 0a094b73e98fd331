package collab

import (
	"context"
	"time"
)

// NoteSnapshot is the durable baseline a room seeds from.
type NoteSnapshot struct {
	Exists    bool
	Content   string
	UpdatedAt time.Time
}

// CheckpointWrite describes one durable checkpoint: a new revision, the
// updated note content, and (optionally) a rebuilt blame table.
type CheckpointWrite struct {
	WorkspaceID     string
	NoteID          string
	AuthorUserID    string
	PreviousContent string
	Content         string
	IncludeBlame    bool
	SavedAt         time.Time
}

// CheckpointReceipt reports the durable outcome of a checkpoint write.
type CheckpointReceipt struct {
	RevisionID string
	LineCount  int
}

// Store is the persistence collaborator for checkpoints. Exactly one
// concrete implementation is chosen at startup.
type Store interface {
	GetNote(ctx context.Context, noteID string) (NoteSnapshot, error)
	SaveCheckpoint(ctx context.Context, write CheckpointWrite) (CheckpointReceipt, error)
	HasBlameRows(ctx context.Context, noteID string) (bool, error)
}
