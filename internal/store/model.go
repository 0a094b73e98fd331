// Package store is the durable side of the collaboration engine: notes,
// append-only revisions, and the per-line blame table.
package store

// Note models the persisted note payload updated by checkpoints. Workspace
// and folder membership are owned by the surrounding CRUD layer; this
// package only rewrites content and the update timestamp.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null;index:idx_notes_workspace"`
	FolderID         string `gorm:"column:folder_id;size:190;not null;default:''"`
	Content          string `gorm:"column:content;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Revision is an immutable snapshot of note content at checkpoint time.
// Rows are only ever inserted; deletion happens solely through the note
// deletion cascade owned elsewhere.
type Revision struct {
	RevisionID       string `gorm:"column:revision_id;primaryKey;size:190;not null"`
	WorkspaceID      string `gorm:"column:workspace_id;size:190;not null"`
	NoteID           string `gorm:"column:note_id;size:190;not null;index:idx_revisions_note_time,priority:1"`
	AuthorUserID     string `gorm:"column:author_user_id;size:190;not null"`
	Content          string `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;index:idx_revisions_note_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "note_revisions"
}

// BlameLine attributes one line of a note's current content to the author
// and revision that last touched it. Exactly one row exists per line; rows
// past the current line count are pruned at checkpoint time.
type BlameLine struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	LineNumber       int    `gorm:"column:line_number;primaryKey;not null"`
	AuthorUserID     string `gorm:"column:author_user_id;size:190;not null"`
	RevisionID       string `gorm:"column:revision_id;size:190;not null"`
	TouchedAtSeconds int64  `gorm:"column:touched_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (BlameLine) TableName() string {
	return "note_line_blame"
}
