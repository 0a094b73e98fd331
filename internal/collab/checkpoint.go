package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// roomState is the checkpoint coordinator's per-room record, created lazily
// when a room first needs durable state and destroyed with the room.
type roomState struct {
	mu            sync.Mutex
	lastContent   string
	lastSavedAt   time.Time
	pendingAuthor string
	debounce      *time.Timer
	dirty         bool
	inFlight      bool
}

func (st *roomState) stopDebounceLocked() {
	if st.debounce != nil {
		st.debounce.Stop()
		st.debounce = nil
	}
}

// CheckpointOptions tunes a single checkpoint attempt.
type CheckpointOptions struct {
	// Author overrides the pending author recorded by markActivity.
	Author string
	// IncludeBlame rebuilds the line attribution table inside the write.
	IncludeBlame bool
	// ForceSeed permits a one-time backfill write even when content is
	// unchanged, provided no blame rows exist yet for the note.
	ForceSeed bool
}

// ensureRoomState lazily creates the checkpoint state for a room, loading
// the durable baseline on first use. Rooms resurrected within the grace
// period keep their in-memory state and skip the storage read. Notes that
// predate line attribution get their blame table backfilled once, credited
// to the seeding author.
func (m *Manager) ensureRoomState(ctx context.Context, room *Room, author string) (*roomState, error) {
	m.mu.Lock()
	state := m.states[room.key]
	m.mu.Unlock()
	if state != nil {
		return state, nil
	}

	snapshot, err := m.store.GetNote(ctx, room.noteID)
	if err != nil {
		return nil, fmt.Errorf("collab: seed room %s: %w", room.key, err)
	}

	state = &roomState{
		lastContent: snapshot.Content,
		lastSavedAt: snapshot.UpdatedAt,
	}

	m.mu.Lock()
	if existing := m.states[room.key]; existing != nil {
		m.mu.Unlock()
		return existing, nil
	}
	m.states[room.key] = state
	m.mu.Unlock()

	if err := room.seedContent(snapshot.Content); err != nil {
		return nil, err
	}
	m.publishStatus(room, state)

	if snapshot.Exists && snapshot.Content != "" {
		if _, err := m.Checkpoint(ctx, room.key, CheckpointOptions{Author: author, IncludeBlame: true, ForceSeed: true}); err != nil {
			m.logError(opCheckpoint, "blame_backfill_failed", err, zap.String("room", room.key))
		}
	}
	return state, nil
}

// MarkActivity records a local mutation by author and (re)arms the debounce
// timer that will eventually checkpoint the room.
func (m *Manager) MarkActivity(key, author string) {
	_, state := m.lookup(key)
	if state == nil {
		return
	}
	state.mu.Lock()
	state.dirty = true
	if author != "" {
		state.pendingAuthor = author
	}
	m.armDebounceLocked(key, state)
	state.mu.Unlock()
}

// armDebounceLocked resets the owned debounce timer. Caller holds state.mu.
func (m *Manager) armDebounceLocked(key string, state *roomState) {
	state.stopDebounceLocked()
	state.debounce = time.AfterFunc(m.debounceInterval, func() {
		if _, err := m.Checkpoint(context.Background(), key, CheckpointOptions{IncludeBlame: true}); err != nil {
			m.logError(opCheckpoint, "debounce_flush_failed", err, zap.String("room", key))
		}
	})
}

// Checkpoint persists the room's live content as a new revision. It returns
// false without error when there is nothing to save, no attributable
// author, the room is not active, or another checkpoint is in flight (the
// rearmed debounce retries that case).
func (m *Manager) Checkpoint(ctx context.Context, key string, opts CheckpointOptions) (bool, error) {
	room, state := m.lookup(key)
	if room == nil || state == nil {
		return false, nil
	}

	state.mu.Lock()
	if state.inFlight {
		state.dirty = true
		m.armDebounceLocked(key, state)
		state.mu.Unlock()
		return false, nil
	}
	author := strings.TrimSpace(opts.Author)
	if author == "" {
		author = state.pendingAuthor
	}
	if author == "" {
		state.mu.Unlock()
		return false, nil
	}
	previous := state.lastContent
	state.mu.Unlock()

	content := room.TextContent()
	if content == previous {
		if !opts.ForceSeed {
			return false, nil
		}
		hasRows, err := m.store.HasBlameRows(ctx, room.noteID)
		if err != nil {
			m.logError(opCheckpoint, "blame_lookup_failed", err, zap.String("room", key))
			return false, fmt.Errorf("collab: checkpoint %s: %w", key, err)
		}
		if hasRows {
			return false, nil
		}
	}

	state.mu.Lock()
	if state.inFlight {
		state.dirty = true
		m.armDebounceLocked(key, state)
		state.mu.Unlock()
		return false, nil
	}
	state.inFlight = true
	state.stopDebounceLocked()
	state.mu.Unlock()

	m.publishStatus(room, state)

	savedAt := m.clock().UTC()
	receipt, err := m.store.SaveCheckpoint(ctx, CheckpointWrite{
		WorkspaceID:     room.workspaceID,
		NoteID:          room.noteID,
		AuthorUserID:    author,
		PreviousContent: previous,
		Content:         content,
		IncludeBlame:    opts.IncludeBlame,
		SavedAt:         savedAt,
	})

	state.mu.Lock()
	state.inFlight = false
	if err != nil {
		state.dirty = true
		state.mu.Unlock()
		m.publishStatus(room, state)
		m.logError(opCheckpoint, "persist_failed", err, zap.String("room", key), zap.String("note_id", room.noteID))
		return false, fmt.Errorf("collab: checkpoint %s: %w", key, err)
	}
	state.lastContent = content
	state.lastSavedAt = savedAt
	state.mu.Unlock()

	// Edits that landed while the transaction ran re-arm the debounce.
	current := room.TextContent()
	state.mu.Lock()
	if current != content {
		state.dirty = true
		m.armDebounceLocked(key, state)
	} else {
		state.dirty = false
		state.pendingAuthor = ""
	}
	state.mu.Unlock()

	m.publishStatus(room, state)
	m.logger.Info("collab checkpoint saved",
		zap.String("room", key),
		zap.String("note_id", room.noteID),
		zap.String("revision_id", receipt.RevisionID),
		zap.Int("lines", receipt.LineCount),
		zap.String("author_user_id", author))
	return true, nil
}

// ManualSave forces an immediate checkpoint for an explicit "Save" action.
func (m *Manager) ManualSave(ctx context.Context, key, author string, includeBlame bool) (bool, error) {
	room, state := m.lookup(key)
	if room == nil || state == nil {
		return false, ErrRoomNotActive
	}
	return m.Checkpoint(ctx, key, CheckpointOptions{Author: author, IncludeBlame: includeBlame})
}

// PushExternalUpdate injects content written by an out-of-band caller into
// the live room and marks it already checkpointed. Returns false when the
// room is not live.
func (m *Manager) PushExternalUpdate(key, content, authorUserID string) bool {
	room, state := m.lookup(key)
	if room == nil || state == nil {
		return false
	}
	if err := room.replaceText(content, authorUserID); err != nil {
		m.logError(opCheckpoint, "external_update_failed", err, zap.String("room", key))
		return false
	}
	now := m.clock().UTC()
	state.mu.Lock()
	state.stopDebounceLocked()
	state.lastContent = content
	state.lastSavedAt = now
	state.dirty = false
	state.pendingAuthor = ""
	state.mu.Unlock()
	m.publishStatus(room, state)
	return true
}

// ReconcileStorage replaces a live room's content when storage has advanced
// past the room's last checkpoint, e.g. after writers that bypass the API.
func (m *Manager) ReconcileStorage(ctx context.Context, key string) error {
	room, state := m.lookup(key)
	if room == nil || state == nil {
		return ErrRoomNotActive
	}
	snapshot, err := m.store.GetNote(ctx, room.noteID)
	if err != nil {
		m.logError(opReconcile, "note_lookup_failed", err, zap.String("room", key))
		return fmt.Errorf("collab: reconcile %s: %w", key, err)
	}
	state.mu.Lock()
	lastSavedAt := state.lastSavedAt
	state.mu.Unlock()
	if !snapshot.Exists || !snapshot.UpdatedAt.After(lastSavedAt) {
		return nil
	}
	if err := room.replaceText(snapshot.Content, seedCommitOrigin); err != nil {
		return err
	}
	state.mu.Lock()
	state.lastContent = snapshot.Content
	state.lastSavedAt = snapshot.UpdatedAt
	state.dirty = false
	state.mu.Unlock()
	m.publishStatus(room, state)
	return nil
}

// publishStatus writes the save-state snapshot into the document's reserved
// status map and broadcasts the resulting change to every connection.
func (m *Manager) publishStatus(room *Room, state *roomState) {
	state.mu.Lock()
	status := statusSnapshot{
		HasUnsavedChanges:  state.dirty,
		LastSavedAt:        state.lastSavedAt,
		CheckpointInFlight: state.inFlight,
	}
	state.mu.Unlock()
	if err := room.setStatus(status); err != nil {
		m.logError(opCheckpoint, "status_publish_failed", err, zap.String("room", room.key))
		return
	}
	m.deliver(room, room.gatherSyncBroadcast(nil))
}
