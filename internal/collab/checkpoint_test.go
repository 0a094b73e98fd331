package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

// fakeStore is an in-memory Store that records calls and can be slowed or
// failed on demand.
type fakeStore struct {
	mu           sync.Mutex
	snapshot     NoteSnapshot
	hasBlame     bool
	saveErr      error
	getNoteCalls int
	saves        []CheckpointWrite
	saveGate     chan struct{}
	saveStarted  chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) GetNote(ctx context.Context, noteID string) (NoteSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getNoteCalls++
	return f.snapshot, nil
}

func (f *fakeStore) SaveCheckpoint(ctx context.Context, write CheckpointWrite) (CheckpointReceipt, error) {
	f.mu.Lock()
	started := f.saveStarted
	gate := f.saveGate
	f.mu.Unlock()
	if started != nil {
		close(started)
		f.mu.Lock()
		f.saveStarted = nil
		f.mu.Unlock()
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return CheckpointReceipt{}, f.saveErr
	}
	f.saves = append(f.saves, write)
	f.snapshot = NoteSnapshot{Exists: true, Content: write.Content, UpdatedAt: write.SavedAt}
	if write.IncludeBlame {
		f.hasBlame = true
	}
	return CheckpointReceipt{
		RevisionID: fmt.Sprintf("rev-%d", len(f.saves)),
		LineCount:  len(write.Content),
	}, nil
}

func (f *fakeStore) HasBlameRows(ctx context.Context, noteID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasBlame, nil
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeStore) noteCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getNoteCalls
}

func mustManager(t *testing.T, store Store, cfg ManagerConfig) *Manager {
	t.Helper()
	cfg.Store = store
	cfg.Logger = zap.NewNop()
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	return manager
}

// openRoom creates a live room with seeded checkpoint state, the way Connect
// does, without a websocket. No author is attached, so seeding never triggers
// the blame backfill.
func openRoom(t *testing.T, manager *Manager, key, workspaceID, noteID string) *Room {
	t.Helper()
	room, _, _ := manager.reconnect(key, workspaceID, noteID)
	if _, err := manager.ensureRoomState(context.Background(), room, ""); err != nil {
		t.Fatalf("ensureRoomState returned error: %v", err)
	}
	return room
}

func TestEnsureRoomStateBackfillsBlameForSeededNote(t *testing.T) {
	store := newFakeStore()
	store.snapshot = NoteSnapshot{Exists: true, Content: "legacy\nlines", UpdatedAt: time.Unix(1000, 0).UTC()}
	manager := mustManager(t, store, ManagerConfig{})

	room, _, _ := manager.reconnect("ws-1/pub-1", "ws-1", "note-1")
	if _, err := manager.ensureRoomState(context.Background(), room, "user-1"); err != nil {
		t.Fatalf("ensureRoomState returned error: %v", err)
	}

	if store.saveCount() != 1 {
		t.Fatalf("expected one backfill write, got %d", store.saveCount())
	}
	store.mu.Lock()
	write := store.saves[0]
	store.mu.Unlock()
	if write.Content != "legacy\nlines" || write.AuthorUserID != "user-1" || !write.IncludeBlame {
		t.Fatalf("unexpected backfill write: %+v", write)
	}
}

func TestEnsureRoomStateSkipsBackfillWhenBlameExists(t *testing.T) {
	store := newFakeStore()
	store.snapshot = NoteSnapshot{Exists: true, Content: "legacy\nlines", UpdatedAt: time.Unix(1000, 0).UTC()}
	store.hasBlame = true
	manager := mustManager(t, store, ManagerConfig{})

	room, _, _ := manager.reconnect("ws-1/pub-1", "ws-1", "note-1")
	if _, err := manager.ensureRoomState(context.Background(), room, "user-1"); err != nil {
		t.Fatalf("ensureRoomState returned error: %v", err)
	}
	if store.saveCount() != 0 {
		t.Fatalf("expected no backfill write for an attributed note, got %d", store.saveCount())
	}
}

func TestCheckpointPersistsDirtyContent(t *testing.T) {
	store := newFakeStore()
	manager := mustManager(t, store, ManagerConfig{})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	if err := room.replaceText("hello\nworld", "user-1"); err != nil {
		t.Fatalf("replaceText returned error: %v", err)
	}
	manager.MarkActivity(room.Key(), "user-1")

	saved, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{IncludeBlame: true})
	if err != nil {
		t.Fatalf("Checkpoint returned error: %v", err)
	}
	if !saved {
		t.Fatalf("expected checkpoint to persist")
	}
	if store.saveCount() != 1 {
		t.Fatalf("expected 1 save, got %d", store.saveCount())
	}

	store.mu.Lock()
	write := store.saves[0]
	store.mu.Unlock()
	if write.NoteID != "note-1" || write.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected checkpoint target: %+v", write)
	}
	if write.Content != "hello\nworld" || write.AuthorUserID != "user-1" {
		t.Fatalf("unexpected checkpoint payload: %+v", write)
	}
	if !write.IncludeBlame {
		t.Fatalf("expected blame rebuild to be requested")
	}
}

func TestCheckpointIsIdempotentOnCleanRoom(t *testing.T) {
	store := newFakeStore()
	manager := mustManager(t, store, ManagerConfig{})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	if err := room.replaceText("hello", "user-1"); err != nil {
		t.Fatalf("replaceText returned error: %v", err)
	}
	manager.MarkActivity(room.Key(), "user-1")

	if saved, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{}); err != nil || !saved {
		t.Fatalf("expected first checkpoint to persist, saved=%v err=%v", saved, err)
	}
	if saved, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{Author: "user-1"}); err != nil || saved {
		t.Fatalf("expected second checkpoint to be a no-op, saved=%v err=%v", saved, err)
	}
	if store.saveCount() != 1 {
		t.Fatalf("expected exactly 1 save, got %d", store.saveCount())
	}
}

func TestCheckpointWithoutAuthorIsNoOp(t *testing.T) {
	store := newFakeStore()
	manager := mustManager(t, store, ManagerConfig{})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	if err := room.replaceText("hello", "seed"); err != nil {
		t.Fatalf("replaceText returned error: %v", err)
	}

	saved, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{})
	if err != nil {
		t.Fatalf("Checkpoint returned error: %v", err)
	}
	if saved || store.saveCount() != 0 {
		t.Fatalf("expected no save without an attributable author")
	}
}

func TestCheckpointFailureKeepsRoomDirty(t *testing.T) {
	store := newFakeStore()
	manager := mustManager(t, store, ManagerConfig{})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	if err := room.replaceText("hello", "user-1"); err != nil {
		t.Fatalf("replaceText returned error: %v", err)
	}
	manager.MarkActivity(room.Key(), "user-1")

	store.mu.Lock()
	store.saveErr = errors.New("disk full")
	store.mu.Unlock()

	if _, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{}); err == nil {
		t.Fatalf("expected checkpoint error")
	}

	store.mu.Lock()
	store.saveErr = nil
	store.mu.Unlock()

	saved, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{})
	if err != nil || !saved {
		t.Fatalf("expected retry to persist, saved=%v err=%v", saved, err)
	}
}

func TestCheckpointMutualExclusion(t *testing.T) {
	store := newFakeStore()
	store.saveGate = make(chan struct{})
	store.saveStarted = make(chan struct{})
	started := store.saveStarted
	manager := mustManager(t, store, ManagerConfig{})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	if err := room.replaceText("hello", "user-1"); err != nil {
		t.Fatalf("replaceText returned error: %v", err)
	}
	manager.MarkActivity(room.Key(), "user-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{})
		errCh <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("first checkpoint never reached the store")
	}

	// With the first write still in flight, the second attempt must defer.
	saved, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{Author: "user-2"})
	if err != nil {
		t.Fatalf("second checkpoint returned error: %v", err)
	}
	if saved {
		t.Fatalf("expected second checkpoint to defer while one is in flight")
	}

	close(store.saveGate)
	if err := <-errCh; err != nil {
		t.Fatalf("first checkpoint returned error: %v", err)
	}
	if store.saveCount() != 1 {
		t.Fatalf("expected exactly 1 store write, got %d", store.saveCount())
	}
}

func TestManualSaveRequiresActiveRoom(t *testing.T) {
	manager := mustManager(t, newFakeStore(), ManagerConfig{})
	if _, err := manager.ManualSave(context.Background(), "ws-1/missing", "user-1", true); !errors.Is(err, ErrRoomNotActive) {
		t.Fatalf("expected ErrRoomNotActive, got %v", err)
	}
}

func TestPushExternalUpdateIntoLiveRoom(t *testing.T) {
	store := newFakeStore()
	manager := mustManager(t, store, ManagerConfig{})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	if !manager.PushExternalUpdate(room.Key(), "pushed content", "user-9") {
		t.Fatalf("expected push into live room to apply")
	}
	if content := room.TextContent(); content != "pushed content" {
		t.Fatalf("expected live content to be replaced, got %q", content)
	}

	// Pushed content is already durable; the coordinator must not re-save it.
	saved, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{Author: "user-9"})
	if err != nil || saved {
		t.Fatalf("expected no checkpoint after external push, saved=%v err=%v", saved, err)
	}
}

func TestPushExternalUpdateWithoutRoom(t *testing.T) {
	manager := mustManager(t, newFakeStore(), ManagerConfig{})
	if manager.PushExternalUpdate("ws-1/missing", "content", "user-1") {
		t.Fatalf("expected push without a live room to report false")
	}
}

func TestForceSeedBackfillsBlame(t *testing.T) {
	store := newFakeStore()
	store.snapshot = NoteSnapshot{Exists: true, Content: "seeded\ncontent", UpdatedAt: time.Now().UTC()}
	manager := mustManager(t, store, ManagerConfig{})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	// Content matches storage, so only the backfill path may write.
	saved, err := manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{Author: "user-1", IncludeBlame: true, ForceSeed: true})
	if err != nil || !saved {
		t.Fatalf("expected forced seed to persist, saved=%v err=%v", saved, err)
	}

	store.mu.Lock()
	store.hasBlame = true
	store.mu.Unlock()
	saved, err = manager.Checkpoint(context.Background(), room.Key(), CheckpointOptions{Author: "user-1", IncludeBlame: true, ForceSeed: true})
	if err != nil || saved {
		t.Fatalf("expected forced seed to skip once blame rows exist, saved=%v err=%v", saved, err)
	}
}

func TestDebounceFlushesAfterQuiet(t *testing.T) {
	store := newFakeStore()
	manager := mustManager(t, store, ManagerConfig{DebounceInterval: 20 * time.Millisecond})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	if err := room.replaceText("typed text", "user-1"); err != nil {
		t.Fatalf("replaceText returned error: %v", err)
	}
	manager.MarkActivity(room.Key(), "user-1")

	deadline := time.Now().Add(2 * time.Second)
	for store.saveCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("debounce never flushed the checkpoint")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if store.saveCount() != 1 {
		t.Fatalf("expected exactly 1 debounced save, got %d", store.saveCount())
	}
}

func TestReconcileStorageAdoptsNewerContent(t *testing.T) {
	store := newFakeStore()
	store.snapshot = NoteSnapshot{Exists: true, Content: "old", UpdatedAt: time.Unix(1000, 0).UTC()}
	manager := mustManager(t, store, ManagerConfig{})
	room := openRoom(t, manager, "ws-1/pub-1", "ws-1", "note-1")

	store.mu.Lock()
	store.snapshot = NoteSnapshot{Exists: true, Content: "rewritten elsewhere", UpdatedAt: time.Unix(2000, 0).UTC()}
	store.mu.Unlock()

	if err := manager.ReconcileStorage(context.Background(), room.Key()); err != nil {
		t.Fatalf("ReconcileStorage returned error: %v", err)
	}
	if content := room.TextContent(); content != "rewritten elsewhere" {
		t.Fatalf("expected live content to adopt storage, got %q", content)
	}
}
