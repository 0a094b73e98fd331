// Package collab hosts the live collaborative session engine: per-note
// rooms relaying CRDT sync and awareness traffic, a reconnect-tolerant room
// registry, and the checkpoint coordinator that turns live edits into
// durable revisions with line attribution.
package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultDebounceInterval = 5 * time.Second
	defaultGracePeriod      = 30 * time.Second

	opConnect    = "collab.connect"
	opCheckpoint = "collab.checkpoint"
	opReconcile  = "collab.reconcile"
)

var (
	errMissingStore      = errors.New("collab: store is required")
	errMissingConnection = errors.New("collab: connection is required")
	errIncompleteTicket  = errors.New("collab: ticket requires workspace, note, and user identifiers")

	// ErrRoomNotActive reports a manual save against a room with no live state.
	ErrRoomNotActive = errors.New("collab: room not active")
)

// RoomKey derives the shared registry key for a note.
func RoomKey(workspaceID, notePublicID string) string {
	return workspaceID + "/" + notePublicID
}

// Ticket carries the verified claims a connection joins a room with.
type Ticket struct {
	WorkspaceID  string
	NoteID       string
	NotePublicID string
	UserID       string
}

func (t Ticket) validate() error {
	if t.WorkspaceID == "" || t.NoteID == "" || t.NotePublicID == "" || t.UserID == "" {
		return errIncompleteTicket
	}
	return nil
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	Store            Store
	Logger           *zap.Logger
	Clock            func() time.Time
	DebounceInterval time.Duration
	GracePeriod      time.Duration
}

// Manager owns every mutable registry the engine needs: the live rooms,
// their connection refcounts, their checkpoint states, and the grace-period
// timers. It is created at server start and torn down at shutdown.
type Manager struct {
	store            Store
	logger           *zap.Logger
	clock            func() time.Time
	debounceInterval time.Duration
	gracePeriod      time.Duration

	mu          sync.Mutex
	rooms       map[string]*Room
	counts      map[string]int
	states      map[string]*roomState
	graceTimers map[string]*time.Timer
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	debounceInterval := cfg.DebounceInterval
	if debounceInterval <= 0 {
		debounceInterval = defaultDebounceInterval
	}
	gracePeriod := cfg.GracePeriod
	if gracePeriod <= 0 {
		gracePeriod = defaultGracePeriod
	}
	return &Manager{
		store:            cfg.Store,
		logger:           logger,
		clock:            clock,
		debounceInterval: debounceInterval,
		gracePeriod:      gracePeriod,
		rooms:            make(map[string]*Room),
		counts:           make(map[string]int),
		states:           make(map[string]*roomState),
		graceTimers:      make(map[string]*time.Timer),
	}, nil
}

// reconnect resolves or creates the room for key and bumps its refcount.
// The second return reports whether the room already existed; the third
// whether it was resurrected out of an empty grace period.
func (m *Manager) reconnect(key, workspaceID, noteID string) (*Room, bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, known := m.counts[key]
	if !known {
		room := newRoom(key, workspaceID, noteID)
		m.rooms[key] = room
		m.counts[key] = 1
		return room, false, false
	}
	if count == 0 {
		// Resurrected out of the grace period; the pending teardown timer
		// is cancelled explicitly and double-checked on fire.
		if timer := m.graceTimers[key]; timer != nil {
			timer.Stop()
			delete(m.graceTimers, key)
		}
		m.counts[key] = 1
		return m.rooms[key], true, true
	}
	m.counts[key] = count + 1
	return m.rooms[key], true, false
}

// release drops one connection. When the count reaches zero the room enters
// the grace period; destruction happens only if no reconnect arrives first.
func (m *Manager) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, known := m.counts[key]
	if !known {
		return
	}
	count--
	if count < 0 {
		count = 0
	}
	m.counts[key] = count
	if count > 0 {
		return
	}
	if timer := m.graceTimers[key]; timer != nil {
		timer.Stop()
	}
	m.graceTimers[key] = time.AfterFunc(m.gracePeriod, func() {
		m.destroyIfIdle(key)
	})
}

func (m *Manager) destroyIfIdle(key string) {
	m.mu.Lock()
	if m.counts[key] != 0 {
		m.mu.Unlock()
		return
	}
	state := m.states[key]
	delete(m.rooms, key)
	delete(m.counts, key)
	delete(m.states, key)
	delete(m.graceTimers, key)
	m.mu.Unlock()

	if state != nil {
		state.mu.Lock()
		state.stopDebounceLocked()
		state.mu.Unlock()
	}
	m.logger.Info("collab room destroyed", zap.String("room", key))
}

func (m *Manager) lookup(key string) (*Room, *roomState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[key], m.states[key]
}

// RoomContent reads the live content of an active room. The second return
// reports whether the room is live.
func (m *Manager) RoomContent(key string) (string, bool) {
	room, _ := m.lookup(key)
	if room == nil {
		return "", false
	}
	return room.TextContent(), true
}

// deliver sends prepared frames; a send failure is treated as a disconnect
// for that connection only.
func (m *Manager) deliver(room *Room, out []outbound) {
	for _, item := range out {
		err := item.sess.send(item.frame)
		if err == nil {
			continue
		}
		m.logger.Warn("collab send failed, dropping connection",
			zap.String("room", room.key),
			zap.String("user_id", item.sess.userID),
			zap.Error(err))
		m.finishSession(room, item.sess)
	}
}

// finishSession closes the socket, removes it from fan-out, and broadcasts
// the departure of its awareness clients. Idempotent.
func (m *Manager) finishSession(room *Room, sess *session) {
	sess.close()
	removed, removals := room.detach(sess)
	if !removed || len(removals) == 0 {
		return
	}
	frame := encodeFrame(messageTypeAwareness, encodeAwareness(removals))
	m.deliver(room, room.gatherFrameBroadcast(sess, frame))
}

// Shutdown cancels every timer and flushes rooms with unsaved changes.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.rooms))
	for key := range m.rooms {
		keys = append(keys, key)
	}
	for key, timer := range m.graceTimers {
		timer.Stop()
		delete(m.graceTimers, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		_, state := m.lookup(key)
		if state == nil {
			continue
		}
		state.mu.Lock()
		state.stopDebounceLocked()
		dirty := state.dirty
		state.mu.Unlock()
		if !dirty {
			continue
		}
		if _, err := m.Checkpoint(ctx, key, CheckpointOptions{IncludeBlame: true}); err != nil {
			m.logError(opCheckpoint, "shutdown_flush_failed", err, zap.String("room", key))
		}
	}
	m.logger.Info("collab manager stopped", zap.Int("rooms", len(keys)))
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("collab manager error", attrs...)
}
