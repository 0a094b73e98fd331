package collab

import (
	"fmt"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
)

const (
	// docContentKey is the text object carrying the note body.
	docContentKey = "content"
	// docStatusKey is the reserved map the coordinator republishes save
	// state into; clients observe it through the normal sync channel.
	docStatusKey = "status"

	statusKeyUnsaved   = "hasUnsavedChanges"
	statusKeySavedAt   = "lastSavedAt"
	statusKeyInFlight  = "checkpointInFlight"
	statusCommitOrigin = "status-republish"
	seedCommitOrigin   = "storage-seed"
)

// statusSnapshot mirrors the reserved status map inside the document.
type statusSnapshot struct {
	HasUnsavedChanges  bool
	LastSavedAt        time.Time
	CheckpointInFlight bool
}

// Room is the live in-memory session for one collaboratively edited note:
// its CRDT document, awareness table, and connection set. All three are
// guarded by one mutex so document mutation, broadcast preparation, and
// checkpoint reads never interleave.
type Room struct {
	key         string
	workspaceID string
	noteID      string

	mu        sync.Mutex
	doc       *automerge.Doc
	awareness *awarenessTable
	sessions  map[*session]struct{}
}

func newRoom(key, workspaceID, noteID string) *Room {
	return &Room{
		key:         key,
		workspaceID: workspaceID,
		noteID:      noteID,
		doc:         automerge.New(),
		awareness:   newAwarenessTable(),
		sessions:    make(map[*session]struct{}),
	}
}

// Key returns the registry key ("{workspaceId}/{notePublicId}").
func (r *Room) Key() string {
	return r.key
}

// TextContent reads the current note body from the live document.
func (r *Room) TextContent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.textLocked()
}

func (r *Room) textLocked() string {
	value, err := r.doc.Path(docContentKey).Get()
	if err != nil || value.Kind() != automerge.KindText {
		return ""
	}
	content, err := value.Text().Get()
	if err != nil {
		return ""
	}
	return content
}

// seedContent populates an empty live document from the durable baseline.
// A document that already has text is left alone.
func (r *Room) seedContent(content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if content == "" || r.textLocked() != "" {
		return nil
	}
	return r.replaceTextLocked(content, seedCommitOrigin)
}

// replaceText swaps the entire note body in one CRDT transaction tagged
// with the mutating author, so the relay does not mistake it for a local
// socket edit.
func (r *Room) replaceText(content, author string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replaceTextLocked(content, author)
}

func (r *Room) replaceTextLocked(content, author string) error {
	value, err := r.doc.Path(docContentKey).Get()
	if err == nil && value.Kind() == automerge.KindText {
		if err := value.Text().Set(content); err != nil {
			return fmt.Errorf("collab: replace text: %w", err)
		}
	} else if err := r.doc.Path(docContentKey).Set(automerge.NewText(content)); err != nil {
		return fmt.Errorf("collab: create text: %w", err)
	}
	if _, err := r.doc.Commit(author, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("collab: commit text: %w", err)
	}
	return nil
}

// setStatus writes the save-state snapshot into the reserved status map.
// lastSavedAt is ISO-8601 or null when the note has never been saved.
func (r *Room) setStatus(status statusSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.Path(docStatusKey, statusKeyUnsaved).Set(status.HasUnsavedChanges); err != nil {
		return fmt.Errorf("collab: set status: %w", err)
	}
	var savedAt interface{}
	if !status.LastSavedAt.IsZero() {
		savedAt = status.LastSavedAt.UTC().Format(time.RFC3339)
	}
	if err := r.doc.Path(docStatusKey, statusKeySavedAt).Set(savedAt); err != nil {
		return fmt.Errorf("collab: set status: %w", err)
	}
	if err := r.doc.Path(docStatusKey, statusKeyInFlight).Set(status.CheckpointInFlight); err != nil {
		return fmt.Errorf("collab: set status: %w", err)
	}
	if _, err := r.doc.Commit(statusCommitOrigin, automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("collab: commit status: %w", err)
	}
	return nil
}

// attach registers a connection and returns the frames the server owes a
// fresh peer: its first sync message(s) plus the current awareness states.
func (r *Room) attach(sess *session) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess.syncState = automerge.NewSyncState(r.doc)
	r.sessions[sess] = struct{}{}

	frames := syncFramesLocked(sess)
	if snapshot := r.awareness.snapshot(); snapshot != nil {
		frames = append(frames, encodeFrame(messageTypeAwareness, encodeAwareness(snapshot)))
	}
	return frames
}

// detach removes a connection from fan-out. It is idempotent; the first
// caller receives the awareness removals that must be broadcast.
func (r *Room) detach(sess *session) (bool, []awarenessUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess]; !ok {
		return false, nil
	}
	delete(r.sessions, sess)
	return true, r.awareness.removeOwner(sess)
}

// applySync feeds one sync payload through the connection's sync state and
// returns any direct replies plus whether the document changed.
func (r *Room) applySync(sess *session, payload []byte) ([][]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := r.doc.Heads()
	if _, err := sess.syncState.ReceiveMessage(payload); err != nil {
		return nil, false, fmt.Errorf("collab: receive sync message: %w", err)
	}
	changed := !sameHeads(before, r.doc.Heads())
	return syncFramesLocked(sess), changed, nil
}

// applyAwareness merges an awareness payload and returns the frame to relay
// to every other connection, or nil when nothing was accepted.
func (r *Room) applyAwareness(sess *session, payload []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	accepted, err := r.awareness.apply(sess, payload)
	if err != nil {
		return nil, err
	}
	if len(accepted) == 0 {
		return nil, nil
	}
	return encodeFrame(messageTypeAwareness, encodeAwareness(accepted)), nil
}

// outbound pairs a prepared frame with its destination connection.
type outbound struct {
	sess  *session
	frame []byte
}

// gatherSyncBroadcast prepares per-connection sync frames covering every
// document change the peer has not seen, skipping the originating
// connection. Echo suppression falls out of the per-peer sync states.
func (r *Room) gatherSyncBroadcast(except *session) []outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []outbound
	for sess := range r.sessions {
		if sess == except {
			continue
		}
		for _, frame := range syncFramesLocked(sess) {
			out = append(out, outbound{sess: sess, frame: frame})
		}
	}
	return out
}

// gatherFrameBroadcast fans a single prepared frame out to every connection
// except the origin.
func (r *Room) gatherFrameBroadcast(except *session, frame []byte) []outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]outbound, 0, len(r.sessions))
	for sess := range r.sessions {
		if sess == except {
			continue
		}
		out = append(out, outbound{sess: sess, frame: frame})
	}
	return out
}

func syncFramesLocked(sess *session) [][]byte {
	var frames [][]byte
	for {
		message, _ := sess.syncState.GenerateMessage()
		if message == nil {
			break
		}
		frames = append(frames, encodeFrame(messageTypeSync, message.Bytes()))
	}
	return frames
}

func sameHeads(before, after []automerge.ChangeHash) bool {
	if len(before) != len(after) {
		return false
	}
	for index := range before {
		if before[index] != after[index] {
			return false
		}
	}
	return true
}
