package collab

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// session is one websocket connection inside a room: the socket, the
// per-peer CRDT sync state, and the authenticated user behind it.
type session struct {
	userID    string
	conn      *websocket.Conn
	syncState *automerge.SyncState

	writeMu sync.Mutex
	closed  atomic.Bool
}

func (s *session) send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *session) close() {
	if s.closed.CompareAndSwap(false, true) {
		_ = s.conn.Close()
	}
}

// Connect joins an authenticated websocket connection to its room and
// relays traffic until the socket closes. It blocks for the lifetime of the
// connection and always releases the room's refcount on exit.
func (m *Manager) Connect(ctx context.Context, ticket Ticket, conn *websocket.Conn) error {
	if conn == nil {
		return errMissingConnection
	}
	if err := ticket.validate(); err != nil {
		return err
	}

	key := RoomKey(ticket.WorkspaceID, ticket.NotePublicID)
	room, resumed, fromGrace := m.reconnect(key, ticket.WorkspaceID, ticket.NoteID)
	defer m.release(key)

	if _, err := m.ensureRoomState(ctx, room, ticket.UserID); err != nil {
		m.logError(opConnect, "seed_failed", err, zap.String("room", key))
		return err
	}
	if fromGrace {
		// The room sat idle; adopt anything storage gained in the meantime.
		if err := m.ReconcileStorage(ctx, key); err != nil {
			m.logError(opReconcile, "resume_reconcile_failed", err, zap.String("room", key))
		}
	}

	sess := &session{userID: ticket.UserID, conn: conn}
	// Deferred so the fan-out set and awareness table stay consistent even
	// when the read loop exits by panic.
	defer func() {
		m.finishSession(room, sess)
		m.logger.Info("collab connection closed",
			zap.String("room", key),
			zap.String("user_id", ticket.UserID))
	}()

	frames := room.attach(sess)
	for _, frame := range frames {
		if err := sess.send(frame); err != nil {
			return err
		}
	}

	m.logger.Info("collab connection opened",
		zap.String("room", key),
		zap.String("user_id", ticket.UserID),
		zap.Bool("resumed", resumed))

	m.serve(room, sess)
	return nil
}

// serve runs the per-connection read loop. A malformed frame is logged and
// skipped; only socket errors end the session.
func (m *Manager) serve(room *Room, sess *session) {
	for {
		frameKind, payload, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		if frameKind != websocket.BinaryMessage {
			continue
		}
		messageType, body, err := decodeFrame(payload)
		if err != nil {
			m.logger.Warn("collab frame rejected",
				zap.String("room", room.key),
				zap.String("user_id", sess.userID),
				zap.Error(err))
			continue
		}
		switch messageType {
		case messageTypeSync:
			replies, changed, err := room.applySync(sess, body)
			if err != nil {
				m.logger.Warn("collab sync message rejected",
					zap.String("room", room.key),
					zap.String("user_id", sess.userID),
					zap.Error(err))
				continue
			}
			for _, frame := range replies {
				if err := sess.send(frame); err != nil {
					return
				}
			}
			if changed {
				m.MarkActivity(room.key, sess.userID)
				m.deliver(room, room.gatherSyncBroadcast(sess))
			}
		case messageTypeAwareness:
			frame, err := room.applyAwareness(sess, body)
			if err != nil {
				m.logger.Warn("collab awareness message rejected",
					zap.String("room", room.key),
					zap.String("user_id", sess.userID),
					zap.Error(err))
				continue
			}
			if frame != nil {
				m.deliver(room, room.gatherFrameBroadcast(sess, frame))
			}
		default:
			m.logger.Warn("collab frame rejected",
				zap.String("room", room.key),
				zap.Uint64("message_type", messageType))
		}
	}
}
