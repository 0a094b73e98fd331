package collab

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// awarenessNullState marks a client as departed inside an awareness payload.
var awarenessNullState = []byte("null")

// awarenessUpdate is one decoded awareness entry: an opaque JSON state (or a
// null tombstone) for a client id at a logical clock.
type awarenessUpdate struct {
	clientID uint64
	clock    uint64
	state    []byte
}

func (u awarenessUpdate) removal() bool {
	return len(u.state) == 0 || bytes.Equal(u.state, awarenessNullState)
}

type awarenessEntry struct {
	clock uint64
	state []byte
}

// awarenessTable holds ephemeral presence state for one room, keyed by the
// client id each peer announces. Callers synchronize through the room lock.
type awarenessTable struct {
	entries map[uint64]awarenessEntry
	owners  map[*session]map[uint64]struct{}
}

func newAwarenessTable() *awarenessTable {
	return &awarenessTable{
		entries: make(map[uint64]awarenessEntry),
		owners:  make(map[*session]map[uint64]struct{}),
	}
}

// apply merges a decoded awareness payload into the table and returns the
// accepted entries for rebroadcast. Stale clocks are dropped.
func (t *awarenessTable) apply(owner *session, payload []byte) ([]awarenessUpdate, error) {
	updates, err := decodeAwareness(payload)
	if err != nil {
		return nil, err
	}

	accepted := make([]awarenessUpdate, 0, len(updates))
	for _, update := range updates {
		current, known := t.entries[update.clientID]
		switch {
		case !known && update.removal():
			// Removal for a client this room never saw still propagates so
			// late joiners converge on the same clock.
		case known && update.clock < current.clock:
			continue
		case known && update.clock == current.clock && !update.removal():
			continue
		}

		if update.removal() {
			delete(t.entries, update.clientID)
		} else {
			t.entries[update.clientID] = awarenessEntry{clock: update.clock, state: update.state}
			if owner != nil {
				if t.owners[owner] == nil {
					t.owners[owner] = make(map[uint64]struct{})
				}
				t.owners[owner][update.clientID] = struct{}{}
			}
		}
		accepted = append(accepted, update)
	}
	return accepted, nil
}

// removeOwner drops every client announced by the departing session and
// returns removal entries (clock advanced by one) for broadcast.
func (t *awarenessTable) removeOwner(owner *session) []awarenessUpdate {
	owned := t.owners[owner]
	delete(t.owners, owner)
	if len(owned) == 0 {
		return nil
	}
	removed := make([]awarenessUpdate, 0, len(owned))
	for clientID := range owned {
		entry, ok := t.entries[clientID]
		if !ok {
			continue
		}
		delete(t.entries, clientID)
		removed = append(removed, awarenessUpdate{
			clientID: clientID,
			clock:    entry.clock + 1,
			state:    awarenessNullState,
		})
	}
	return removed
}

// snapshot returns every live entry, or nil when the table is empty.
func (t *awarenessTable) snapshot() []awarenessUpdate {
	if len(t.entries) == 0 {
		return nil
	}
	updates := make([]awarenessUpdate, 0, len(t.entries))
	for clientID, entry := range t.entries {
		updates = append(updates, awarenessUpdate{clientID: clientID, clock: entry.clock, state: entry.state})
	}
	return updates
}

func encodeAwareness(updates []awarenessUpdate) []byte {
	payload := binary.AppendUvarint(nil, uint64(len(updates)))
	for _, update := range updates {
		state := update.state
		if len(state) == 0 {
			state = awarenessNullState
		}
		payload = binary.AppendUvarint(payload, update.clientID)
		payload = binary.AppendUvarint(payload, update.clock)
		payload = binary.AppendUvarint(payload, uint64(len(state)))
		payload = append(payload, state...)
	}
	return payload
}

func decodeAwareness(payload []byte) ([]awarenessUpdate, error) {
	count, offset := binary.Uvarint(payload)
	if offset <= 0 {
		return nil, fmt.Errorf("%w: awareness entry count", ErrMalformedFrame)
	}
	rest := payload[offset:]
	// Each entry needs at least three varint bytes, which bounds how many a
	// payload of this size can actually carry. The count itself is untrusted.
	capacity := count
	if limit := uint64(len(rest)) / 3; capacity > limit {
		capacity = limit
	}
	updates := make([]awarenessUpdate, 0, capacity)
	for index := uint64(0); index < count; index++ {
		var update awarenessUpdate
		var read int
		if update.clientID, read = binary.Uvarint(rest); read <= 0 {
			return nil, fmt.Errorf("%w: awareness client id", ErrMalformedFrame)
		}
		rest = rest[read:]
		if update.clock, read = binary.Uvarint(rest); read <= 0 {
			return nil, fmt.Errorf("%w: awareness clock", ErrMalformedFrame)
		}
		rest = rest[read:]
		stateLen, read := binary.Uvarint(rest)
		if read <= 0 || uint64(len(rest)-read) < stateLen {
			return nil, fmt.Errorf("%w: awareness state length", ErrMalformedFrame)
		}
		update.state = append([]byte(nil), rest[read:read+int(stateLen)]...)
		rest = rest[read+int(stateLen):]
		updates = append(updates, update)
	}
	return updates, nil
}
