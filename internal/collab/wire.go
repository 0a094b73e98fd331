package collab

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Binary frames carry a leading uvarint selecting the message kind followed
// by an opaque payload: sync frames wrap CRDT sync-protocol messages,
// awareness frames wrap per-client presence deltas.
const (
	messageTypeSync      uint64 = 0
	messageTypeAwareness uint64 = 1
)

var (
	// ErrMalformedFrame indicates a frame whose envelope could not be decoded.
	ErrMalformedFrame = errors.New("collab: malformed frame")
)

func encodeFrame(messageType uint64, payload []byte) []byte {
	frame := binary.AppendUvarint(make([]byte, 0, len(payload)+binary.MaxVarintLen64), messageType)
	return append(frame, payload...)
}

func decodeFrame(frame []byte) (uint64, []byte, error) {
	messageType, read := binary.Uvarint(frame)
	if read <= 0 {
		return 0, nil, fmt.Errorf("%w: missing message type", ErrMalformedFrame)
	}
	return messageType, frame[read:], nil
}
