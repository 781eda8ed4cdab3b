// Package protocol implements the wire protocol spoken between client
// sessions and notebook coordinators: tagged frames carrying CRDT sync
// submessages or awareness updates. The merge semantics live entirely in
// the CRDT library; this package only frames and routes payloads.
package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/collab-notebooks/backend/internal/notebook"
)

// MessageType tags a frame.
type MessageType uint64

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
	MessageAuth      MessageType = 2
)

// Sync submessage tags.
const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

// ErrMalformedFrame is returned for frames that cannot be decoded.
// Callers drop the frame and keep the connection open.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

func appendBytes(buf, payload []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

func readBytes(buf []byte) ([]byte, []byte, error) {
	length, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, nil, ErrMalformedFrame
	}
	buf = buf[n:]
	if uint64(len(buf)) < length {
		return nil, nil, ErrMalformedFrame
	}
	return buf[:length], buf[length:], nil
}

// EncodeFrame wraps a payload with its message type tag.
func EncodeFrame(t MessageType, payload []byte) []byte {
	buf := binary.AppendUvarint(nil, uint64(t))
	return appendBytes(buf, payload)
}

// DecodeFrame splits a frame into its message type and payload.
func DecodeFrame(frame []byte) (MessageType, []byte, error) {
	t, n := binary.Uvarint(frame)
	if n <= 0 {
		return 0, nil, ErrMalformedFrame
	}
	payload, _, err := readBytes(frame[n:])
	if err != nil {
		return 0, nil, err
	}
	return MessageType(t), payload, nil
}

func encodeSync(sub uint64, data []byte) []byte {
	payload := binary.AppendUvarint(nil, sub)
	payload = appendBytes(payload, data)
	return EncodeFrame(MessageSync, payload)
}

// EncodeSyncStep1 frames the document's state vector.
func EncodeSyncStep1(doc *notebook.Document) []byte {
	return encodeSync(SyncStep1, doc.StateVector())
}

// EncodeSyncStep2 frames the full document state as an update.
func EncodeSyncStep2(doc *notebook.Document) []byte {
	return encodeSync(SyncStep2, doc.Save())
}

// EncodeSyncUpdate frames an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

// EncodeAwareness frames an awareness update payload.
func EncodeAwareness(payload []byte) []byte {
	return EncodeFrame(MessageAwareness, payload)
}

// ReadSyncMessage consumes a SYNC frame payload. Step 1 produces a step 2
// reply; step 2 and update payloads are merged into the document. The
// second return reports whether the document was mutated.
func ReadSyncMessage(payload []byte, doc *notebook.Document) ([]byte, bool, error) {
	sub, n := binary.Uvarint(payload)
	if n <= 0 {
		return nil, false, ErrMalformedFrame
	}
	data, _, err := readBytes(payload[n:])
	if err != nil {
		return nil, false, err
	}

	switch sub {
	case SyncStep1:
		// The state vector is advisory: replying with the full state is
		// correct because merges are idempotent.
		return EncodeSyncStep2(doc), false, nil
	case SyncStep2, SyncUpdate:
		if err := doc.ApplyUpdate(data); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	default:
		return nil, false, nil
	}
}

// SyncPayloadKind returns the submessage tag of a SYNC payload without
// consuming it.
func SyncPayloadKind(payload []byte) (uint64, bool) {
	sub, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, false
	}
	return sub, true
}
