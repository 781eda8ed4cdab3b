package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collab-notebooks/backend/internal/notebook"
)

func seededDoc(t *testing.T) *notebook.Document {
	t.Helper()
	doc := notebook.New()
	_, err := doc.SeedDefault()
	require.NoError(t, err)
	return doc
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello")
	frame := EncodeFrame(MessageAwareness, payload)

	msgType, decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, MessageAwareness, msgType)
	require.Equal(t, payload, decoded)
}

func TestDecodeFrameMalformed(t *testing.T) {
	for _, frame := range [][]byte{
		nil,
		{},
		{0x00},                   // type but no length
		{0x00, 0x05, 0x01},       // length larger than body
		{0xff, 0xff, 0xff, 0xff}, // unterminated varuint run
	} {
		_, _, err := DecodeFrame(frame)
		require.ErrorIs(t, err, ErrMalformedFrame)
	}
}

func TestSyncStep1ProducesStep2Reply(t *testing.T) {
	server := seededDoc(t)
	client := notebook.New()

	// Client step 1 → server replies with its state as a step 2.
	step1 := EncodeSyncStep1(client)
	msgType, payload, err := DecodeFrame(step1)
	require.NoError(t, err)
	require.Equal(t, MessageSync, msgType)

	reply, applied, err := ReadSyncMessage(payload, server)
	require.NoError(t, err)
	require.False(t, applied)
	require.NotEmpty(t, reply)

	// Applying the reply on the client converges it to the server.
	msgType, payload, err = DecodeFrame(reply)
	require.NoError(t, err)
	require.Equal(t, MessageSync, msgType)
	sub, ok := SyncPayloadKind(payload)
	require.True(t, ok)
	require.Equal(t, SyncStep2, sub)

	reply2, applied, err := ReadSyncMessage(payload, client)
	require.NoError(t, err)
	require.True(t, applied)
	require.Empty(t, reply2)

	require.Equal(t, notebook.DefaultTitle, client.Title())
	cells, err := client.Cells()
	require.NoError(t, err)
	require.Len(t, cells, 2)
}

func TestSyncUpdateApplies(t *testing.T) {
	server := seededDoc(t)
	client, err := notebook.Load(server.Save())
	require.NoError(t, err)

	update, err := server.SetTitle("Hello")
	require.NoError(t, err)

	frame := EncodeSyncUpdate(update)
	_, payload, err := DecodeFrame(frame)
	require.NoError(t, err)

	reply, applied, err := ReadSyncMessage(payload, client)
	require.NoError(t, err)
	require.True(t, applied)
	require.Empty(t, reply)
	require.Equal(t, "Hello", client.Title())
}

func TestUnknownSyncSubmessageIgnored(t *testing.T) {
	doc := seededDoc(t)
	payload := append([]byte{0x07}, 0x00) // submessage 7, empty body

	reply, applied, err := ReadSyncMessage(payload, doc)
	require.NoError(t, err)
	require.False(t, applied)
	require.Empty(t, reply)
}

func TestAwarenessApplyAndEvents(t *testing.T) {
	a := NewAwareness()
	var events []AwarenessEvent
	a.OnUpdate(func(ev AwarenessEvent) {
		events = append(events, ev)
	})

	a.SetLocalState(7, []byte(`{"hb":1}`), "origin-a")
	require.Len(t, events, 1)
	require.Equal(t, []uint64{7}, events[0].Added)
	require.Equal(t, "origin-a", events[0].Origin)
	require.Equal(t, 1, a.Len())

	// Transfer to a second registry over the wire encoding.
	b := NewAwareness()
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate([]uint64{7}), "sock"))
	require.Equal(t, 1, b.Len())
	states := b.States()
	require.Contains(t, states, uint64(7))
	require.JSONEq(t, `{"hb":1}`, string(states[7].State))

	// Updates bump in place.
	a.SetLocalState(7, []byte(`{"hb":2}`), nil)
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate([]uint64{7}), "sock"))
	require.JSONEq(t, `{"hb":2}`, string(b.States()[7].State))

	// Stale clocks do not regress the entry.
	stale := NewAwareness()
	stale.SetLocalState(7, []byte(`{"hb":0}`), nil)
	require.NoError(t, b.ApplyUpdate(stale.EncodeUpdate([]uint64{7}), "sock"))
	require.JSONEq(t, `{"hb":2}`, string(b.States()[7].State))
}

func TestAwarenessRemoveStates(t *testing.T) {
	a := NewAwareness()
	a.SetLocalState(1, []byte(`{"hb":1}`), nil)
	a.SetLocalState(2, []byte(`{"hb":1}`), nil)
	require.Equal(t, 2, a.Len())

	var removed []uint64
	a.OnUpdate(func(ev AwarenessEvent) {
		removed = append(removed, ev.Removed...)
	})

	a.RemoveStates([]uint64{1}, nil)
	require.Equal(t, []uint64{1}, removed)
	require.Equal(t, 1, a.Len())

	// The tombstone propagates over the wire.
	b := NewAwareness()
	b.SetLocalState(1, []byte(`{"hb":1}`), nil)
	require.NoError(t, b.ApplyUpdate(a.EncodeUpdate([]uint64{1}), nil))
	require.Equal(t, 0, b.Len())
}

func TestAwarenessMalformedPayload(t *testing.T) {
	a := NewAwareness()
	require.ErrorIs(t, a.ApplyUpdate(nil, nil), ErrMalformedFrame)
	require.ErrorIs(t, a.ApplyUpdate([]byte{0x01}, nil), ErrMalformedFrame)
}
