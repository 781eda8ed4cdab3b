package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"
)

// ClientState is one peer's ephemeral presence entry.
type ClientState struct {
	Clock       uint64
	State       json.RawMessage
	LastUpdated time.Time
}

// AwarenessEvent describes one applied awareness update: which client ids
// were added, refreshed or removed, and which connection it came from.
type AwarenessEvent struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  interface{}
}

// Awareness tracks per-connection presence states keyed by the CRDT
// client id. Entries are never persisted. Removed entries keep their
// clock as a tombstone so late updates cannot resurrect them.
type Awareness struct {
	mu       sync.Mutex
	states   map[uint64]*ClientState
	handlers []func(AwarenessEvent)
	now      func() time.Time
}

// NewAwareness creates an empty registry.
func NewAwareness() *Awareness {
	return &Awareness{
		states: make(map[uint64]*ClientState),
		now:    time.Now,
	}
}

// OnUpdate registers a handler invoked after every applied update.
// Handlers run synchronously on the applying goroutine.
func (a *Awareness) OnUpdate(fn func(AwarenessEvent)) {
	a.mu.Lock()
	a.handlers = append(a.handlers, fn)
	a.mu.Unlock()
}

func (a *Awareness) dispatch(ev AwarenessEvent) {
	if len(ev.Added)+len(ev.Updated)+len(ev.Removed) == 0 {
		return
	}
	a.mu.Lock()
	handlers := append([]func(AwarenessEvent){}, a.handlers...)
	a.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// ApplyUpdate merges an encoded awareness payload into the registry and
// dispatches one event naming the affected client ids.
func (a *Awareness) ApplyUpdate(payload []byte, origin interface{}) error {
	count, n := binary.Uvarint(payload)
	if n <= 0 {
		return ErrMalformedFrame
	}
	payload = payload[n:]

	var ev AwarenessEvent
	ev.Origin = origin

	a.mu.Lock()
	for i := uint64(0); i < count; i++ {
		clientID, n := binary.Uvarint(payload)
		if n <= 0 {
			a.mu.Unlock()
			return ErrMalformedFrame
		}
		payload = payload[n:]
		clock, n := binary.Uvarint(payload)
		if n <= 0 {
			a.mu.Unlock()
			return ErrMalformedFrame
		}
		payload = payload[n:]
		state, rest, err := readBytes(payload)
		if err != nil {
			a.mu.Unlock()
			return err
		}
		payload = rest

		existing, ok := a.states[clientID]
		if ok && clock <= existing.Clock {
			continue
		}

		removed := len(state) == 0 || bytes.Equal(state, []byte("null"))
		switch {
		case removed && ok && existing.State != nil:
			a.states[clientID] = &ClientState{Clock: clock, LastUpdated: a.now()}
			ev.Removed = append(ev.Removed, clientID)
		case removed:
			a.states[clientID] = &ClientState{Clock: clock, LastUpdated: a.now()}
		case ok && existing.State != nil:
			a.states[clientID] = &ClientState{Clock: clock, State: append(json.RawMessage{}, state...), LastUpdated: a.now()}
			ev.Updated = append(ev.Updated, clientID)
		default:
			a.states[clientID] = &ClientState{Clock: clock, State: append(json.RawMessage{}, state...), LastUpdated: a.now()}
			ev.Added = append(ev.Added, clientID)
		}
	}
	a.mu.Unlock()

	a.dispatch(ev)
	return nil
}

// SetLocalState publishes this connection's own state, bumping its clock.
// A nil state removes the entry.
func (a *Awareness) SetLocalState(clientID uint64, state json.RawMessage, origin interface{}) {
	var ev AwarenessEvent
	ev.Origin = origin

	a.mu.Lock()
	clock := uint64(1)
	existing, ok := a.states[clientID]
	if ok {
		clock = existing.Clock + 1
	}
	if state == nil {
		a.states[clientID] = &ClientState{Clock: clock, LastUpdated: a.now()}
		if ok && existing.State != nil {
			ev.Removed = append(ev.Removed, clientID)
		}
	} else {
		a.states[clientID] = &ClientState{Clock: clock, State: append(json.RawMessage{}, state...), LastUpdated: a.now()}
		if ok && existing.State != nil {
			ev.Updated = append(ev.Updated, clientID)
		} else {
			ev.Added = append(ev.Added, clientID)
		}
	}
	a.mu.Unlock()

	a.dispatch(ev)
}

// RemoveStates drops the given client ids, leaving tombstone clocks, and
// dispatches a removal event. Used when a socket closes.
func (a *Awareness) RemoveStates(ids []uint64, origin interface{}) {
	var ev AwarenessEvent
	ev.Origin = origin

	a.mu.Lock()
	for _, id := range ids {
		existing, ok := a.states[id]
		if !ok || existing.State == nil {
			continue
		}
		a.states[id] = &ClientState{Clock: existing.Clock + 1, LastUpdated: a.now()}
		ev.Removed = append(ev.Removed, id)
	}
	a.mu.Unlock()

	a.dispatch(ev)
}

// EncodeUpdate encodes the entries for the given client ids, including
// tombstones for removed peers.
func (a *Awareness) EncodeUpdate(ids []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf := binary.AppendUvarint(nil, uint64(len(ids)))
	for _, id := range ids {
		entry, ok := a.states[id]
		var clock uint64
		var state json.RawMessage
		if ok {
			clock = entry.Clock
			state = entry.State
		}
		buf = binary.AppendUvarint(buf, id)
		buf = binary.AppendUvarint(buf, clock)
		if state == nil {
			buf = appendBytes(buf, []byte("null"))
		} else {
			buf = appendBytes(buf, state)
		}
	}
	return buf
}

// EncodeAll encodes every live entry. Sent to a freshly accepted socket.
func (a *Awareness) EncodeAll() []byte {
	return a.EncodeUpdate(a.liveIDs())
}

func (a *Awareness) liveIDs() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]uint64, 0, len(a.states))
	for id, entry := range a.states {
		if entry.State != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// States returns a copy of every live entry.
func (a *Awareness) States() map[uint64]ClientState {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]ClientState, len(a.states))
	for id, entry := range a.states {
		if entry.State == nil {
			continue
		}
		out[id] = *entry
	}
	return out
}

// Len counts live entries.
func (a *Awareness) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, entry := range a.states {
		if entry.State != nil {
			n++
		}
	}
	return n
}
