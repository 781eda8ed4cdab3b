// Package coordinator hosts one authoritative CRDT document per notebook
// id, multiplexes websocket sessions over it and persists snapshots.
package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/collab-notebooks/backend/internal/notebook"
	"github.com/collab-notebooks/backend/internal/protocol"
	"github.com/collab-notebooks/backend/internal/storage"
)

// Options tune a coordinator. The zero value selects the defaults.
type Options struct {
	// PersistDelay is the coalescing window of the persistence alarm.
	PersistDelay time.Duration
	// IdleTimeout evicts a coordinator with no clients after this long.
	IdleTimeout time.Duration
	// IdleCheckInterval is how often the idle timer is inspected.
	IdleCheckInterval time.Duration
	Logger            *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PersistDelay <= 0 {
		o.PersistDelay = time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.IdleCheckInterval <= 0 {
		o.IdleCheckInterval = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type inboundFrame struct {
	client *Client
	data   []byte
}

// Coordinator owns the in-memory document and awareness registry for one
// notebook. All document mutations happen on its run loop goroutine, so
// updates broadcast in applied order.
type Coordinator struct {
	NotebookID string

	doc       *notebook.Document
	awareness *protocol.Awareness
	store     storage.SnapshotStore
	log       *zap.Logger
	opts      Options

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	frames     chan inboundFrame

	persistTimer   *time.Timer
	persistPending bool
	lastActivity   time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator. Hydrate must complete before Run.
func New(ctx context.Context, notebookID string, store storage.SnapshotStore, opts Options) *Coordinator {
	opts = opts.withDefaults()
	cctx, cancel := context.WithCancel(ctx)

	c := &Coordinator{
		NotebookID:   notebookID,
		awareness:    protocol.NewAwareness(),
		store:        store,
		log:          opts.Logger.With(zap.String("notebook", notebookID)),
		opts:         opts,
		clients:      make(map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		frames:       make(chan inboundFrame, 256),
		lastActivity: time.Now(),
		ctx:          cctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	c.persistTimer = time.NewTimer(opts.PersistDelay)
	if !c.persistTimer.Stop() {
		<-c.persistTimer.C
	}

	c.awareness.OnUpdate(c.handleAwarenessEvent)
	return c
}

// Hydrate loads the snapshot (seeding and persisting the default notebook
// when none exists) and sanitizes the document. It must finish before the
// coordinator accepts any request.
func (c *Coordinator) Hydrate(ctx context.Context) error {
	snapshot, err := c.store.Load(ctx, c.NotebookID)
	if err != nil {
		c.log.Warn("snapshot read failed, seeding default", zap.Error(err))
		snapshot = nil
	}

	if len(snapshot) > 0 {
		doc, err := notebook.Load(snapshot)
		if err != nil {
			c.log.Warn("snapshot decode failed, seeding default", zap.Error(err))
		} else {
			c.doc = doc
		}
	}

	if c.doc == nil {
		c.doc = notebook.New()
		if _, err := c.doc.SeedDefault(); err != nil {
			return err
		}
		c.persistNow(ctx)
	}

	changed, _, err := c.doc.Sanitize()
	if err != nil {
		return err
	}
	if changed {
		c.log.Info("sanitize rewrote document on hydrate")
		c.persistNow(ctx)
	}
	return nil
}

// Snapshot encodes the full document state. Served on the HTTP snapshot
// endpoint.
func (c *Coordinator) Snapshot() []byte {
	return c.doc.Save()
}

// Document exposes the live document. Tests use it; mutations made
// through it still persist via the next client-driven update.
func (c *Coordinator) Document() *notebook.Document {
	return c.doc
}

// ClientCount returns the number of connected sockets.
func (c *Coordinator) ClientCount() int {
	return len(c.clients)
}

// Stop cancels the run loop.
func (c *Coordinator) Stop() {
	c.cancel()
}

// Done is closed when the run loop has exited.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run processes registrations, frames and alarms until cancelled.
func (c *Coordinator) Run() {
	defer close(c.done)

	idleTicker := time.NewTicker(c.opts.IdleCheckInterval)
	defer idleTicker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.cleanup()
			return

		case client := <-c.register:
			c.handleRegister(client)

		case client := <-c.unregister:
			c.handleUnregister(client)

		case frame := <-c.frames:
			c.handleFrame(frame.client, frame.data)

		case <-c.persistTimer.C:
			// Clear pending before writing so an update that lands during
			// the write schedules a follow-up alarm.
			c.persistPending = false
			snapshot := c.doc.Save()
			go c.writeSnapshot(snapshot)

		case <-idleTicker.C:
			c.checkIdle()
		}
	}
}

func (c *Coordinator) handleRegister(client *Client) {
	// Sanitize again so the joining client's initial sync already sees
	// valid ids. Idempotent and cheap on a clean document.
	changed, update, err := c.doc.Sanitize()
	if err != nil {
		c.log.Error("sanitize on accept failed", zap.Error(err))
	} else if changed {
		c.broadcast(protocol.EncodeSyncUpdate(update), nil)
		c.schedulePersist()
	}

	c.clients[client.ID] = client
	c.lastActivity = time.Now()

	client.enqueue(protocol.EncodeSyncStep1(c.doc))
	if c.awareness.Len() > 0 {
		client.enqueue(protocol.EncodeAwareness(c.awareness.EncodeAll()))
	}

	c.log.Info("client joined", zap.String("client", client.ID), zap.Int("total", len(c.clients)))
}

func (c *Coordinator) handleUnregister(client *Client) {
	if _, ok := c.clients[client.ID]; !ok {
		return
	}
	delete(c.clients, client.ID)
	c.lastActivity = time.Now()

	if len(client.controlledAwarenessIDs) > 0 {
		ids := append([]uint64{}, client.controlledAwarenessIDs...)
		c.awareness.RemoveStates(ids, nil)
	}
	close(client.Send)

	c.log.Info("client left", zap.String("client", client.ID), zap.Int("total", len(c.clients)))

	// Flush state promptly when the room empties.
	if len(c.clients) == 0 {
		snapshot := c.doc.Save()
		go c.writeSnapshot(snapshot)
	}
}

func (c *Coordinator) handleFrame(client *Client, data []byte) {
	if _, ok := c.clients[client.ID]; !ok {
		return
	}

	msgType, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		c.log.Debug("dropping malformed frame", zap.String("client", client.ID))
		return
	}

	switch msgType {
	case protocol.MessageSync:
		reply, applied, err := protocol.ReadSyncMessage(payload, c.doc)
		if err != nil {
			c.log.Debug("dropping sync frame", zap.String("client", client.ID), zap.Error(err))
			return
		}
		if len(reply) > 0 {
			client.enqueue(reply)
		}
		if applied {
			c.lastActivity = time.Now()
			c.broadcast(data, client)
			c.schedulePersist()
		}

	case protocol.MessageAwareness:
		if err := c.awareness.ApplyUpdate(payload, client); err != nil {
			c.log.Debug("dropping awareness frame", zap.String("client", client.ID))
		}

	case protocol.MessageAuth:
		// Reserved.

	default:
		// Unknown types are ignored.
	}
}

// handleAwarenessEvent runs synchronously after every applied awareness
// update, on the run loop goroutine.
func (c *Coordinator) handleAwarenessEvent(ev protocol.AwarenessEvent) {
	changed := make([]uint64, 0, len(ev.Added)+len(ev.Updated)+len(ev.Removed))
	changed = append(changed, ev.Added...)
	changed = append(changed, ev.Updated...)
	changed = append(changed, ev.Removed...)
	if len(changed) == 0 {
		return
	}

	var origin *Client
	if client, ok := ev.Origin.(*Client); ok {
		origin = client
		origin.controlAwarenessIDs(ev.Added)
		origin.controlAwarenessIDs(ev.Updated)
		origin.releaseAwarenessIDs(ev.Removed)
	}

	c.broadcast(protocol.EncodeAwareness(c.awareness.EncodeUpdate(changed)), origin)
}

// broadcast fans a frame out to every client except skip.
func (c *Coordinator) broadcast(data []byte, skip *Client) {
	for _, client := range c.clients {
		if skip != nil && client.ID == skip.ID {
			continue
		}
		client.enqueue(data)
	}
}

// schedulePersist arms the coalescing alarm. Re-arming while pending is a
// no-op.
func (c *Coordinator) schedulePersist() {
	if c.persistPending {
		return
	}
	c.persistPending = true
	c.persistTimer.Reset(c.opts.PersistDelay)
}

func (c *Coordinator) writeSnapshot(snapshot []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.Save(ctx, c.NotebookID, snapshot); err != nil {
		c.log.Error("snapshot write failed", zap.Error(err))
	}
}

// persistNow writes synchronously. Used during hydrate and cleanup.
func (c *Coordinator) persistNow(ctx context.Context) {
	if err := c.store.Save(ctx, c.NotebookID, c.doc.Save()); err != nil {
		c.log.Error("snapshot write failed", zap.Error(err))
	}
}

func (c *Coordinator) checkIdle() {
	if len(c.clients) == 0 && time.Since(c.lastActivity) > c.opts.IdleTimeout {
		c.cancel()
	}
}

func (c *Coordinator) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.persistNow(ctx)

	for _, client := range c.clients {
		close(client.Send)
		client.Conn.Close()
	}
	c.clients = map[string]*Client{}

	c.log.Info("coordinator evicted")
}
