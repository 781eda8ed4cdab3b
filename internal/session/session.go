// Package session implements the client-side notebook session: one CRDT
// replica bound to a notebook id, a websocket provider to the gateway,
// presence, runtime cell state and the imperative editing API.
package session

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collab-notebooks/backend/internal/kernel"
	"github.com/collab-notebooks/backend/internal/notebook"
	"github.com/collab-notebooks/backend/internal/notebookstore"
	"github.com/collab-notebooks/backend/internal/protocol"
)

// CollabStatus is the collaboration connection state machine.
type CollabStatus string

const (
	CollabDisabled   CollabStatus = "disabled"
	CollabConnecting CollabStatus = "connecting"
	CollabConnected  CollabStatus = "connected"
	CollabFallback   CollabStatus = "fallback"
)

// KernelStatus is the kernel connection state machine.
type KernelStatus string

const (
	KernelDisconnected KernelStatus = "disconnected"
	KernelLoading      KernelStatus = "loading"
	KernelIdle         KernelStatus = "idle"
	KernelBusy         KernelStatus = "busy"
	KernelStarting     KernelStatus = "starting"
)

// RuntimeStatus is one cell's execution state.
type RuntimeStatus string

const (
	RuntimeIdle    RuntimeStatus = "idle"
	RuntimeRunning RuntimeStatus = "running"
	RuntimeSuccess RuntimeStatus = "success"
	RuntimeError   RuntimeStatus = "error"
)

// RuntimeCellState is the client-only execution state keyed by cell id.
// It is never CRDT-replicated.
type RuntimeCellState struct {
	Status         RuntimeStatus
	Output         *kernel.CellOutput
	ExecutionCount int
	IsCollapsed    bool
}

// CellView is one row of the observable cell list: the document cell
// plus its runtime fields.
type CellView struct {
	notebook.Cell
	Runtime RuntimeCellState
}

// Options carry the session's collaborators and tunables. Zero values
// select the defaults.
type Options struct {
	Store             *notebookstore.Client
	Backup            Backup
	Logger            *zap.Logger
	UserName          string
	ClientID          uint64
	RefreshDelay      time.Duration
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	AutoSaveInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Backup == nil {
		o.Backup = NewMemoryBackup()
	}
	if o.ClientID == 0 {
		o.ClientID = uint64(rand.Uint32())
	}
	if o.RefreshDelay <= 0 {
		o.RefreshDelay = 16 * time.Millisecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 60 * time.Second
	}
	if o.AutoSaveInterval <= 0 {
		o.AutoSaveInterval = 30 * time.Second
	}
	return o
}

// Session owns one notebook's client state.
type Session struct {
	NotebookID string

	cfg  Config
	opts Options
	log  *zap.Logger

	doc       *notebook.Document
	provider  *Provider
	awareness *protocol.Awareness
	clientID  uint64
	nonce     string

	kernelClient *kernel.Client

	mu             sync.Mutex
	runtime        map[string]*RuntimeCellState
	cells          []CellView
	activeCellID   string
	kernelStatus   KernelStatus
	collabStatus   CollabStatus
	misconfig      string
	dirty          bool
	bootstrapped   bool
	synced         bool
	executionCount int
	variables      []kernel.Variable

	refreshMu      sync.Mutex
	refreshPending bool

	onCellsChanged func([]CellView)

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSession builds an unbootstrapped session.
func NewSession(notebookID string, cfg Config, opts Options) *Session {
	opts = opts.withDefaults()

	s := &Session{
		NotebookID:   notebookID,
		cfg:          cfg,
		opts:         opts,
		log:          opts.Logger.With(zap.String("notebook", notebookID)),
		awareness:    protocol.NewAwareness(),
		clientID:     opts.ClientID,
		nonce:        uuid.NewString(),
		runtime:      make(map[string]*RuntimeCellState),
		kernelStatus: KernelDisconnected,
		collabStatus: CollabDisabled,
		stop:         make(chan struct{}),
	}
	if cfg.KernelMode == KernelModeBackend && cfg.BackendKernelURL != "" {
		s.kernelClient = kernel.NewClient(cfg.BackendKernelURL, 30*time.Second)
	}
	return s
}

// OnCellsChanged registers the view refresh callback. Invoked after each
// coalesced sync from the CRDT into the observable cell list.
func (s *Session) OnCellsChanged(fn func([]CellView)) {
	s.mu.Lock()
	s.onCellsChanged = fn
	s.mu.Unlock()
}

// Bootstrap runs the strict startup order: fresh document, idle
// provider, remote snapshot, storage fallback, solo-notebook promotion,
// sanitize, then connect.
func (s *Session) Bootstrap(ctx context.Context) error {
	s.doc = notebook.New()

	collab := s.cfg.collabConfigured()
	if collab {
		s.provider = NewProvider(s.cfg.WebsocketURL(s.NotebookID), s.handleFrame, s.handleConnected, s.log)
	}

	seeded := false
	if collab {
		if snapshot := s.fetchRemoteSnapshot(ctx); len(snapshot) > 0 {
			if err := s.doc.ApplyUpdate(snapshot); err != nil {
				s.log.Warn("remote snapshot rejected", zap.Error(err))
			} else {
				seeded = true
				s.setCollabStatus(CollabConnecting)
			}
		}
	}

	if !seeded {
		if collab {
			s.setCollabStatus(CollabFallback)
		}
		s.seedFromStorage(ctx)
	}

	// Promote a pre-existing solo notebook: if the document still looks
	// like the untouched template but storage holds real content, prefer
	// the stored content.
	if s.doc.IsDefaultTemplate() {
		s.promoteFromStorage(ctx)
	}

	if _, _, err := s.doc.Sanitize(); err != nil {
		return err
	}

	s.mu.Lock()
	s.bootstrapped = true
	s.mu.Unlock()

	s.publishLocalAwareness()
	s.refreshNow()

	if s.provider != nil {
		s.provider.Connect()
		timeout := s.cfg.connectTimeout()
		watchdog := time.AfterFunc(timeout, func() {
			s.mu.Lock()
			if !s.synced && s.collabStatus == CollabConnecting {
				s.collabStatus = CollabFallback
			}
			s.mu.Unlock()
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			<-s.stop
			watchdog.Stop()
		}()
	}

	s.startHeartbeat()
	s.startAutoSave()
	return nil
}

// fetchRemoteSnapshot tries the gateway's HTTP snapshot endpoint within
// the configured timeout.
func (s *Session) fetchRemoteSnapshot(ctx context.Context) []byte {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.connectTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.SnapshotURL(s.NotebookID), nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.log.Debug("remote snapshot fetch failed", zap.Error(err))
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	return body
}

// seedFromStorage seeds the fresh document from the blob store, the
// local backup, or the default template, in that order.
func (s *Session) seedFromStorage(ctx context.Context) {
	if s.opts.Store != nil {
		nb, err := s.opts.Store.Get(ctx, s.NotebookID)
		if err != nil {
			s.log.Debug("blob store fetch failed", zap.Error(err))
		}
		if nb != nil {
			if _, err := s.doc.SeedFromCells(nb.Title, storeCells(nb)); err == nil {
				return
			}
		}
	}

	if snapshot, err := s.opts.Backup.Load(s.NotebookID); err == nil && len(snapshot) > 0 {
		if err := s.doc.ApplyUpdate(snapshot); err == nil {
			return
		}
	}

	if _, err := s.doc.SeedDefault(); err != nil {
		s.log.Error("default seed failed", zap.Error(err))
	}
}

// promoteFromStorage reseeds a still-default document from storage when
// a non-default snapshot exists there.
func (s *Session) promoteFromStorage(ctx context.Context) {
	if s.opts.Store != nil {
		nb, err := s.opts.Store.Get(ctx, s.NotebookID)
		if err == nil && nb != nil && !payloadIsDefault(nb) {
			if _, err := s.doc.SeedFromCells(nb.Title, storeCells(nb)); err == nil {
				return
			}
		}
	}

	snapshot, err := s.opts.Backup.Load(s.NotebookID)
	if err != nil || len(snapshot) == 0 {
		return
	}
	stored, err := notebook.Load(snapshot)
	if err != nil || stored.IsDefaultTemplate() {
		return
	}
	cells, err := stored.Cells()
	if err != nil {
		return
	}
	if _, err := s.doc.SeedFromCells(stored.Title(), cells); err != nil {
		s.log.Warn("solo notebook promotion failed", zap.Error(err))
	}
}

func storeCells(nb *notebookstore.Notebook) []notebook.Cell {
	cells := make([]notebook.Cell, 0, len(nb.Cells))
	for _, c := range nb.Cells {
		cells = append(cells, notebook.Cell{
			ID:      c.ID,
			Type:    notebook.CellType(c.Type),
			Content: c.Content,
		})
	}
	return cells
}

func payloadIsDefault(nb *notebookstore.Notebook) bool {
	if nb.Title != notebook.DefaultTitle || len(nb.Cells) != 2 {
		return false
	}
	return nb.Cells[0].Type == string(notebook.CellTypeMarkdown) &&
		nb.Cells[1].Type == string(notebook.CellTypeCode)
}

// handleConnected runs on every (re)connect: handshake with the
// coordinator and announce our awareness state.
func (s *Session) handleConnected() {
	s.provider.Send(protocol.EncodeSyncStep1(s.doc))
	s.provider.Send(protocol.EncodeAwareness(s.awareness.EncodeUpdate([]uint64{s.clientID})))
}

// handleFrame applies one inbound frame from the provider.
func (s *Session) handleFrame(data []byte) {
	msgType, payload, err := protocol.DecodeFrame(data)
	if err != nil {
		return
	}

	switch msgType {
	case protocol.MessageSync:
		reply, applied, err := protocol.ReadSyncMessage(payload, s.doc)
		if err != nil {
			return
		}
		if len(reply) > 0 {
			s.provider.Send(reply)
		}
		if applied {
			s.markSynced()
			s.markDirty()
			s.scheduleRefresh()
		}

	case protocol.MessageAwareness:
		s.awareness.ApplyUpdate(payload, s.provider)

	default:
		// AUTH and unknown types are ignored.
	}
}

func (s *Session) markSynced() {
	s.mu.Lock()
	s.synced = true
	if s.collabStatus == CollabConnecting || s.collabStatus == CollabFallback {
		s.collabStatus = CollabConnected
	}
	s.mu.Unlock()
}

func (s *Session) markDirty() {
	s.mu.Lock()
	if s.bootstrapped {
		s.dirty = true
	}
	s.mu.Unlock()
}

func (s *Session) setCollabStatus(status CollabStatus) {
	s.mu.Lock()
	s.collabStatus = status
	s.mu.Unlock()
}

// afterLocalUpdate ships a local change to the coordinator and refreshes
// the view.
func (s *Session) afterLocalUpdate(update []byte) {
	if len(update) > 0 && s.provider != nil {
		s.provider.Send(protocol.EncodeSyncUpdate(update))
	}
	if len(update) > 0 {
		s.markDirty()
	}
	s.scheduleRefresh()
}

// scheduleRefresh coalesces view syncs into one deferred pass, the
// analogue of an animation frame.
func (s *Session) scheduleRefresh() {
	s.refreshMu.Lock()
	if s.refreshPending {
		s.refreshMu.Unlock()
		return
	}
	s.refreshPending = true
	s.refreshMu.Unlock()

	time.AfterFunc(s.opts.RefreshDelay, func() {
		s.refreshMu.Lock()
		s.refreshPending = false
		s.refreshMu.Unlock()
		s.refreshNow()
	})
}

// refreshNow rebuilds the observable cell list from the document.
func (s *Session) refreshNow() {
	cells, err := s.doc.Cells()
	if err != nil {
		s.log.Error("cell list read failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	present := make(map[string]bool, len(cells))
	views := make([]CellView, 0, len(cells))
	for _, cell := range cells {
		present[cell.ID] = true
		state, ok := s.runtime[cell.ID]
		if !ok {
			state = &RuntimeCellState{Status: RuntimeIdle}
			s.runtime[cell.ID] = state
		}
		views = append(views, CellView{Cell: cell, Runtime: *state})
	}
	for id := range s.runtime {
		if !present[id] {
			delete(s.runtime, id)
		}
	}

	if !present[s.activeCellID] {
		if len(cells) > 0 {
			s.activeCellID = cells[0].ID
		} else {
			s.activeCellID = ""
		}
	}

	s.cells = views
	callback := s.onCellsChanged
	s.mu.Unlock()

	if callback != nil {
		callback(views)
	}
}

// Cells returns the current observable cell list.
func (s *Session) Cells() []CellView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CellView, len(s.cells))
	copy(out, s.cells)
	return out
}

// Title reads the current title from the document.
func (s *Session) Title() string {
	return s.doc.Title()
}

// ActiveCellID returns the focused cell.
func (s *Session) ActiveCellID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCellID
}

// SetActiveCell focuses a cell.
func (s *Session) SetActiveCell(id string) {
	s.mu.Lock()
	s.activeCellID = id
	s.mu.Unlock()
}

// CollabStatus returns the collaboration state.
func (s *Session) CollabStatus() CollabStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collabStatus
}

// KernelStatus returns the kernel connection state.
func (s *Session) KernelStatus() KernelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelStatus
}

// Misconfiguration returns the remediation message, if any.
func (s *Session) Misconfiguration() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.misconfig
}

// Dirty reports whether unsaved changes exist.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Document exposes the underlying CRDT document.
func (s *Session) Document() *notebook.Document {
	return s.doc
}

// InsertCellAfter creates a new cell and focuses it.
func (s *Session) InsertCellAfter(afterID string, ctype notebook.CellType) (string, error) {
	id, update, err := s.doc.InsertCellAfter(afterID, ctype)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.runtime[id] = &RuntimeCellState{Status: RuntimeIdle}
	s.activeCellID = id
	s.mu.Unlock()
	s.afterLocalUpdate(update)
	return id, nil
}

// DeleteCell removes a cell; the last cell cannot be deleted.
func (s *Session) DeleteCell(id string) error {
	update, err := s.doc.DeleteCell(id)
	if err != nil {
		return err
	}
	s.afterLocalUpdate(update)
	return nil
}

// MoveCell repositions a cell.
func (s *Session) MoveCell(id string, toIndex int) error {
	update, err := s.doc.MoveCell(id, toIndex)
	if err != nil {
		return err
	}
	s.afterLocalUpdate(update)
	return nil
}

// SetCellType retypes a cell and clears its runtime output.
func (s *Session) SetCellType(id string, ctype notebook.CellType) error {
	update, err := s.doc.SetCellType(id, ctype)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if state, ok := s.runtime[id]; ok {
		state.Status = RuntimeIdle
		state.Output = nil
		state.ExecutionCount = 0
	}
	s.mu.Unlock()
	s.afterLocalUpdate(update)
	return nil
}

// UpdateCellContent applies the minimal text splice to a cell.
func (s *Session) UpdateCellContent(id, next string) error {
	update, err := s.doc.SetCellContent(id, next)
	if err != nil {
		return err
	}
	s.afterLocalUpdate(update)
	return nil
}

// UpdateTitle applies the minimal text splice to the title.
func (s *Session) UpdateTitle(next string) error {
	update, err := s.doc.SetTitle(next)
	if err != nil {
		return err
	}
	s.afterLocalUpdate(update)
	return nil
}

// SetCellCollapsed toggles a cell's collapsed flag.
func (s *Session) SetCellCollapsed(id string, collapsed bool) {
	s.mu.Lock()
	if state, ok := s.runtime[id]; ok {
		state.IsCollapsed = collapsed
	}
	s.mu.Unlock()
	s.scheduleRefresh()
}

// Close shuts the session down.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	if s.provider != nil {
		s.provider.Close()
	}
	s.wg.Wait()
}
