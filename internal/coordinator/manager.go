package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/collab-notebooks/backend/internal/storage"
)

// Manager maps notebook ids to live coordinators. The name-to-instance
// mapping is deterministic: concurrent requests for one id converge on
// one coordinator, and nothing observes a coordinator before its
// hydrate+sanitize completed.
type Manager struct {
	mu           sync.Mutex
	coordinators map[string]*Coordinator
	store        storage.SnapshotStore
	opts         Options
	ctx          context.Context
	log          *zap.Logger
}

// NewManager creates a manager backed by the given snapshot store.
func NewManager(ctx context.Context, store storage.SnapshotStore, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		coordinators: make(map[string]*Coordinator),
		store:        store,
		opts:         opts,
		ctx:          ctx,
		log:          opts.Logger,
	}
}

// GetOrCreate returns the coordinator for a notebook id, cold-starting it
// when absent. The manager lock is held across hydrate so concurrent
// requests block until the document is ready.
func (m *Manager) GetOrCreate(ctx context.Context, notebookID string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.coordinators[notebookID]; ok {
		return c, nil
	}

	c := New(m.ctx, notebookID, m.store, m.opts)
	if err := c.Hydrate(ctx); err != nil {
		return nil, err
	}
	m.coordinators[notebookID] = c

	go m.runCoordinator(c)
	return c, nil
}

func (m *Manager) runCoordinator(c *Coordinator) {
	c.Run()

	m.mu.Lock()
	if m.coordinators[c.NotebookID] == c {
		delete(m.coordinators, c.NotebookID)
	}
	m.mu.Unlock()
}

// Get returns a live coordinator or nil.
func (m *Manager) Get(notebookID string) *Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.coordinators[notebookID]
}

// Count returns the number of live coordinators.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.coordinators)
}

// CloseAll cancels every coordinator.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.coordinators {
		c.Stop()
	}
}
