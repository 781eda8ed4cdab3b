package session

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/collab-notebooks/backend/internal/notebookstore"
	"github.com/collab-notebooks/backend/internal/protocol"
)

// awarenessState is this client's published presence entry.
type awarenessState struct {
	User  awarenessUser `json:"user"`
	HB    int64         `json:"hb"`
	Nonce string        `json:"nonce"`
}

type awarenessUser struct {
	Name string `json:"name,omitempty"`
}

// publishLocalAwareness writes our heartbeat into the registry and, when
// connected, announces it to the coordinator.
func (s *Session) publishLocalAwareness() {
	state, err := json.Marshal(awarenessState{
		User:  awarenessUser{Name: s.opts.UserName},
		HB:    time.Now().UnixMilli(),
		Nonce: s.nonce,
	})
	if err != nil {
		return
	}
	s.awareness.SetLocalState(s.clientID, state, nil)
	if s.provider != nil && s.provider.Connected() {
		s.provider.Send(protocol.EncodeAwareness(s.awareness.EncodeUpdate([]uint64{s.clientID})))
	}
}

func (s *Session) startHeartbeat() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.publishLocalAwareness()
			case <-s.stop:
				return
			}
		}
	}()
}

type peer struct {
	clientID uint64
	nonce    string
}

// activePeers lists self plus every peer whose awareness entry was
// refreshed within the staleness threshold. Stale ghosts are excluded.
func (s *Session) activePeers() []peer {
	now := time.Now()
	peers := []peer{{clientID: s.clientID, nonce: s.nonce}}

	for id, state := range s.awareness.States() {
		if id == s.clientID {
			continue
		}
		if now.Sub(state.LastUpdated) > s.opts.StaleAfter {
			continue
		}
		p := peer{clientID: id}
		var decoded awarenessState
		if err := json.Unmarshal(state.State, &decoded); err == nil {
			p.nonce = decoded.Nonce
		}
		peers = append(peers, p)
	}
	return peers
}

// PeerCount reports the number of live collaborators, never below one.
func (s *Session) PeerCount() int {
	n := len(s.activePeers())
	if n < 1 {
		return 1
	}
	return n
}

// isLeader elects the peer with the numerically smallest active client
// id; ties break lexicographically on the session nonce.
func (s *Session) isLeader() bool {
	peers := s.activePeers()
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].clientID != peers[j].clientID {
			return peers[i].clientID < peers[j].clientID
		}
		return peers[i].nonce < peers[j].nonce
	})
	leader := peers[0]
	return leader.clientID == s.clientID && leader.nonce == s.nonce
}

func (s *Session) startAutoSave() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.AutoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				s.AutoSaveTick(ctx)
				cancel()
			case <-s.stop:
				return
			}
		}
	}()
}

// AutoSaveTick persists a dirty session: every client writes the local
// backup; only the elected leader writes the external blob store.
func (s *Session) AutoSaveTick(ctx context.Context) {
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		return
	}

	snapshot := s.doc.Save()
	if err := s.opts.Backup.Save(s.NotebookID, snapshot); err != nil {
		s.log.Warn("local backup write failed", zap.Error(err))
	}

	if s.opts.Store != nil && s.isLeader() {
		if err := s.opts.Store.Put(ctx, s.NotebookID, s.exportNotebook()); err != nil {
			s.log.Warn("blob store write failed", zap.Error(err))
			return
		}
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
}

// exportNotebook renders the document as the blob store payload.
func (s *Session) exportNotebook() *notebookstore.Notebook {
	cells, _ := s.doc.Cells()
	out := &notebookstore.Notebook{Title: s.doc.Title()}
	for _, c := range cells {
		out.Cells = append(out.Cells, notebookstore.Cell{
			ID:      c.ID,
			Type:    string(c.Type),
			Content: c.Content,
		})
	}
	s.mu.Lock()
	out.Variables = append(out.Variables, s.variables...)
	s.mu.Unlock()
	return out
}
