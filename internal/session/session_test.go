package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/collab-notebooks/backend/internal/coordinator"
	"github.com/collab-notebooks/backend/internal/gateway"
	"github.com/collab-notebooks/backend/internal/notebook"
	"github.com/collab-notebooks/backend/internal/notebookstore"
	"github.com/collab-notebooks/backend/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newGateway(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	manager := coordinator.NewManager(ctx, storage.NewMemoryStore(), coordinator.Options{PersistDelay: 50 * time.Millisecond})
	srv := httptest.NewServer(gateway.New(manager, "", nil).Router())
	t.Cleanup(func() {
		srv.Close()
		manager.CloseAll()
		cancel()
	})
	return srv
}

func newSession(t *testing.T, notebookID string, cfg Config, opts Options) *Session {
	t.Helper()
	s := NewSession(notebookID, cfg, opts)
	t.Cleanup(s.Close)
	return s
}

func TestBootstrapLocalOnly(t *testing.T) {
	s := newSession(t, "local", NewConfig(""), Options{})
	require.NoError(t, s.Bootstrap(context.Background()))

	require.Equal(t, CollabDisabled, s.CollabStatus())
	require.Equal(t, notebook.DefaultTitle, s.Title())
	require.Equal(t, 1, s.PeerCount())

	cells := s.Cells()
	require.Len(t, cells, 2)
	require.Equal(t, RuntimeIdle, cells[0].Runtime.Status)
	require.Equal(t, cells[0].ID, s.ActiveCellID())
}

func TestBootstrapSeedsFromBlobStoreAndSanitizes(t *testing.T) {
	// Scenario: the external store holds a payload with two cells sharing
	// one id. The session repairs it before handing cells to the UI.
	storeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/notebooks/dup-nb" {
			json.NewEncoder(w).Encode(notebookstore.Notebook{
				Title: "Imported",
				Cells: []notebookstore.Cell{
					{ID: "dup", Type: "code", Content: "a = 1"},
					{ID: "dup", Type: "code", Content: "b = 2"},
				},
			})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(storeSrv.Close)

	s := newSession(t, "dup-nb", NewConfig(""), Options{
		Store: notebookstore.NewClient(storeSrv.URL, time.Second),
	})
	require.NoError(t, s.Bootstrap(context.Background()))

	require.Equal(t, "Imported", s.Title())
	cells := s.Cells()
	require.Len(t, cells, 2)
	require.Equal(t, "dup", cells[0].ID)
	require.NotEqual(t, "dup", cells[1].ID)

	// Deleting the rewritten cell leaves exactly the original id.
	require.NoError(t, s.DeleteCell(cells[1].ID))
	docCells, err := s.Document().Cells()
	require.NoError(t, err)
	require.Len(t, docCells, 1)
	require.Equal(t, "dup", docCells[0].ID)
}

func TestBootstrapRemoteSnapshot(t *testing.T) {
	srv := newGateway(t)

	cfg := NewConfig(srv.URL)
	s := newSession(t, "NB-remote", cfg, Options{})
	require.NoError(t, s.Bootstrap(context.Background()))

	// The remote snapshot seeded the replica with the server's default.
	require.Equal(t, notebook.DefaultTitle, s.Title())
	require.Len(t, s.Cells(), 2)

	// The handshake completes and the status settles on connected.
	require.Eventually(t, func() bool {
		return s.CollabStatus() == CollabConnected
	}, 5*time.Second, 50*time.Millisecond)
}

func TestBootstrapFallbackWhenServerUnreachable(t *testing.T) {
	cfg := NewConfig("ws://127.0.0.1:9")
	cfg.CollabConnectTimeout = 200 * time.Millisecond

	s := newSession(t, "NB-down", cfg, Options{})
	require.NoError(t, s.Bootstrap(context.Background()))

	require.Equal(t, CollabFallback, s.CollabStatus())
	require.Equal(t, notebook.DefaultTitle, s.Title())
	require.Len(t, s.Cells(), 2)
}

func TestPromoteSoloNotebookFromBackup(t *testing.T) {
	srv := newGateway(t)

	// The backup holds real pre-collaboration work.
	solo := notebook.New()
	_, err := solo.SeedFromCells("Solo Work", []notebook.Cell{
		{ID: "c1", Type: notebook.CellTypeCode, Content: "x = 42"},
	})
	require.NoError(t, err)

	backup := NewMemoryBackup()
	require.NoError(t, backup.Save("NB-promote", solo.Save()))

	cfg := NewConfig(srv.URL)
	s := newSession(t, "NB-promote", cfg, Options{Backup: backup})
	require.NoError(t, s.Bootstrap(context.Background()))

	// The remote default template was displaced by the stored notebook.
	require.Equal(t, "Solo Work", s.Title())
	cells := s.Cells()
	require.Len(t, cells, 1)
	require.Equal(t, "x = 42", cells[0].Content)
}

func TestTwoSessionConvergence(t *testing.T) {
	srv := newGateway(t)
	cfg := NewConfig(srv.URL)

	a := newSession(t, "NB-conv", cfg, Options{ClientID: 1})
	require.NoError(t, a.Bootstrap(context.Background()))
	b := newSession(t, "NB-conv", cfg, Options{ClientID: 2})
	require.NoError(t, b.Bootstrap(context.Background()))

	require.Eventually(t, func() bool {
		return a.CollabStatus() == CollabConnected && b.CollabStatus() == CollabConnected
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, a.UpdateTitle("x"+a.Title()))
	require.NoError(t, b.UpdateTitle("y"+b.Title()))

	want := map[string]bool{
		"xy" + notebook.DefaultTitle: true,
		"yx" + notebook.DefaultTitle: true,
	}
	require.Eventually(t, func() bool {
		ta, tb := a.Title(), b.Title()
		return ta == tb && want[ta]
	}, 10*time.Second, 100*time.Millisecond)
}

func TestHeartbeatExcludesStalePeers(t *testing.T) {
	s := newSession(t, "NB-peers", NewConfig(""), Options{
		ClientID:   100,
		StaleAfter: 80 * time.Millisecond,
	})
	require.NoError(t, s.Bootstrap(context.Background()))
	require.Equal(t, 1, s.PeerCount())

	state, err := json.Marshal(awarenessState{HB: time.Now().UnixMilli(), Nonce: "peer"})
	require.NoError(t, err)
	s.awareness.SetLocalState(5, state, nil)
	require.Equal(t, 2, s.PeerCount())

	// Once the peer goes quiet past the threshold it becomes a ghost.
	require.Eventually(t, func() bool {
		return s.PeerCount() == 1
	}, time.Second, 20*time.Millisecond)
}

func TestLeaderElection(t *testing.T) {
	s := newSession(t, "NB-leader", NewConfig(""), Options{ClientID: 100})
	require.NoError(t, s.Bootstrap(context.Background()))

	// Alone, this session leads.
	require.True(t, s.isLeader())

	state, err := json.Marshal(awarenessState{HB: time.Now().UnixMilli(), Nonce: "peer"})
	require.NoError(t, err)

	// A numerically smaller active peer takes leadership.
	s.awareness.SetLocalState(50, state, nil)
	require.False(t, s.isLeader())

	// A larger one does not.
	s.awareness.RemoveStates([]uint64{50}, nil)
	s.awareness.SetLocalState(200, state, nil)
	require.True(t, s.isLeader())
}

func TestAutoSaveLeaderWritesExternalStore(t *testing.T) {
	var mu sync.Mutex
	puts := 0
	storeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			mu.Lock()
			puts++
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(storeSrv.Close)

	backup := NewMemoryBackup()
	s := newSession(t, "NB-save", NewConfig(""), Options{
		Store:    notebookstore.NewClient(storeSrv.URL, time.Second),
		Backup:   backup,
		ClientID: 100,
	})
	require.NoError(t, s.Bootstrap(context.Background()))

	// Clean sessions do not save.
	s.AutoSaveTick(context.Background())
	mu.Lock()
	require.Equal(t, 0, puts)
	mu.Unlock()

	require.NoError(t, s.UpdateTitle("Dirty"))
	require.True(t, s.Dirty())
	s.AutoSaveTick(context.Background())

	mu.Lock()
	require.Equal(t, 1, puts)
	mu.Unlock()
	require.False(t, s.Dirty())

	snapshot, err := backup.Load("NB-save")
	require.NoError(t, err)
	require.NotEmpty(t, snapshot)

	// A smaller active peer owns the external write; we still back up
	// locally.
	state, err := json.Marshal(awarenessState{HB: time.Now().UnixMilli(), Nonce: "peer"})
	require.NoError(t, err)
	s.awareness.SetLocalState(50, state, nil)

	require.NoError(t, s.UpdateTitle("Dirtier"))
	s.AutoSaveTick(context.Background())

	mu.Lock()
	require.Equal(t, 1, puts)
	mu.Unlock()
}

func TestMisroutedKernelURL(t *testing.T) {
	srv := newGateway(t)

	cfg := NewConfig(srv.URL)
	// The kernel URL points at the collaboration gateway by mistake.
	cfg.BackendKernelURL = srv.URL

	s := newSession(t, "NB-misroute", cfg, Options{})
	require.NoError(t, s.Bootstrap(context.Background()))

	err := s.ConnectKernel(context.Background())
	require.Error(t, err)
	require.Equal(t, KernelDisconnected, s.KernelStatus())
	require.Contains(t, s.Misconfiguration(), "collaboration Worker")
	require.Contains(t, s.Misconfiguration(), "Python kernel server")

	// The notebook itself still renders.
	require.Len(t, s.Cells(), 2)
}

func newKernelServer(t *testing.T, output map[string]interface{}) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "name": "test-kernel"})
		case "/execute":
			json.NewEncoder(w).Encode(map[string]interface{}{"output": output})
		case "/variables":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"variables": []map[string]interface{}{{"name": "x", "type": "int", "value": "2"}},
			})
		case "/restart":
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecuteCell(t *testing.T) {
	kernelSrv := newKernelServer(t, map[string]interface{}{"type": "text", "content": "2"})

	cfg := NewConfig("")
	cfg.BackendKernelURL = kernelSrv.URL

	s := newSession(t, "NB-exec", cfg, Options{})
	require.NoError(t, s.Bootstrap(context.Background()))
	require.NoError(t, s.ConnectKernel(context.Background()))
	require.Equal(t, KernelIdle, s.KernelStatus())

	cells := s.Cells()
	code := cells[1].ID
	require.NoError(t, s.UpdateCellContent(code, "1+1"))
	require.NoError(t, s.ExecuteCell(context.Background(), code, true))

	require.Eventually(t, func() bool {
		for _, cell := range s.Cells() {
			if cell.ID == code {
				return cell.Runtime.Status == RuntimeSuccess &&
					cell.Runtime.Output != nil &&
					cell.Runtime.Output.Content == "2" &&
					cell.Runtime.ExecutionCount == 1
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	// advance=true on the last cell inserts a fresh one and focuses it.
	require.Eventually(t, func() bool {
		cells := s.Cells()
		return len(cells) == 3 && s.ActiveCellID() == cells[2].ID
	}, 2*time.Second, 20*time.Millisecond)

	variables := s.Variables()
	require.Len(t, variables, 1)
	require.Equal(t, "x", variables[0].Name)
	require.Equal(t, KernelIdle, s.KernelStatus())
}

func TestExecuteCellErrorOutput(t *testing.T) {
	kernelSrv := newKernelServer(t, map[string]interface{}{"type": "error", "content": "NameError: boom"})

	cfg := NewConfig("")
	cfg.BackendKernelURL = kernelSrv.URL

	s := newSession(t, "NB-exec-err", cfg, Options{})
	require.NoError(t, s.Bootstrap(context.Background()))

	cells := s.Cells()
	code := cells[1].ID
	require.NoError(t, s.ExecuteCell(context.Background(), code, false))

	require.Eventually(t, func() bool {
		for _, cell := range s.Cells() {
			if cell.ID == code {
				return cell.Runtime.Status == RuntimeError &&
					cell.Runtime.Output != nil &&
					strings.Contains(cell.Runtime.Output.Content, "boom")
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	// A contained kernel error leaves the session idle.
	require.Equal(t, KernelIdle, s.KernelStatus())
}

func TestExecuteWithoutKernel(t *testing.T) {
	cfg := NewConfig("")
	cfg.KernelMode = KernelModePyodide

	s := newSession(t, "NB-nokernel", cfg, Options{})
	require.NoError(t, s.Bootstrap(context.Background()))

	cells := s.Cells()
	err := s.ExecuteCell(context.Background(), cells[1].ID, false)
	require.ErrorIs(t, err, ErrKernelUnavailable)
}

func TestSetCellTypeClearsRuntime(t *testing.T) {
	s := newSession(t, "NB-retype", NewConfig(""), Options{})
	require.NoError(t, s.Bootstrap(context.Background()))

	cells := s.Cells()
	id := cells[1].ID

	s.mu.Lock()
	s.runtime[id].Status = RuntimeSuccess
	s.runtime[id].ExecutionCount = 3
	s.mu.Unlock()

	require.NoError(t, s.SetCellType(id, notebook.CellTypeMarkdown))

	s.mu.Lock()
	state := *s.runtime[id]
	s.mu.Unlock()
	require.Equal(t, RuntimeIdle, state.Status)
	require.Equal(t, 0, state.ExecutionCount)
}

func TestDeleteLastCellRefused(t *testing.T) {
	storeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(notebookstore.Notebook{
			Title: "One",
			Cells: []notebookstore.Cell{{ID: "only", Type: "code", Content: ""}},
		})
	}))
	t.Cleanup(storeSrv.Close)

	s := newSession(t, "NB-one", NewConfig(""), Options{
		Store: notebookstore.NewClient(storeSrv.URL, time.Second),
	})
	require.NoError(t, s.Bootstrap(context.Background()))

	require.ErrorIs(t, s.DeleteCell("only"), notebook.ErrLastCell)
}

func TestConfigNormalization(t *testing.T) {
	cfg := NewConfig("http://collab.example.com")
	cfg.CollabToken = "tok"

	require.True(t, cfg.collabConfigured())
	require.Equal(t, "ws://collab.example.com/ws/NB?token=tok", cfg.WebsocketURL("NB"))
	require.Equal(t, "http://collab.example.com/NB/snapshot?token=tok", cfg.SnapshotURL("NB"))

	secure := NewConfig("https://collab.example.com/")
	require.Equal(t, "wss://collab.example.com/ws/NB", secure.WebsocketURL("NB"))
	require.Equal(t, "https://collab.example.com/NB/snapshot", secure.SnapshotURL("NB"))

	require.False(t, NewConfig("").collabConfigured())

	disabled := NewConfig("ws://collab.example.com")
	disabled.CollabEnabled = false
	require.False(t, disabled.collabConfigured())
}
