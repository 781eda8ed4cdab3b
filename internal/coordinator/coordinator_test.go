package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/collab-notebooks/backend/internal/notebook"
	"github.com/collab-notebooks/backend/internal/storage"
)

func TestHydrateSeedsAndPersistsDefault(t *testing.T) {
	store := storage.NewMemoryStore()
	c := New(context.Background(), "nb-fresh", store, Options{})

	require.NoError(t, c.Hydrate(context.Background()))

	snapshot := c.Snapshot()
	require.NotEmpty(t, snapshot)

	doc, err := notebook.Load(snapshot)
	require.NoError(t, err)
	require.True(t, doc.IsDefaultTemplate())

	// The default was persisted immediately.
	persisted, err := store.Load(context.Background(), "nb-fresh")
	require.NoError(t, err)
	require.NotEmpty(t, persisted)
}

func TestHydrateFromExistingSnapshot(t *testing.T) {
	store := storage.NewMemoryStore()

	doc := notebook.New()
	_, err := doc.SeedDefault()
	require.NoError(t, err)
	_, err = doc.SetTitle("Hello")
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "nb-existing", doc.Save()))

	c := New(context.Background(), "nb-existing", store, Options{})
	require.NoError(t, c.Hydrate(context.Background()))
	require.Equal(t, "Hello", c.Document().Title())
}

func TestHydrateSanitizesPersistedDocument(t *testing.T) {
	store := storage.NewMemoryStore()

	doc := notebook.New()
	_, err := doc.SeedFromCells("Imported", []notebook.Cell{
		{ID: "dup", Type: notebook.CellTypeCode, Content: "a"},
		{ID: "dup", Type: notebook.CellType("weird"), Content: "b"},
	})
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "nb-dirty", doc.Save()))

	c := New(context.Background(), "nb-dirty", store, Options{})
	require.NoError(t, c.Hydrate(context.Background()))

	cells, err := c.Document().Cells()
	require.NoError(t, err)
	require.Len(t, cells, 2)
	require.NotEqual(t, cells[0].ID, cells[1].ID)
	require.Equal(t, notebook.CellTypeCode, cells[1].Type)

	// The repaired document was re-persisted and hydrates cleanly.
	persisted, err := store.Load(context.Background(), "nb-dirty")
	require.NoError(t, err)
	restored, err := notebook.Load(persisted)
	require.NoError(t, err)
	restoredCells, err := restored.Cells()
	require.NoError(t, err)
	require.NotEqual(t, restoredCells[0].ID, restoredCells[1].ID)
}

func TestHydrateTreatsCorruptSnapshotAsAbsent(t *testing.T) {
	store := storage.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "nb-corrupt", []byte("not a snapshot")))

	c := New(context.Background(), "nb-corrupt", store, Options{})
	require.NoError(t, c.Hydrate(context.Background()))
	require.True(t, c.Document().IsDefaultTemplate())
}

func TestManagerConvergesOnOneInstance(t *testing.T) {
	store := storage.NewMemoryStore()
	m := NewManager(context.Background(), store, Options{})
	defer m.CloseAll()

	a, err := m.GetOrCreate(context.Background(), "nb")
	require.NoError(t, err)
	b, err := m.GetOrCreate(context.Background(), "nb")
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, m.Count())

	other, err := m.GetOrCreate(context.Background(), "nb2")
	require.NoError(t, err)
	require.NotSame(t, a, other)
	require.Equal(t, 2, m.Count())
}
