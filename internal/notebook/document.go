// Package notebook holds the CRDT notebook document: a collaborative
// title plus an ordered sequence of cells.
package notebook

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// CellType discriminates the two cell variants.
type CellType string

const (
	CellTypeCode     CellType = "code"
	CellTypeMarkdown CellType = "markdown"
)

// Default template contents seeded when no snapshot exists.
const (
	DefaultTitle           = "Untitled Notebook"
	DefaultMarkdownContent = "# New Notebook\n\nWelcome to your collaborative notebook. This cell is markdown; double-click to edit."
	DefaultCodeContent     = "# Write Python code here\nprint(\"Hello, world!\")"
)

// ErrLastCell is returned when a delete would drop the document below one
// cell.
var ErrLastCell = errors.New("notebook: cannot delete the last cell")

// ErrCellNotFound is returned when a mutation names an unknown cell id.
var ErrCellNotFound = errors.New("notebook: cell not found")

// Cell is a read-only snapshot of one cell.
type Cell struct {
	ID      string
	Type    CellType
	Content string
}

// Document wraps an automerge document with the notebook schema. All
// methods are safe for concurrent use; mutations commit one change each
// and return the incremental update bytes to broadcast.
type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// New creates an empty document. Callers normally follow up with
// SeedDefault or ApplyUpdate.
func New() *Document {
	return &Document{doc: automerge.New()}
}

// Load rebuilds a document from snapshot bytes produced by Save.
func Load(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("notebook: load snapshot: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Save encodes the full document state as a single update.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

// ApplyUpdate merges remote update bytes into the document. The pending
// incremental buffer is drained afterwards so later local mutations
// report only their own changes.
func (d *Document) ApplyUpdate(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("notebook: apply update: %w", err)
	}
	d.doc.SaveIncremental()
	return nil
}

// StateVector encodes the document heads for a sync step 1 payload.
func (d *Document) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	out := make([]byte, 0, len(heads)*65+2)
	out = append(out, '[')
	for i, h := range heads {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '"')
		out = append(out, h.String()...)
		out = append(out, '"')
	}
	return append(out, ']')
}

// SeedDefault writes the default two-cell notebook in one change and
// returns the update bytes.
func (d *Document) SeedDefault() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	root := d.doc.RootMap()
	if err := root.Set("title", automerge.NewText(DefaultTitle)); err != nil {
		return nil, err
	}
	cells := automerge.NewList()
	if err := root.Set("cells", cells); err != nil {
		return nil, err
	}
	if err := appendCell(cells, uuid.NewString(), CellTypeMarkdown, DefaultMarkdownContent); err != nil {
		return nil, err
	}
	if err := appendCell(cells, uuid.NewString(), CellTypeCode, DefaultCodeContent); err != nil {
		return nil, err
	}
	return d.commit("seed default notebook")
}

func appendCell(cells *automerge.List, id string, ctype CellType, content string) error {
	cell := automerge.NewMap()
	if err := cells.Append(cell); err != nil {
		return err
	}
	if err := cell.Set("id", id); err != nil {
		return err
	}
	if err := cell.Set("type", string(ctype)); err != nil {
		return err
	}
	return cell.Set("content", automerge.NewText(content))
}

func insertCell(cells *automerge.List, index int, id string, ctype CellType, content string) error {
	cell := automerge.NewMap()
	if err := cells.Insert(index, cell); err != nil {
		return err
	}
	if err := cell.Set("id", id); err != nil {
		return err
	}
	if err := cell.Set("type", string(ctype)); err != nil {
		return err
	}
	return cell.Set("content", automerge.NewText(content))
}

// commit closes the current change and returns its update bytes. Must be
// called with the lock held.
func (d *Document) commit(msg string) ([]byte, error) {
	if _, err := d.doc.Commit(msg); err != nil {
		return nil, err
	}
	return d.doc.SaveIncremental(), nil
}

// SeedFromCells replaces the document body with an external payload in
// one change. Ids are written verbatim, duplicates included; Sanitize
// runs afterwards to repair them.
func (d *Document) SeedFromCells(title string, cells []Cell) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	root := d.doc.RootMap()
	if err := root.Set("title", automerge.NewText(title)); err != nil {
		return nil, err
	}
	list := automerge.NewList()
	if err := root.Set("cells", list); err != nil {
		return nil, err
	}
	for _, cell := range cells {
		c := automerge.NewMap()
		if err := list.Append(c); err != nil {
			return nil, err
		}
		if err := c.Set("id", cell.ID); err != nil {
			return nil, err
		}
		if err := c.Set("type", string(cell.Type)); err != nil {
			return nil, err
		}
		if err := c.Set("content", automerge.NewText(cell.Content)); err != nil {
			return nil, err
		}
	}
	return d.commit("seed from payload")
}

// Sanitize enforces the document invariants: title and every cell content
// are collaborative text, cell ids are unique and non-empty, cell types
// are in the enum. All repairs happen in one change. It reports whether
// anything was rewritten, together with the update bytes when so.
func (d *Document) Sanitize() (bool, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	root := d.doc.RootMap()

	titleVal, err := root.Get("title")
	if err != nil {
		return false, nil, err
	}
	if titleVal.Kind() != automerge.KindText {
		prior := stringify(titleVal)
		if prior == "" {
			prior = DefaultTitle
		}
		if err := root.Set("title", automerge.NewText(prior)); err != nil {
			return false, nil, err
		}
		changed = true
	}

	cellsVal, err := root.Get("cells")
	if err != nil {
		return false, nil, err
	}
	var cells *automerge.List
	if cellsVal.Kind() != automerge.KindList {
		cells = automerge.NewList()
		if err := root.Set("cells", cells); err != nil {
			return false, nil, err
		}
		changed = true
	} else {
		cells = cellsVal.List()
	}

	seen := map[string]bool{}
	for i := 0; i < cells.Len(); i++ {
		item, err := cells.Get(i)
		if err != nil {
			return false, nil, err
		}
		if item.Kind() != automerge.KindMap {
			prior := stringify(item)
			if err := cells.Delete(i); err != nil {
				return false, nil, err
			}
			minted := uuid.NewString()
			if err := insertCell(cells, i, minted, CellTypeCode, prior); err != nil {
				return false, nil, err
			}
			seen[minted] = true
			changed = true
			continue
		}

		cell := item.Map()

		idVal, err := cell.Get("id")
		if err != nil {
			return false, nil, err
		}
		id := ""
		if idVal.Kind() == automerge.KindStr {
			id = idVal.Str()
		}
		if id == "" || seen[id] {
			id = uuid.NewString()
			if err := cell.Set("id", id); err != nil {
				return false, nil, err
			}
			changed = true
		}
		seen[id] = true

		typeVal, err := cell.Get("type")
		if err != nil {
			return false, nil, err
		}
		ctype := ""
		if typeVal.Kind() == automerge.KindStr {
			ctype = typeVal.Str()
		}
		if ctype != string(CellTypeCode) && ctype != string(CellTypeMarkdown) {
			if err := cell.Set("type", string(CellTypeCode)); err != nil {
				return false, nil, err
			}
			changed = true
		}

		contentVal, err := cell.Get("content")
		if err != nil {
			return false, nil, err
		}
		if contentVal.Kind() != automerge.KindText {
			if err := cell.Set("content", automerge.NewText(stringify(contentVal))); err != nil {
				return false, nil, err
			}
			changed = true
		}
	}

	if !changed {
		// Discard the empty pending change so the next commit stays clean.
		d.doc.SaveIncremental()
		return false, nil, nil
	}
	update, err := d.commit("sanitize notebook")
	if err != nil {
		return false, nil, err
	}
	return true, update, nil
}

// stringify coerces a scalar value to a string; collection kinds and
// absent values coerce to the empty string.
func stringify(v *automerge.Value) string {
	if v == nil {
		return ""
	}
	switch v.Kind() {
	case automerge.KindStr:
		return v.Str()
	case automerge.KindInt64:
		return fmt.Sprint(v.Int64())
	case automerge.KindUint64:
		return fmt.Sprint(v.Uint64())
	case automerge.KindFloat64:
		return fmt.Sprint(v.Float64())
	case automerge.KindBool:
		return fmt.Sprint(v.Bool())
	}
	return ""
}

// Title returns the current title text.
func (d *Document) Title() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, _ := d.titleText()
	return s
}

func (d *Document) titleText() (string, *automerge.Text) {
	v, err := d.doc.RootMap().Get("title")
	if err != nil || v.Kind() != automerge.KindText {
		return "", nil
	}
	t := v.Text()
	s, err := t.Get()
	if err != nil {
		return "", nil
	}
	return s, t
}

// Cells returns an ordered snapshot of every cell.
func (d *Document) Cells() ([]Cell, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cellsSnapshot()
}

func (d *Document) cellsSnapshot() ([]Cell, error) {
	cells, err := d.cellsList()
	if err != nil {
		return nil, err
	}
	if cells == nil {
		return nil, nil
	}
	out := make([]Cell, 0, cells.Len())
	for i := 0; i < cells.Len(); i++ {
		item, err := cells.Get(i)
		if err != nil {
			return nil, err
		}
		if item.Kind() != automerge.KindMap {
			continue
		}
		cell := item.Map()
		c := Cell{Type: CellTypeCode}
		if v, err := cell.Get("id"); err == nil && v.Kind() == automerge.KindStr {
			c.ID = v.Str()
		}
		if v, err := cell.Get("type"); err == nil && v.Kind() == automerge.KindStr {
			if v.Str() == string(CellTypeMarkdown) {
				c.Type = CellTypeMarkdown
			}
		}
		if v, err := cell.Get("content"); err == nil && v.Kind() == automerge.KindText {
			if s, err := v.Text().Get(); err == nil {
				c.Content = s
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *Document) cellsList() (*automerge.List, error) {
	v, err := d.doc.RootMap().Get("cells")
	if err != nil {
		return nil, err
	}
	if v.Kind() != automerge.KindList {
		return nil, nil
	}
	return v.List(), nil
}

// CellContent returns the current text of one cell, reading through to
// the CRDT rather than any cached view.
func (d *Document) CellContent(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _, text, err := d.findCell(id)
	if err != nil || text == nil {
		return "", false
	}
	s, err := text.Get()
	if err != nil {
		return "", false
	}
	return s, true
}

// findCell locates a cell by id. Must be called with the lock held.
func (d *Document) findCell(id string) (int, *automerge.Map, *automerge.Text, error) {
	cells, err := d.cellsList()
	if err != nil {
		return -1, nil, nil, err
	}
	if cells == nil {
		return -1, nil, nil, ErrCellNotFound
	}
	for i := 0; i < cells.Len(); i++ {
		item, err := cells.Get(i)
		if err != nil {
			return -1, nil, nil, err
		}
		if item.Kind() != automerge.KindMap {
			continue
		}
		cell := item.Map()
		idVal, err := cell.Get("id")
		if err != nil {
			return -1, nil, nil, err
		}
		if idVal.Kind() != automerge.KindStr || idVal.Str() != id {
			continue
		}
		var text *automerge.Text
		if v, err := cell.Get("content"); err == nil && v.Kind() == automerge.KindText {
			text = v.Text()
		}
		return i, cell, text, nil
	}
	return -1, nil, nil, ErrCellNotFound
}

// InsertCellAfter creates a fresh empty cell after afterID, or at the end
// when afterID is empty or unknown. It returns the new cell id and the
// update bytes.
func (d *Document) InsertCellAfter(afterID string, ctype CellType) (string, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ctype != CellTypeMarkdown {
		ctype = CellTypeCode
	}
	cells, err := d.cellsList()
	if err != nil {
		return "", nil, err
	}
	if cells == nil {
		cells = automerge.NewList()
		if err := d.doc.RootMap().Set("cells", cells); err != nil {
			return "", nil, err
		}
	}

	index := cells.Len()
	if afterID != "" {
		if at, _, _, err := d.findCell(afterID); err == nil {
			index = at + 1
		}
	}

	id := uuid.NewString()
	if err := insertCell(cells, index, id, ctype, ""); err != nil {
		return "", nil, err
	}
	update, err := d.commit("insert cell")
	if err != nil {
		return "", nil, err
	}
	return id, update, nil
}

// DeleteCell removes a cell. The document never drops below one cell.
func (d *Document) DeleteCell(id string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cells, err := d.cellsList()
	if err != nil {
		return nil, err
	}
	if cells == nil {
		return nil, ErrCellNotFound
	}
	if cells.Len() <= 1 {
		return nil, ErrLastCell
	}
	index, _, _, err := d.findCell(id)
	if err != nil {
		return nil, err
	}
	if err := cells.Delete(index); err != nil {
		return nil, err
	}
	return d.commit("delete cell")
}

// MoveCell repositions a cell by deleting it and reinserting at the new
// index (clamped to the valid range).
func (d *Document) MoveCell(id string, toIndex int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cells, err := d.cellsList()
	if err != nil {
		return nil, err
	}
	if cells == nil {
		return nil, ErrCellNotFound
	}
	index, cell, text, err := d.findCell(id)
	if err != nil {
		return nil, err
	}
	if toIndex < 0 {
		toIndex = 0
	}
	if toIndex >= cells.Len() {
		toIndex = cells.Len() - 1
	}
	if toIndex == index {
		d.doc.SaveIncremental()
		return nil, nil
	}

	ctype := CellTypeCode
	if v, err := cell.Get("type"); err == nil && v.Kind() == automerge.KindStr && v.Str() == string(CellTypeMarkdown) {
		ctype = CellTypeMarkdown
	}
	content := ""
	if text != nil {
		if s, err := text.Get(); err == nil {
			content = s
		}
	}

	if err := cells.Delete(index); err != nil {
		return nil, err
	}
	if err := insertCell(cells, toIndex, id, ctype, content); err != nil {
		return nil, err
	}
	return d.commit("move cell")
}

// SetCellType switches a cell between code and markdown.
func (d *Document) SetCellType(id string, ctype CellType) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ctype != CellTypeMarkdown {
		ctype = CellTypeCode
	}
	_, cell, _, err := d.findCell(id)
	if err != nil {
		return nil, err
	}
	if err := cell.Set("type", string(ctype)); err != nil {
		return nil, err
	}
	return d.commit("set cell type")
}

// SetCellContent applies the minimal prefix/suffix splice turning the
// cell's current text into next.
func (d *Document) SetCellContent(id, next string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, cell, text, err := d.findCell(id)
	if err != nil {
		return nil, err
	}
	if text == nil {
		if err := cell.Set("content", automerge.NewText(next)); err != nil {
			return nil, err
		}
		return d.commit("set cell content")
	}
	prev, err := text.Get()
	if err != nil {
		return nil, err
	}
	if prev == next {
		d.doc.SaveIncremental()
		return nil, nil
	}
	if err := applyTextEdit(text, DiffStrings(prev, next)); err != nil {
		return nil, err
	}
	return d.commit("edit cell content")
}

// SetTitle applies the same diff strategy to the title text.
func (d *Document) SetTitle(next string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, text := d.titleText()
	if text == nil {
		if err := d.doc.RootMap().Set("title", automerge.NewText(next)); err != nil {
			return nil, err
		}
		return d.commit("set title")
	}
	if prev == next {
		d.doc.SaveIncremental()
		return nil, nil
	}
	if err := applyTextEdit(text, DiffStrings(prev, next)); err != nil {
		return nil, err
	}
	return d.commit("edit title")
}

func applyTextEdit(text *automerge.Text, edit TextEdit) error {
	if edit.Delete > 0 {
		if err := text.Delete(edit.Index, edit.Delete); err != nil {
			return err
		}
	}
	if edit.Insert != "" {
		return text.Insert(edit.Index, edit.Insert)
	}
	return nil
}

// IsDefaultTemplate reports whether the document still matches the seeded
// template fingerprint: default title plus exactly a markdown cell and a
// code cell carrying the default content prefixes.
func (d *Document) IsDefaultTemplate() bool {
	d.mu.Lock()
	title, _ := d.titleText()
	cells, err := d.cellsSnapshot()
	d.mu.Unlock()
	if err != nil || title != DefaultTitle || len(cells) != 2 {
		return false
	}
	return cells[0].Type == CellTypeMarkdown &&
		cells[1].Type == CellTypeCode &&
		strings.HasPrefix(cells[0].Content, "# New Notebook") &&
		strings.HasPrefix(cells[1].Content, "# Write Python code here")
}
