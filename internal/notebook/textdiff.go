package notebook

// TextEdit is a single splice: delete Delete runes at Index, then insert
// Insert at the same position.
type TextEdit struct {
	Index  int
	Delete int
	Insert string
}

// DiffStrings computes the shortest common-prefix/suffix splice that turns
// prev into next. Applying the edit to prev always yields next, and leaves
// untouched regions alone so concurrent edits keep their intent.
func DiffStrings(prev, next string) TextEdit {
	if prev == next {
		return TextEdit{}
	}

	p := []rune(prev)
	n := []rune(next)

	start := 0
	for start < len(p) && start < len(n) && p[start] == n[start] {
		start++
	}

	pEnd, nEnd := len(p), len(n)
	for pEnd > start && nEnd > start && p[pEnd-1] == n[nEnd-1] {
		pEnd--
		nEnd--
	}

	return TextEdit{
		Index:  start,
		Delete: pEnd - start,
		Insert: string(n[start:nEnd]),
	}
}

// Apply returns the result of splicing the edit into prev. Used by tests
// and by callers that track plain-string mirrors of collaborative text.
func (e TextEdit) Apply(prev string) string {
	p := []rune(prev)
	out := make([]rune, 0, len(p)-e.Delete+len(e.Insert))
	out = append(out, p[:e.Index]...)
	out = append(out, []rune(e.Insert)...)
	out = append(out, p[e.Index+e.Delete:]...)
	return string(out)
}
