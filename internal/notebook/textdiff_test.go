package notebook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffStrings(t *testing.T) {
	cases := []struct {
		name string
		prev string
		next string
	}{
		{"append", "hello", "hello world"},
		{"prepend", "world", "hello world"},
		{"insert middle", "hell world", "hello world"},
		{"delete middle", "hello world", "helloworld"},
		{"delete all", "hello", ""},
		{"from empty", "", "hello"},
		{"replace middle", "print('hi')", "print('bye')"},
		{"identical", "same", "same"},
		{"both empty", "", ""},
		{"unicode", "héllo wörld", "héllo würld"},
		{"repeated runs", "aaaa", "aaaaaa"},
		{"shrink repeated runs", "aaaaaa", "aaa"},
		{"full replace", "abc", "xyz"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			edit := DiffStrings(tc.prev, tc.next)
			assert.Equal(t, tc.next, edit.Apply(tc.prev))
		})
	}
}

func TestDiffStringsMinimal(t *testing.T) {
	edit := DiffStrings("hello world", "hello brave world")
	assert.Equal(t, 6, edit.Index)
	assert.Equal(t, 0, edit.Delete)
	assert.Equal(t, "brave ", edit.Insert)

	edit = DiffStrings("hello brave world", "hello world")
	assert.Equal(t, 6, edit.Index)
	assert.Equal(t, 6, edit.Delete)
	assert.Equal(t, "", edit.Insert)
}
