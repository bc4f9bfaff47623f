package version

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineVersionNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, EngineVersion())
}

func TestDependenciesAreSortedByPath(t *testing.T) {
	deps := Dependencies()
	assert.True(t, sort.SliceIsSorted(deps, func(i, j int) bool {
		return deps[i].Path < deps[j].Path
	}))
	for _, d := range deps {
		assert.NotEmpty(t, d.Path)
	}
}
