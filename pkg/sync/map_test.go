package sync_test

import (
	"testing"

	msync "github.com/hbomb79/Mixtape/pkg/sync"
	"github.com/stretchr/testify/assert"
)

func TestTypedSyncMap(t *testing.T) {
	m := msync.TypedSyncMap[string, int]{}

	_, ok := m.Load("missing")
	assert.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	actual, loaded := m.LoadOrStore("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, actual)

	actual, loaded = m.LoadOrStore("b", 3)
	assert.False(t, loaded)
	assert.Equal(t, 3, actual)

	seen := map[string]int{}
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	assert.Equal(t, map[string]int{"a": 1, "b": 3}, seen)

	v, loaded = m.LoadAndDelete("a")
	assert.True(t, loaded)
	assert.Equal(t, 1, v)
	_, ok = m.Load("a")
	assert.False(t, ok)

	m.Delete("b")
	_, ok = m.Load("b")
	assert.False(t, ok)
}
