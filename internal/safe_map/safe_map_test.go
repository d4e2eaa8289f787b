package safe_map

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeMap_LoadStoreDelete(t *testing.T) {
	m := NewSafeMap[string, int]()

	_, ok := m.Load("a")
	assert.False(t, ok)

	m.Store("a", 1)
	v, ok := m.Load("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, m.Len())

	m.Delete("a")
	_, ok = m.Load("a")
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestSafeMap_LoadOrStore(t *testing.T) {
	m := NewSafeMap[string, string]()

	actual, loaded := m.LoadOrStore("dev", "first")
	assert.False(t, loaded)
	assert.Equal(t, "first", actual)

	actual, loaded = m.LoadOrStore("dev", "second")
	assert.True(t, loaded)
	assert.Equal(t, "first", actual)
}

func TestSafeMap_ValuesRangeClear(t *testing.T) {
	m := NewSafeMap[int, int]()
	for i := 0; i < 5; i++ {
		m.Store(i, i*10)
	}

	assert.ElementsMatch(t, []int{0, 10, 20, 30, 40}, m.Values())

	seen := 0
	m.Range(func(k, v int) bool {
		assert.Equal(t, k*10, v)
		seen++
		return seen < 3
	})
	assert.Equal(t, 3, seen)

	m.Clear()
	assert.Equal(t, 0, m.Len())
}

func TestSafeMap_ConcurrentAccess(t *testing.T) {
	m := NewSafeMap[string, int]()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%5)
			m.Store(key, i)
			m.Load(key)
			m.Range(func(string, int) bool { return true })
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, m.Len())
}
