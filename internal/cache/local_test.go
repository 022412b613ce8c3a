package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLocalCache_Expiry(t *testing.T) {
	c := NewLocalCache[string, int](time.Minute, 0)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 0, c.Len())
}

func TestLocalCache_PurgeTrimsOldestFirst(t *testing.T) {
	c := NewLocalCache[string, int](time.Minute, 2)
	now := time.Now()
	c.now = func() time.Time { return now }

	for i, k := range []string{"first", "second", "third"} {
		now = now.Add(time.Second)
		c.Set(k, i)
	}
	assert.Equal(t, 3, c.Len(), "writes do not evict")

	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("first")
	assert.False(t, ok, "oldest entry is trimmed")
	_, ok = c.Get("third")
	assert.True(t, ok)
}

func TestLocalCache_StopsGrowingUntilPurged(t *testing.T) {
	c := NewLocalCache[string, int](time.Minute, 1)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("c")
	assert.False(t, ok)

	c.Set("a", 10)
	v, ok := c.Get("a")
	assert.True(t, ok, "existing keys are still updated")
	assert.Equal(t, 10, v)
}
