// Package history keeps a bounded in-memory window of recent chat lines.
package history

import (
	"strings"
	"sync"
)

const (
	DefaultCapacity = 50
	MaxCapacity     = 10000
)

// Cache is a fixed-capacity FIFO of formatted message strings. When full,
// adding a message evicts the oldest one.
type Cache struct {
	mu    sync.Mutex
	buf   []string
	start int // index of the oldest entry
	size  int
}

// NewCache creates a cache; capacity is clamped to [1, MaxCapacity].
func NewCache(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > MaxCapacity {
		capacity = MaxCapacity
	}
	return &Cache{buf: make([]string, capacity)}
}

func (c *Cache) Capacity() int {
	return len(c.buf)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Add appends text, evicting the oldest entry if at capacity.
func (c *Cache) Add(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.size == len(c.buf) {
		c.buf[c.start] = text
		c.start = (c.start + 1) % len(c.buf)
		return
	}
	c.buf[(c.start+c.size)%len(c.buf)] = text
	c.size++
}

// Recent returns the last n entries, oldest first. n <= 0 or n larger than
// the cache returns everything.
func (c *Cache) Recent(n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n <= 0 || n > c.size {
		n = c.size
	}
	out := make([]string, 0, n)
	for i := c.size - n; i < c.size; i++ {
		out = append(out, c.buf[(c.start+i)%len(c.buf)])
	}
	return out
}

// All returns every entry, oldest first.
func (c *Cache) All() []string {
	return c.Recent(0)
}

// Search returns all entries containing keyword, in insertion order.
func (c *Cache) Search(keyword string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for i := 0; i < c.size; i++ {
		msg := c.buf[(c.start+i)%len(c.buf)]
		if strings.Contains(msg, keyword) {
			out = append(out, msg)
		}
	}
	return out
}
