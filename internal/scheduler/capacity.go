package scheduler

import (
	"sort"
	"sync"
)

// BackendHealth reports how many of a backend's replicas are still alive
type BackendHealth struct {
	Backend    string `json:"backend"`
	Configured int    `json:"configured"`
	Live       int    `json:"live"`
}

// capacity tracks live worker loops per backend
type capacity struct {
	mu         sync.Mutex
	configured map[string]int
	live       map[string]int
	onChanged  func(backend string, live int) // called outside the lock
}

func newCapacity(onChanged func(backend string, live int)) *capacity {
	return &capacity{
		configured: make(map[string]int),
		live:       make(map[string]int),
		onChanged:  onChanged,
	}
}

func (c *capacity) add(backend string) {
	c.mu.Lock()
	c.configured[backend]++
	c.live[backend]++
	live := c.live[backend]
	c.mu.Unlock()

	if c.onChanged != nil {
		c.onChanged(backend, live)
	}
}

func (c *capacity) remove(backend string) {
	c.mu.Lock()
	if c.live[backend] > 0 {
		c.live[backend]--
	}
	live := c.live[backend]
	c.mu.Unlock()

	if c.onChanged != nil {
		c.onChanged(backend, live)
	}
}

func (c *capacity) liveFor(backend string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[backend]
}

func (c *capacity) snapshot() []BackendHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BackendHealth, 0, len(c.configured))
	for name, n := range c.configured {
		out = append(out, BackendHealth{Backend: name, Configured: n, Live: c.live[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Backend < out[j].Backend })
	return out
}
