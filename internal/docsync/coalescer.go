package docsync

import (
	"context"
	"sync"
	"time"
)

type persistFunc func(ctx context.Context, documentID string) error

// entry is the debounce state of one document. seq counts updates and
// written is the highest seq known to be durable.
type entry struct {
	writeMu sync.Mutex

	timer    *time.Timer
	timerGen uint64
	seq      uint64
	written  uint64
}

func (e *entry) dirty() bool {
	return e.timer != nil || e.written < e.seq
}

// coalescer runs at most one write per document at a time and collapses
// bursts of updates into a single trailing write.
type coalescer struct {
	debounce time.Duration
	persist  persistFunc

	mu      sync.Mutex
	entries map[string]*entry
}

func newCoalescer(debounce time.Duration, persist persistFunc) *coalescer {
	return &coalescer{debounce: debounce, persist: persist, entries: map[string]*entry{}}
}

func (c *coalescer) touch(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	e.seq++
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(c.debounce, func() { c.fire(id, e, gen) })
}

func (c *coalescer) fire(id string, e *entry, gen uint64) {
	c.mu.Lock()
	if e.timerGen != gen || e.timer == nil {
		c.mu.Unlock()
		return
	}
	e.timer = nil
	c.mu.Unlock()
	_ = c.writeEntry(context.Background(), id, e)
}

// drain cancels all pending timers and returns the ids that need a write.
func (c *coalescer) drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		if !e.dirty() {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			e.timerGen++
		}
		ids = append(ids, id)
	}
	return ids
}

func (c *coalescer) write(ctx context.Context, id string) error {
	c.mu.Lock()
	e, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.writeEntry(ctx, id, e)
}

func (c *coalescer) writeEntry(ctx context.Context, id string, e *entry) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	c.mu.Lock()
	target := e.seq
	if c.entries[id] != e || e.written >= target {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.persist(ctx, id); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if target > e.written {
		e.written = target
	}
	if !e.dirty() && c.entries[id] == e {
		delete(c.entries, id)
	}
	return nil
}

func (c *coalescer) forget(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		e, ok := c.entries[id]
		if !ok {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.timerGen++
		delete(c.entries, id)
	}
}

func (c *coalescer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.dirty() {
			n++
		}
	}
	return n
}

func (c *coalescer) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
