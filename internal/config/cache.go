package config

import (
	"hash/fnv"
	"os"
	"sync"
	"sync/atomic"

	"tgraph/pkg/logx"
)

// Cache holds the current validated configuration snapshot.
//
// Reads are lock-free: Current() loads an atomic pointer and never blocks,
// never fails. Writers (Propose) serialize among themselves but never block
// readers. Subscribers receive new snapshots asynchronously, at-least-once.
type Cache struct {
	path string

	cur     atomic.Pointer[Snapshot]
	version atomic.Uint64

	// proposeMu serializes writers; readers never take it.
	proposeMu sync.Mutex

	// subsMu guards the subscriber list and ensures we never send on a
	// channel that is concurrently being closed in Unsubscribe().
	subsMu sync.Mutex
	subs   []chan *Snapshot

	log logx.Logger

	// lastHash tracks the last successfully committed raw content, so
	// editor-induced duplicate write events don't republish.
	lastHash atomic.Uint64
}

func NewCache(path string, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{path: path, log: log}
}

// Load reads, validates and publishes the config file. Intended for startup;
// afterwards Watch() + Propose() keep the snapshot fresh.
func (c *Cache) Load() (*Snapshot, error) {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	if _, err := c.Propose(raw); err != nil {
		return nil, err
	}
	return c.Current(), nil
}

// Current returns the latest accepted snapshot. Nil only before the first
// successful Load/Propose.
func (c *Cache) Current() *Snapshot {
	return c.cur.Load()
}

// Propose validates raw bytes and, on success, atomically publishes a new
// snapshot and returns its version. On failure the current snapshot is left
// untouched and the validation error is returned.
func (c *Cache) Propose(raw []byte) (uint64, error) {
	c.proposeMu.Lock()
	defer c.proposeMu.Unlock()

	fc, err := decode(c.path, raw)
	if err != nil {
		return 0, err
	}
	snap, err := build(fc)
	if err != nil {
		return 0, err
	}

	snap.Version = c.version.Add(1)
	c.cur.Store(snap)
	c.lastHash.Store(hashBytes(raw))

	c.publish(snap)
	return snap.Version, nil
}

// Subscribe registers a snapshot channel. Delivery is asynchronous and
// never blocks the publisher; a slow subscriber loses the oldest pending
// snapshot, not the newest.
func (c *Cache) Subscribe(buffer int) chan *Snapshot {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Snapshot, buffer)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

func (c *Cache) Unsubscribe(ch chan *Snapshot) {
	if ch == nil {
		return
	}
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for i, s := range c.subs {
		if s == ch {
			// swap-remove (order doesn't matter)
			last := len(c.subs) - 1
			c.subs[i] = c.subs[last]
			c.subs[last] = nil
			c.subs = c.subs[:last]
			close(ch)
			return
		}
	}
}

func (c *Cache) publish(snap *Snapshot) {
	// Hold subsMu while sending to avoid send-on-closed panics.
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		if ch == nil {
			continue
		}
		// Always try to deliver the latest snapshot. If the subscriber is
		// slow and its buffer is full, drop ONE oldest item then push the newest.
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
				c.log.Debug("config update dropped (subscriber slow)",
					logx.Int("queue_len", len(ch)),
					logx.Int("queue_cap", cap(ch)),
				)
			}
		}
	}
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
