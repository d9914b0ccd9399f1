package config

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tgraph/pkg/logx"
)

// Watch monitors the config file and feeds changed content through Propose.
// Rejected proposals leave the live snapshot untouched and are logged.
//
// When fsnotify gets into a bad state (common with certain editors), the
// watcher may stop delivering events or close its channels. Self-heal by
// recreating the watcher with a small exponential backoff.
func (c *Cache) Watch(ctx context.Context) error {
	dir := filepath.Dir(c.path)
	file := filepath.Base(c.path)

	const (
		restartBackoffBase = 250 * time.Millisecond
		restartBackoffMax  = 5 * time.Second
		debounceDelay      = 250 * time.Millisecond
	)
	backoff := restartBackoffBase
	// local RNG to avoid global contention
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	// debounce to avoid reacting to partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		c.log.Debug("config change detected; scheduling reload", logx.String("path", c.path))
		timer = time.AfterFunc(debounceDelay, func() {
			raw, err := os.ReadFile(c.path)
			if err != nil {
				c.log.Warn("config read failed", logx.String("path", c.path), logx.Err(err))
				return
			}
			// Skip redundant reloads when content is unchanged.
			if h := hashBytes(raw); h != 0 && h == c.lastHash.Load() {
				c.log.Debug("config unchanged; skipping publish", logx.String("path", c.path))
				return
			}
			v, err := c.Propose(raw)
			if err != nil {
				c.log.Warn("config rejected", logx.String("path", c.path), logx.Err(err))
				return
			}
			c.log.Info("config published", logx.String("path", c.path), logx.Uint64("version", v))
		})
	}

	wait := func(d time.Duration) bool {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}
	nextBackoff := func() time.Duration {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff *= 2
			if backoff > restartBackoffMax {
				backoff = restartBackoffMax
			}
		}
		return d
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			c.log.Warn("config watch init failed", logx.Err(err), logx.String("dir", dir))
			if !wait(nextBackoff()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			c.log.Warn("config watch add failed", logx.Err(err), logx.String("dir", dir))
			if !wait(nextBackoff()) {
				return nil
			}
			continue
		}

		// success; reset backoff so transient issues don't cause long restart delays
		backoff = restartBackoffBase
		c.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				// Compare by basename (robust across absolute/relative paths).
				if strings.EqualFold(filepath.Base(ev.Name), file) {
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
						debounce()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				// Overflow means we may have missed events; reload once and keep going.
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					c.log.Warn("config watch overflow; forcing reload", logx.Err(err))
					debounce()
					continue
				}
				c.log.Warn("config watch error", logx.Err(err), logx.String("dir", dir))
				if strings.Contains(strings.ToLower(err.Error()), "closed") {
					broken = true
					break
				}
			}
		}

		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		d := nextBackoff()
		c.log.Warn("config watcher stopped; restarting",
			logx.String("dir", dir),
			logx.Duration("backoff", d),
		)
		if !wait(d) {
			return nil
		}
	}
}
