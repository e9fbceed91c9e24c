package sweep

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kereth/taskvault/internal/transition"
)

const debounceDelay = 200 * time.Millisecond

// Watch runs an initial pass and then re-sweeps whenever files land in the
// needs-action directory, until the context is cancelled. Bursts of events
// are debounced into one pass.
func (s *Sweeper) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sweep: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := s.vault.Dir(transition.DirNeedsAction)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("sweep: watch %s: %w", dir, err)
	}

	if _, err := s.Run(ctx); err != nil {
		return err
	}

	var debounce *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Temp writes are dot-prefixed; only finished files matter.
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case <-fire:
			stats, err := s.Run(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.ops.Errorf("sweep: watch pass: %v", err)
				continue
			}
			s.ops.Printf("sweep: pass complete: %d seen, %d moved, %d skipped, %d failed",
				stats.Seen, stats.Moved, stats.Skipped, stats.Failed)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.ops.Warnf("sweep: watcher: %v", err)
		}
	}
}
