package roles

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog whenever the role directory changes, until
// ctx is done. A reload that fails (half-written file, duplicate name)
// keeps the previous catalog and logs.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", c.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					c.log.Printf("reload after %s: %v", ev, err)
					continue
				}
				c.log.Printf("reloaded %d roles after %s", c.Len(), ev.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log.Printf("watch error: %v", err)
			}
		}
	}()
	return nil
}
