// Package live keeps the canonical store following chat.db as new
// messages arrive. A filesystem watcher on the Messages directory
// triggers debounced incremental syncs; the watermark discipline in
// the ingest layer makes overlapping triggers harmless.
package live

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chatmosaic/mosaic/internal/ingest"
	"github.com/chatmosaic/mosaic/internal/livesource"
	"github.com/chatmosaic/mosaic/internal/store"
)

// DefaultDebounce coalesces the burst of writes Messages makes for a
// single incoming message.
const DefaultDebounce = 2 * time.Second

// WatchOptions tune a watch session. Zero values mean defaults.
type WatchOptions struct {
	ChatDBPath string
	Debounce   time.Duration
	BatchSize  int
}

// Watch runs an initial sync, then re-syncs after every debounced
// chat.db change until the context is cancelled. Sync failures are
// logged and the watcher keeps going; only a failure to establish the
// watch itself is fatal.
func Watch(ctx context.Context, s *store.Store, opts WatchOptions, logf func(format string, args ...any)) error {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	path := opts.ChatDBPath
	if path == "" {
		path = livesource.DefaultPath()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if err := livesource.CheckAccess(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Messages rewrites chat.db via the WAL sidecar files, so watch the
	// directory and filter on the base name.
	chatDBDir := filepath.Dir(path)
	if err := watcher.Add(chatDBDir); err != nil {
		return fmt.Errorf("watch %s: %w", chatDBDir, err)
	}

	logf("Watching for Messages changes in %s (debounce: %s)", chatDBDir, debounce)
	logf("Press Ctrl+C to stop")

	runSync := func() {
		result, err := ingest.SyncLive(ctx, s, ingest.SyncOptions{
			ChatDBPath: path,
			BatchSize:  opts.BatchSize,
		})
		if err != nil {
			logf("watch sync error: %v", err)
			return
		}
		if result.Inserted > 0 {
			logf("[%s] Synced %d new messages (watermark %d)",
				time.Now().Format("15:04:05"), result.Inserted, result.Watermark)
		}
	}

	logf("[%s] Running initial sync...", time.Now().Format("15:04:05"))
	runSync()

	var debounceTimer *time.Timer
	triggerSync := func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
		debounceTimer = time.AfterFunc(debounce, runSync)
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.Contains(filepath.Base(event.Name), "chat.db") &&
				event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				triggerSync()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logf("watch error: %v", err)
		}
	}
}
