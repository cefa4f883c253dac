// Package schemasource loads the YAML schema document from disk and
// reloads it when the file changes.
package schemasource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/drift/internal/schema"
)

const debounce = 200 * time.Millisecond

// Load reads and parses the schema document at path.
func Load(path string) (*schema.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schemasource: read %s: %w", path, err)
	}
	doc, err := schema.ParseDocument(data)
	if err != nil {
		return nil, fmt.Errorf("schemasource: %s: %w", path, err)
	}
	return doc, nil
}

// ChangeFunc receives a reloaded document whose version differs from the
// previous one.
type ChangeFunc func(ctx context.Context, doc *schema.Document) error

// Watch watches the schema file and calls onChange after the file settles
// with a new version. current is the version already applied. The parent
// directory is watched so editors that replace the file by rename are
// seen. Watch returns when ctx is cancelled.
func Watch(ctx context.Context, path, current string, logger *slog.Logger, onChange ChangeFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	logger.Info("schema watcher: started", slog.String("path", abs))

	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("schema watcher: stopped")
			return nil

		case <-timerCh:
			doc, err := Load(abs)
			if err != nil {
				logger.Warn("schema watcher: reload failed", slog.String("error", err.Error()))
				continue
			}
			if doc.Version() == current {
				continue
			}
			if err := onChange(ctx, doc); err != nil {
				logger.Error("schema watcher: apply failed",
					slog.String("version", doc.Version()), slog.String("error", err.Error()))
				continue
			}
			logger.Info("schema watcher: applied",
				slog.String("from", current), slog.String("to", doc.Version()))
			current = doc.Version()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("schema watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
