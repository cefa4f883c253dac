package schemasource

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/drift/internal/schema"
	"github.com/starford/drift/internal/testutil"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func writeDoc(t *testing.T, path, version string) {
	t.Helper()
	doc := strings.Replace(testutil.BlogDocument, `version: "1"`, `version: "`+version+`"`, 1)
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	writeDoc(t, path, "3")

	doc, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version() != "3" || len(doc.ModelSchemas()) != 6 {
		t.Errorf("doc version %q, %d models", doc.Version(), len(doc.ModelSchemas()))
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(bad, []byte("models: [{name: X, fields: [{name: id, type: nope}]}]"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Error("expected error for invalid document")
	}
}

func TestWatch_AppliesNewVersionOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	writeDoc(t, path, "1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var applied []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, "1", quietLogger(), func(_ context.Context, doc *schema.Document) error {
			mu.Lock()
			applied = append(applied, doc.Version())
			mu.Unlock()
			return nil
		})
	}()
	time.Sleep(100 * time.Millisecond)

	// Rewriting the same version is ignored; unrelated files are too.
	writeDoc(t, path, "1")
	_ = os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644)
	time.Sleep(400 * time.Millisecond)
	writeDoc(t, path, "2")

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 1 && applied[0] == "2"
	}, "new schema version not applied")

	cancel()
	<-done
	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 {
		t.Errorf("applied = %v", applied)
	}
}

func TestWatch_FailedApplyIsRetriedOnNextChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	writeDoc(t, path, "1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	calls := 0
	go Watch(ctx, path, "1", quietLogger(), func(_ context.Context, doc *schema.Document) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		return nil
	})
	time.Sleep(100 * time.Millisecond)

	writeDoc(t, path, "2")
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, "first apply not attempted")

	writeDoc(t, path, "2")
	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	}, "failed version not retried")
}
