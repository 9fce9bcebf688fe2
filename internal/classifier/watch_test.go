package classifier_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"emberwatch/internal/classifier"
)

func TestWatchPicksUpNewModel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fire_model.json")

	c := classifier.New(classifier.Config{}, classifier.LoadBackend(path))
	assert.False(t, c.Available())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- classifier.Watch(ctx, path, c) }()

	// Rewrite on every poll so a write racing the watcher setup is retried.
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(forestJSON), 0o644)
		return c.Available()
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
