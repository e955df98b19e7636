package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcher_StartStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("use_builtins: true\n"), 0o600))

	watcher, err := NewWatcher(path, func(string) error { return nil }, testLogger())
	require.NoError(t, err)

	require.NoError(t, watcher.Start(context.Background()))
	assert.True(t, watcher.IsRunning())

	// Starting twice is a no-op.
	require.NoError(t, watcher.Start(context.Background()))

	require.NoError(t, watcher.Stop())
	assert.False(t, watcher.IsRunning())
	require.NoError(t, watcher.Stop())
}

func TestWatcher_ReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("use_builtins: true\n"), 0o600))

	var reloads atomic.Int32
	watcher, err := NewWatcher(path, func(string) error {
		reloads.Add(1)
		return nil
	}, testLogger())
	require.NoError(t, err)
	watcher.debounceTime = 20 * time.Millisecond

	require.NoError(t, watcher.Start(context.Background()))
	defer func() { _ = watcher.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("use_builtins: false\n"), 0o600))

	assert.Eventually(t, func() bool {
		return reloads.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("use_builtins: true\n"), 0o600))

	var reloads atomic.Int32
	watcher, err := NewWatcher(path, func(string) error {
		reloads.Add(1)
		return nil
	}, testLogger())
	require.NoError(t, err)
	watcher.debounceTime = 20 * time.Millisecond

	require.NoError(t, watcher.Start(context.Background()))
	defer func() { _ = watcher.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, int32(0), reloads.Load())
}

func TestWatcher_ReloadFailureKeepsRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("use_builtins: true\n"), 0o600))

	watcher, err := NewWatcher(path, func(string) error {
		return errors.New("bad document")
	}, testLogger())
	require.NoError(t, err)

	require.NoError(t, watcher.Start(context.Background()))
	defer func() { _ = watcher.Stop() }()

	// A failing reload logs and keeps the previous policy; the watcher
	// itself stays up.
	watcher.triggerReload()
	assert.True(t, watcher.IsRunning())
}
