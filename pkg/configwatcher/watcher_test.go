package configwatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"linkup_backend/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMode(t *testing.T, path, mode string) {
	t.Helper()
	body := "server:\n  mode: " + mode + "\ndatabase:\n  driver: mysql\njwt:\n  secret: local-secret\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatchConfigReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeMode(t, path, "debug")

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *config.Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchConfig(ctx, path, func(cfg *config.Config) { reloaded <- cfg })
	}()

	// 等 watcher 注册目录
	time.Sleep(200 * time.Millisecond)
	// 无关文件不触发
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1"), 0o644))
	writeMode(t, path, "release-candidate")

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "release-candidate", cfg.Server.Mode)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchConfigMissingDir(t *testing.T) {
	err := WatchConfig(context.Background(), filepath.Join(t.TempDir(), "missing", "config.yaml"), func(*config.Config) {})
	assert.Error(t, err)
}
