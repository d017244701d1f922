package config

import (
	"context"
	"io"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channelgate/internal/models"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestWatcher_StartMissingFile(t *testing.T) {
	w := NewWatcher("/nonexistent/config.json", nil, quietLogger())
	assert.Error(t, w.Start(context.Background()))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Setenv("CHANNELGATE_IDENTITY_JWT_SECRET", "dev-jwt")
	path := writeConfig(t, "config.json", `{"log_level":"info"}`)
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, quietLogger())
	w.interval = 10 * time.Millisecond

	var calls atomic.Int32
	got := make(chan *models.Config, 1)
	w.OnChange(func(c *models.Config) {
		calls.Add(1)
		select {
		case got <- c:
		default:
		}
	})
	w.OnChange(func(*models.Config) { panic("callback failure is contained") })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	// wait for the watcher to record the initial mod time
	require.Eventually(t, func() bool {
		w.mu.RLock()
		defer w.mu.RUnlock()
		return !w.modTime.IsZero()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`{"log_level":"debug"}`), 0600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case c := <-got:
		assert.Equal(t, "debug", c.LogLevel)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}
	assert.Equal(t, "debug", w.Config().LogLevel)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_KeepsConfigOnInvalidReload(t *testing.T) {
	t.Setenv("CHANNELGATE_IDENTITY_JWT_SECRET", "dev-jwt")
	path := writeConfig(t, "config.json", `{"log_level":"info"}`)
	initial, err := Load(path)
	require.NoError(t, err)

	w := NewWatcher(path, initial, quietLogger())
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0600))
	w.reload()
	assert.Same(t, initial, w.Config())
}
