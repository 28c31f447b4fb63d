package device

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-monitor/internal/domain/anpr"
)

func TestSysfsLister(t *testing.T) {
	dev := t.TempDir()
	sys := t.TempDir()

	for _, name := range []string{"video0", "video2", "video10"} {
		require.NoError(t, os.WriteFile(filepath.Join(dev, name), nil, 0o600))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(sys, "video2"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sys, "video2", "name"), []byte("Gate Cam\n"), 0o600))

	lister := &SysfsLister{DevGlob: filepath.Join(dev, "video*"), SysRoot: sys}
	sources, err := lister.List(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []anpr.CaptureSource{
		{ID: "0", Label: "Camera 1"},
		{ID: "1", Label: "Gate Cam"},
		{ID: "2", Label: "Camera 3"},
	}, sources)
}

func TestSysfsLister_NoDevices(t *testing.T) {
	lister := &SysfsLister{DevGlob: filepath.Join(t.TempDir(), "video*")}
	sources, err := lister.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sources)
}

type stubLister struct {
	calls   atomic.Int32
	sources []anpr.CaptureSource
	err     error
	delay   time.Duration
}

func (s *stubLister) List(ctx context.Context) ([]anpr.CaptureSource, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.sources, s.err
}

func TestInventory_Refresh(t *testing.T) {
	lister := &stubLister{sources: []anpr.CaptureSource{{ID: "0", Label: "Camera 1"}}}
	inv := NewInventory(lister, zerolog.Nop())

	<-inv.RefreshAsync(context.Background())

	assert.Equal(t, lister.sources, inv.Sources())
	assert.NoError(t, inv.Diagnostic())
	assert.False(t, inv.RefreshedAt().IsZero())

	lister.err = errors.New("permission denied")
	sources, err := inv.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, lister.sources, sources)
	assert.EqualError(t, inv.Diagnostic(), "permission denied")
}

func TestInventory_ConcurrentRefreshShared(t *testing.T) {
	lister := &stubLister{
		sources: []anpr.CaptureSource{{ID: "0", Label: "Camera 1"}},
		delay:   50 * time.Millisecond,
	}
	inv := NewInventory(lister, zerolog.Nop())

	a := inv.RefreshAsync(context.Background())
	b := inv.RefreshAsync(context.Background())
	<-a
	<-b

	assert.LessOrEqual(t, lister.calls.Load(), int32(2))
	assert.Len(t, inv.Sources(), 1)
}
