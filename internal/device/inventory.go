// Package device enumerates the cameras a stream can be started on.
package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"vehicle-monitor/internal/domain/anpr"
)

// Lister queries the local device inventory.
type Lister interface {
	List(ctx context.Context) ([]anpr.CaptureSource, error)
}

// SysfsLister finds V4L2 capture devices. Sources are numbered by their
// position in the listing, which is the index the detection service
// expects in start_video.
type SysfsLister struct {
	DevGlob string
	SysRoot string
}

func NewSysfsLister() *SysfsLister {
	return &SysfsLister{
		DevGlob: "/dev/video*",
		SysRoot: "/sys/class/video4linux",
	}
}

func (l *SysfsLister) List(ctx context.Context) ([]anpr.CaptureSource, error) {
	paths, err := filepath.Glob(l.DevGlob)
	if err != nil {
		return nil, fmt.Errorf("failed to list video devices: %w", err)
	}

	sort.Slice(paths, func(i, j int) bool {
		return deviceNumber(paths[i]) < deviceNumber(paths[j])
	})

	sources := make([]anpr.CaptureSource, 0, len(paths))
	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		label := l.label(filepath.Base(path))
		if label == "" {
			label = fmt.Sprintf("Camera %d", i+1)
		}
		sources = append(sources, anpr.CaptureSource{
			ID:    strconv.Itoa(i),
			Label: label,
		})
	}
	return sources, nil
}

func (l *SysfsLister) label(node string) string {
	if l.SysRoot == "" {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(l.SysRoot, node, "name"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// deviceNumber sorts video10 after video2.
func deviceNumber(path string) int {
	digits := strings.TrimLeft(filepath.Base(path), "abcdefghijklmnopqrstuvwxyz")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return int(^uint(0) >> 1)
	}
	return n
}

// Inventory caches the last successful listing. A failed refresh keeps the
// previous sources and is recorded as a diagnostic rather than an error of
// the stream session.
type Inventory struct {
	lister Lister
	log    zerolog.Logger
	group  singleflight.Group

	mu          sync.RWMutex
	sources     []anpr.CaptureSource
	diagnostic  error
	refreshedAt time.Time
}

func NewInventory(lister Lister, log zerolog.Logger) *Inventory {
	return &Inventory{
		lister: lister,
		log:    log,
	}
}

// Refresh lists devices now. Concurrent callers share one listing.
func (i *Inventory) Refresh(ctx context.Context) ([]anpr.CaptureSource, error) {
	v, err, _ := i.group.Do("list", func() (any, error) {
		sources, err := i.lister.List(ctx)

		i.mu.Lock()
		defer i.mu.Unlock()
		if err != nil {
			i.diagnostic = err
			i.log.Warn().Err(err).Msg("camera enumeration failed")
			return nil, err
		}
		i.sources = sources
		i.diagnostic = nil
		i.refreshedAt = time.Now()
		i.log.Debug().Int("count", len(sources)).Msg("cameras enumerated")
		return sources, nil
	})
	if err != nil {
		return i.Sources(), err
	}
	return clone(v.([]anpr.CaptureSource)), nil
}

// RefreshAsync starts a refresh without blocking. The returned channel is
// closed when it finishes.
func (i *Inventory) RefreshAsync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = i.Refresh(ctx)
	}()
	return done
}

// Sources returns the last successful listing.
func (i *Inventory) Sources() []anpr.CaptureSource {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return clone(i.sources)
}

// Diagnostic returns the error of the last refresh, or nil.
func (i *Inventory) Diagnostic() error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.diagnostic
}

func (i *Inventory) RefreshedAt() time.Time {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.refreshedAt
}

func clone(in []anpr.CaptureSource) []anpr.CaptureSource {
	if in == nil {
		return nil
	}
	out := make([]anpr.CaptureSource, len(in))
	copy(out, in)
	return out
}
