// Package parking keeps the parking board shown next to the stream.
package parking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vehicle-monitor/internal/domain/parking"
)

var ErrInvalidSlot = errors.New("invalid parking slot")

// nearFullRatio is the occupied share above which the board is near full.
const nearFullRatio = 0.8

// State holds the current slot sequence. Refresh swaps the whole sequence
// so readers never see a partial update; every aggregate is recomputed from
// the sequence it reads.
type State struct {
	slots atomic.Pointer[[]parking.Slot]
	log   zerolog.Logger
}

func NewState(log zerolog.Logger) *State {
	s := &State{log: log}
	empty := []parking.Slot{}
	s.slots.Store(&empty)
	return s
}

// Refresh replaces the sequence. Slot ids must be unique and at least 1.
func (s *State) Refresh(slots []parking.Slot) error {
	seen := make(map[int]struct{}, len(slots))
	next := make([]parking.Slot, len(slots))
	for i, slot := range slots {
		if slot.ID < 1 {
			return fmt.Errorf("%w: id %d at position %d", ErrInvalidSlot, slot.ID, i)
		}
		if _, dup := seen[slot.ID]; dup {
			return fmt.Errorf("%w: duplicate id %d", ErrInvalidSlot, slot.ID)
		}
		if !slot.Status.Valid() {
			return fmt.Errorf("%w: slot %d has status %q", ErrInvalidSlot, slot.ID, slot.Status)
		}
		seen[slot.ID] = struct{}{}
		next[i] = slot
	}
	s.slots.Store(&next)
	return nil
}

// Slots returns a copy of the current sequence.
func (s *State) Slots() []parking.Slot {
	cur := *s.slots.Load()
	out := make([]parking.Slot, len(cur))
	copy(out, cur)
	return out
}

func (s *State) Summary() parking.Summary {
	return Summarize(*s.slots.Load())
}

// Summarize counts slots by status.
func Summarize(slots []parking.Slot) parking.Summary {
	sum := parking.Summary{Total: len(slots)}
	for _, slot := range slots {
		switch slot.Status {
		case parking.StatusAvailable:
			sum.Available++
		case parking.StatusOccupied:
			sum.Occupied++
		case parking.StatusReserved:
			sum.Reserved++
		}
	}
	return sum
}

// Vacant is what is left once occupied and reserved slots are taken out.
func Vacant(sum parking.Summary) int {
	return sum.Total - sum.Occupied - sum.Reserved
}

// OccupancyPercent is the occupied share rounded to a whole percent. An
// empty board is 0%.
func OccupancyPercent(sum parking.Summary) int {
	if sum.Total == 0 {
		return 0
	}
	return int(math.Round(float64(sum.Occupied) / float64(sum.Total) * 100))
}

// CapacityStatus labels the board. An empty board is Available.
func CapacityStatus(sum parking.Summary) string {
	switch {
	case sum.Total == 0:
		return parking.CapacityAvailable
	case sum.Occupied == sum.Total:
		return parking.CapacityFull
	case float64(sum.Occupied) > float64(sum.Total)*nearFullRatio:
		return parking.CapacityNearFull
	default:
		return parking.CapacityAvailable
	}
}

// Run refreshes from source once, then every interval until ctx ends. A
// non-positive interval makes it a one-shot refresh. Failed refreshes are
// logged and keep the previous board.
func (s *State) Run(ctx context.Context, source SlotSource, interval time.Duration) error {
	if err := s.refreshFrom(ctx, source); err != nil && interval <= 0 {
		return err
	}
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = s.refreshFrom(ctx, source)
		}
	}
}

func (s *State) refreshFrom(ctx context.Context, source SlotSource) error {
	slots, err := source.Slots(ctx)
	if err == nil {
		err = s.Refresh(slots)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("parking refresh failed")
		return err
	}

	sum := Summarize(slots)
	s.log.Debug().
		Int("total", sum.Total).
		Int("occupied", sum.Occupied).
		Int("reserved", sum.Reserved).
		Msg("parking board refreshed")
	return nil
}
