package parking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-monitor/internal/domain/parking"
)

func board(statuses ...parking.SlotStatus) []parking.Slot {
	slots := make([]parking.Slot, len(statuses))
	for i, st := range statuses {
		slots[i] = parking.Slot{ID: i + 1, Status: st}
	}
	return slots
}

func TestState_RefreshAndSummary(t *testing.T) {
	s := NewState(zerolog.Nop())
	assert.Empty(t, s.Slots())
	assert.Equal(t, parking.CapacityAvailable, CapacityStatus(s.Summary()))

	require.NoError(t, s.Refresh(board(
		parking.StatusOccupied,
		parking.StatusAvailable,
		parking.StatusReserved,
		parking.StatusOccupied,
	)))

	sum := s.Summary()
	assert.Equal(t, parking.Summary{Total: 4, Available: 1, Occupied: 2, Reserved: 1}, sum)
	assert.Equal(t, 1, Vacant(sum))
	assert.Equal(t, 50, OccupancyPercent(sum))

	// Callers get a copy.
	slots := s.Slots()
	slots[0].Status = parking.StatusAvailable
	assert.Equal(t, 2, s.Summary().Occupied)
}

func TestState_RefreshRejectsInvalid(t *testing.T) {
	s := NewState(zerolog.Nop())
	require.NoError(t, s.Refresh(board(parking.StatusAvailable)))

	tests := []struct {
		name  string
		slots []parking.Slot
	}{
		{"zero id", []parking.Slot{{ID: 0, Status: parking.StatusAvailable}}},
		{"duplicate id", []parking.Slot{{ID: 1, Status: parking.StatusAvailable}, {ID: 1, Status: parking.StatusOccupied}}},
		{"unknown status", []parking.Slot{{ID: 1, Status: "towed"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Refresh(tt.slots), ErrInvalidSlot)
			assert.Equal(t, board(parking.StatusAvailable), s.Slots())
		})
	}
}

func TestCapacityStatus(t *testing.T) {
	occupied := func(n, total int) parking.Summary {
		return parking.Summary{Total: total, Occupied: n, Available: total - n}
	}

	assert.Equal(t, parking.CapacityFull, CapacityStatus(occupied(15, 15)))
	assert.Equal(t, parking.CapacityNearFull, CapacityStatus(occupied(13, 15)))
	assert.Equal(t, parking.CapacityAvailable, CapacityStatus(occupied(12, 15)))
	assert.Equal(t, parking.CapacityAvailable, CapacityStatus(occupied(8, 10)))
	assert.Equal(t, parking.CapacityNearFull, CapacityStatus(occupied(9, 10)))
	assert.Equal(t, 87, OccupancyPercent(occupied(13, 15)))
	assert.Equal(t, 0, OccupancyPercent(parking.Summary{}))
}

func TestSimulatedSource(t *testing.T) {
	a, err := NewSimulatedSource(15, 42).Slots(context.Background())
	require.NoError(t, err)
	b, err := NewSimulatedSource(15, 42).Slots(context.Background())
	require.NoError(t, err)

	require.Len(t, a, 15)
	assert.Equal(t, a, b)
	for i, slot := range a {
		assert.Equal(t, i+1, slot.ID)
		assert.True(t, slot.Status.Valid())
	}
}

type failingSource struct{}

func (failingSource) Slots(context.Context) ([]parking.Slot, error) {
	return nil, errors.New("offline")
}

func TestState_Run(t *testing.T) {
	s := NewState(zerolog.Nop())
	require.NoError(t, s.Run(context.Background(), NewSimulatedSource(15, 1), 0))
	assert.Len(t, s.Slots(), 15)

	assert.Error(t, s.Run(context.Background(), failingSource{}, 0))
	assert.Len(t, s.Slots(), 15)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx, NewSimulatedSource(6, 1), 5*time.Millisecond))
	assert.Len(t, s.Slots(), 6)
}
