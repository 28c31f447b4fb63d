package parking

import (
	"context"
	"math/rand/v2"
	"sync"

	"vehicle-monitor/internal/domain/parking"
)

// SlotSource supplies a full slot sequence.
type SlotSource interface {
	Slots(ctx context.Context) ([]parking.Slot, error)
}

// SimulatedSource is the demo board: n slots with random statuses. The
// same seed gives the same sequence of boards.
type SimulatedSource struct {
	n int

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedSource(n int, seed uint64) *SimulatedSource {
	return &SimulatedSource{
		n:   n,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

var simulatedStatuses = [...]parking.SlotStatus{
	parking.StatusAvailable,
	parking.StatusOccupied,
	parking.StatusReserved,
}

func (s *SimulatedSource) Slots(ctx context.Context) ([]parking.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	slots := make([]parking.Slot, s.n)
	for i := range slots {
		slots[i] = parking.Slot{
			ID:     i + 1,
			Status: simulatedStatuses[s.rng.IntN(len(simulatedStatuses))],
		}
	}
	return slots, nil
}
