package parking

import (
	"encoding/json"
	"fmt"
)

type SlotStatus string

const (
	StatusAvailable SlotStatus = "available"
	StatusOccupied  SlotStatus = "occupied"
	StatusReserved  SlotStatus = "reserved"
)

// Valid reports whether s is one of the known statuses.
func (s SlotStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusOccupied, StatusReserved:
		return true
	}
	return false
}

func (s *SlotStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	status := SlotStatus(v)
	if !status.Valid() {
		return fmt.Errorf("unknown slot status %q", v)
	}
	*s = status
	return nil
}

type Slot struct {
	ID     int        `json:"id"`
	Status SlotStatus `json:"status"`
}

// Summary is derived from a slot sequence on every read.
type Summary struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	Occupied  int `json:"occupied"`
	Reserved  int `json:"reserved"`
}

const (
	CapacityFull      = "Full Capacity"
	CapacityNearFull  = "Near Full"
	CapacityAvailable = "Available"
)
