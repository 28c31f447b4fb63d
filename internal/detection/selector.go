// Package detection turns a frame's detections into the record the
// dashboard shows.
package detection

import "vehicle-monitor/internal/domain/anpr"

// PlaceholderPlate is shown when the chosen detection carries no
// recognized text. It is not a real plate.
const PlaceholderPlate = "NFP 8793"

// NotAvailable fills text fields of the no-detection snapshot.
const NotAvailable = "N/A"

// Classify maps a detector label to a vehicle class. Labels 5 and 15 are
// cars, 10 is a motorcycle, every other label (unclassified text included)
// is a bicycle.
func Classify(label anpr.Label) anpr.VehicleClass {
	n, ok := label.Int()
	if !ok {
		return anpr.VehicleBicycle
	}
	switch n {
	case 5, 15:
		return anpr.VehicleCar
	case 10:
		return anpr.VehicleMotorcycle
	default:
		return anpr.VehicleBicycle
	}
}

// Empty is the snapshot for a batch with no detections.
func Empty() anpr.Snapshot {
	return anpr.Snapshot{
		VehicleClass:    anpr.VehicleNoDetection,
		PlateText:       NotAvailable,
		ColorAnnotation: NotAvailable,
	}
}

// Select picks the highest-confidence event. Ties go to the earliest one.
func Select(events []anpr.DetectionEvent) anpr.Snapshot {
	if len(events) == 0 {
		return Empty()
	}

	best := 0
	for i := 1; i < len(events); i++ {
		if events[i].Confidence > events[best].Confidence {
			best = i
		}
	}
	ev := events[best]

	plate := ev.RecognizedText
	if plate == "" {
		plate = PlaceholderPlate
	}

	return anpr.Snapshot{
		VehicleClass:    Classify(ev.Label),
		PlateText:       plate,
		ColorAnnotation: ev.ColorAnnotation,
		RawLabel:        ev.Label.String(),
		RecognizedText:  ev.RecognizedText,
		Confidence:      ev.Confidence,
		Detected:        true,
	}
}
