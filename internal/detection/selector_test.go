package detection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-monitor/internal/domain/anpr"
)

func TestSelect_Empty(t *testing.T) {
	snap := Select(nil)
	assert.Equal(t, anpr.VehicleNoDetection, snap.VehicleClass)
	assert.Equal(t, "N/A", snap.PlateText)
	assert.Equal(t, "N/A", snap.ColorAnnotation)
	assert.False(t, snap.Detected)

	assert.Equal(t, snap, Select([]anpr.DetectionEvent{}))
}

func TestSelect_HighestConfidence(t *testing.T) {
	var events []anpr.DetectionEvent
	raw := `[
		{"label":"5","confidence":0.9,"color_annotation":"red","coordinates":[1,2,3,4],"ocr_text":"ABC 123"},
		{"label":"10","confidence":0.95,"color_annotation":"blue","coordinates":[5,6,7,8],"ocr_text":"XYZ 789"}
	]`
	require.NoError(t, json.Unmarshal([]byte(raw), &events))

	snap := Select(events)
	assert.Equal(t, anpr.VehicleMotorcycle, snap.VehicleClass)
	assert.Equal(t, "XYZ 789", snap.PlateText)
	assert.Equal(t, "blue", snap.ColorAnnotation)
	assert.Equal(t, "10", snap.RawLabel)
	assert.InDelta(t, 0.95, snap.Confidence, 1e-9)
	assert.True(t, snap.Detected)
}

func TestSelect_TieKeepsFirst(t *testing.T) {
	events := []anpr.DetectionEvent{
		{Label: anpr.NumericLabel(15), Confidence: 0.8, RecognizedText: "FIRST"},
		{Label: anpr.NumericLabel(10), Confidence: 0.8, RecognizedText: "SECOND"},
		{Label: anpr.NumericLabel(3), Confidence: 0.4, RecognizedText: "THIRD"},
	}

	snap := Select(events)
	assert.Equal(t, "FIRST", snap.PlateText)
	assert.Equal(t, anpr.VehicleCar, snap.VehicleClass)
}

func TestSelect_PlaceholderPlate(t *testing.T) {
	snap := Select([]anpr.DetectionEvent{{Label: anpr.NumericLabel(5), Confidence: 0.5}})
	assert.Equal(t, PlaceholderPlate, snap.PlateText)
	assert.Empty(t, snap.RecognizedText)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		label anpr.Label
		want  anpr.VehicleClass
	}{
		{anpr.NumericLabel(5), anpr.VehicleCar},
		{anpr.NumericLabel(15), anpr.VehicleCar},
		{anpr.NumericLabel(10), anpr.VehicleMotorcycle},
		{anpr.NumericLabel(0), anpr.VehicleBicycle},
		{anpr.NumericLabel(-5), anpr.VehicleBicycle},
		{anpr.NumericLabel(1), anpr.VehicleBicycle},
		{anpr.TextLabel(" 15 "), anpr.VehicleCar},
		{anpr.TextLabel("10"), anpr.VehicleMotorcycle},
		{anpr.TextLabel("truck"), anpr.VehicleBicycle},
		{anpr.TextLabel(""), anpr.VehicleBicycle},
	}

	for _, tt := range tests {
		t.Run(tt.label.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.label))
		})
	}

	for n := -100; n <= 100; n++ {
		got := Classify(anpr.NumericLabel(n))
		assert.Contains(t, []anpr.VehicleClass{anpr.VehicleCar, anpr.VehicleMotorcycle, anpr.VehicleBicycle}, got)
	}
}
