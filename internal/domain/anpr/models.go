package anpr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Label is the detector's class label. The service sends it either as a
// number or as text; text that parses as an integer is numeric, anything
// else stays unclassified.
type Label struct {
	raw     string
	value   int
	numeric bool
}

// NumericLabel builds a classified label.
func NumericLabel(n int) Label {
	return Label{raw: strconv.Itoa(n), value: n, numeric: true}
}

// TextLabel builds a label from text, classifying it when it is an integer.
func TextLabel(s string) Label {
	trimmed := strings.TrimSpace(s)
	if n, err := strconv.Atoi(trimmed); err == nil {
		return Label{raw: s, value: n, numeric: true}
	}
	return Label{raw: s}
}

// Int returns the numeric class and whether the label has one.
func (l Label) Int() (int, bool) {
	return l.value, l.numeric
}

// String returns the label as received.
func (l Label) String() string {
	return l.raw
}

func (l *Label) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = Label{}
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = TextLabel(s)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("label must be a number or string: %w", err)
	}
	if f == math.Trunc(f) && math.Abs(f) <= math.MaxInt32 {
		*l = Label{raw: string(data), value: int(f), numeric: true}
		return nil
	}
	*l = Label{raw: string(data)}
	return nil
}

func (l Label) MarshalJSON() ([]byte, error) {
	if l.numeric {
		return []byte(strconv.Itoa(l.value)), nil
	}
	return json.Marshal(l.raw)
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is the detection outline. On the wire it arrives as a flat
// [x1, y1, x2, y2] box, a nested [[x1, y1, x2, y2]] box, or [[x, y], ...]
// points; all forms flatten to consecutive (x, y) pairs.
type Polygon []Point

func (p *Polygon) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		*p = nil
		return nil
	}

	var nums []float64
	if err := flattenNumbers(raw, &nums); err != nil {
		return err
	}
	if len(nums)%2 != 0 {
		return fmt.Errorf("polygon has odd coordinate count %d", len(nums))
	}

	points := make(Polygon, 0, len(nums)/2)
	for i := 0; i < len(nums); i += 2 {
		points = append(points, Point{X: nums[i], Y: nums[i+1]})
	}
	*p = points
	return nil
}

func flattenNumbers(v any, out *[]float64) error {
	switch t := v.(type) {
	case float64:
		*out = append(*out, t)
	case []any:
		for _, item := range t {
			if err := flattenNumbers(item, out); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unexpected polygon element %T", v)
	}
	return nil
}

// DetectionEvent is one object the remote detector found in a frame.
type DetectionEvent struct {
	Label           Label   `json:"label"`
	Confidence      float64 `json:"confidence"`
	ColorAnnotation string  `json:"color_annotation"`
	BoundingPolygon Polygon `json:"coordinates"`
	RecognizedText  string  `json:"ocr_text"`
}

type VehicleClass string

const (
	VehicleCar         VehicleClass = "Car"
	VehicleMotorcycle  VehicleClass = "Motorcycle"
	VehicleBicycle     VehicleClass = "Bicycle"
	VehicleNoDetection VehicleClass = "No detection"
)

// Snapshot is the display-ready view of the best detection in a batch.
type Snapshot struct {
	VehicleClass    VehicleClass `json:"vehicle_class"`
	PlateText       string       `json:"plate_text"`
	ColorAnnotation string       `json:"color_annotation"`
	RawLabel        string       `json:"raw_label"`
	RecognizedText  string       `json:"ocr_text"`
	Confidence      float64      `json:"confidence"`
	Detected        bool         `json:"detected"`
}

// CaptureSource is a selectable camera. ID is the index the service
// expects in start_video.
type CaptureSource struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Stream event names exchanged with the detection service.
const (
	EventStartVideo = "start_video"
	EventStopVideo  = "stop_video"
	EventVideoFrame = "video_frame"
	EventVideoError = "video_error"
)

// StartCommand is the payload of start_video.
type StartCommand struct {
	CameraIndex string `json:"camera_index"`
}

// FramePayload is the payload of video_frame. EntranceFrame is a base64
// encoded JPEG.
type FramePayload struct {
	EntranceFrame      string           `json:"entrance_frame"`
	EntranceDetections []DetectionEvent `json:"entrance_detections"`
	FPS                float64          `json:"fps"`
}

// VideoError is the payload of video_error.
type VideoError struct {
	Error string `json:"error"`
}
