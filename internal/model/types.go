package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const (
	DefaultImageSize           = 30
	DefaultConfidenceThreshold = 0.7
	DefaultInputName           = "input"
	DefaultOutputName          = "output"

	LowConfidenceLabel   = "Low confidence"
	LowConfidenceMessage = "The model is not confident in its prediction."
)

var (
	ErrInference     = errors.New("inference failed")
	ErrLabelMismatch = errors.New("probability vector does not match class labels")
	ErrMetadata      = errors.New("invalid model metadata")
)

// Metadata is the sidecar JSON shipped next to the .onnx artifact. The
// threshold, input size and class order belong to one trained model, so they
// travel with it instead of living in server config.
type Metadata struct {
	Name                string   `json:"name"`
	InputName           string   `json:"input_name"`
	OutputName          string   `json:"output_name"`
	InputShape          []int64  `json:"input_shape"`
	OutputShape         []int64  `json:"output_shape"`
	Classes             []string `json:"classes"`
	ImageSize           int      `json:"image_size"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
}

// Prediction is the /predict response body. A nil ClassID marks the
// low-confidence shape, which carries Message instead.
type Prediction struct {
	Prediction string  `json:"prediction"`
	Message    string  `json:"message,omitempty"`
	ClassID    *int    `json:"class_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

func (p Prediction) LowConfidence() bool {
	return p.ClassID == nil
}

// LoadMetadata reads the sidecar file, fills defaults and validates that the
// shapes agree with the class list.
func LoadMetadata(path string) (Metadata, error) {
	var metadata Metadata

	raw, err := os.ReadFile(path)
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to parse metadata: %w", err)
	}

	metadata.applyDefaults()
	if err := metadata.Validate(); err != nil {
		return metadata, err
	}
	return metadata, nil
}

func (m *Metadata) applyDefaults() {
	if m.Name == "" {
		m.Name = "traffic-signs"
	}
	if m.InputName == "" {
		m.InputName = DefaultInputName
	}
	if m.OutputName == "" {
		m.OutputName = DefaultOutputName
	}
	if len(m.Classes) == 0 {
		m.Classes = append([]string(nil), TrafficSignClasses...)
	}
	if m.ImageSize == 0 {
		m.ImageSize = DefaultImageSize
	}
	if m.ConfidenceThreshold == 0 {
		m.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if len(m.InputShape) == 0 {
		size := int64(m.ImageSize)
		m.InputShape = []int64{1, size, size, 3}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

func (m Metadata) Validate() error {
	if m.ImageSize <= 0 {
		return fmt.Errorf("%w: image_size must be positive, got %d", ErrMetadata, m.ImageSize)
	}
	if m.ConfidenceThreshold <= 0 || m.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence_threshold must be in (0, 1], got %v", ErrMetadata, m.ConfidenceThreshold)
	}

	size := int64(m.ImageSize)
	want := []int64{1, size, size, 3}
	if len(m.InputShape) != len(want) {
		return fmt.Errorf("%w: input_shape %v, expected %v", ErrMetadata, m.InputShape, want)
	}
	for i := range want {
		if m.InputShape[i] != want[i] {
			return fmt.Errorf("%w: input_shape %v, expected %v", ErrMetadata, m.InputShape, want)
		}
	}

	if len(m.OutputShape) == 0 || m.OutputShape[len(m.OutputShape)-1] != int64(len(m.Classes)) {
		return fmt.Errorf("%w: output_shape %v does not match %d classes", ErrMetadata, m.OutputShape, len(m.Classes))
	}
	return nil
}

// InputSize is the number of float32 values the input tensor holds.
func (m Metadata) InputSize() int {
	n := 1
	for _, dim := range m.InputShape {
		n *= int(dim)
	}
	return n
}
