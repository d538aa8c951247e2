package model

import (
	"fmt"
	"math"
)

// Decide turns a probability vector into a verdict. The first maximum wins
// ties, and confidence is rounded to three decimals in both result shapes.
func Decide(probs []float32, classes []string, threshold float64) (Prediction, error) {
	if len(probs) == 0 || len(probs) != len(classes) {
		return Prediction{}, fmt.Errorf("%w: %d probabilities, %d classes", ErrLabelMismatch, len(probs), len(classes))
	}

	maxIdx := 0
	maxVal := probs[0]
	for i, val := range probs {
		if f := float64(val); math.IsNaN(f) || math.IsInf(f, 0) {
			return Prediction{}, fmt.Errorf("%w: non-finite probability %v at index %d", ErrInference, val, i)
		}
		if val > maxVal {
			maxVal = val
			maxIdx = i
		}
	}

	confidence := float64(maxVal)
	if confidence < threshold {
		return Prediction{
			Prediction: LowConfidenceLabel,
			Message:    LowConfidenceMessage,
			Confidence: round3(confidence),
		}, nil
	}

	classID := maxIdx
	return Prediction{
		Prediction: classes[maxIdx],
		ClassID:    &classID,
		Confidence: round3(confidence),
	}, nil
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
