package model

import "context"

// Classifier produces raw class scores for one input tensor. Implementations
// must be safe for concurrent use and must not modify their weights.
type Classifier interface {
	// InputShape is the NCHW shape the classifier expects.
	InputShape() [4]int64
	// NumClasses is the size of the logits vector.
	NumClasses() int
	Logits(ctx context.Context, input []float32) ([]float32, error)
}

type LabelScore struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

type PredictionResult struct {
	Prediction string       `json:"prediction"`
	Confidence float64      `json:"confidence"`
	Top        []LabelScore `json:"top,omitempty"`
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}
