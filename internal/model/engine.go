package model

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Brownie44l1/crop-disease-api/internal/apperr"
	"github.com/Brownie44l1/crop-disease-api/internal/preprocess"
)

// Engine turns classifier logits into a labelled prediction. It holds no
// mutable state and is shared by all requests.
type Engine struct {
	classifier Classifier
	labels     []string
}

// NewEngine fails if the label vocabulary does not line up with the
// classifier's output width.
func NewEngine(classifier Classifier, labels []string) (*Engine, error) {
	if classifier == nil {
		return nil, errors.New("classifier is nil")
	}
	if n := classifier.NumClasses(); n != len(labels) {
		return nil, fmt.Errorf("model outputs %d classes but %d labels are configured", n, len(labels))
	}
	return &Engine{
		classifier: classifier,
		labels:     append([]string(nil), labels...),
	}, nil
}

func (e *Engine) Labels() []string {
	return append([]string(nil), e.labels...)
}

func (e *Engine) InputShape() [4]int64 {
	return e.classifier.InputShape()
}

// Infer returns the most likely label and its confidence as a percentage.
func (e *Engine) Infer(ctx context.Context, t *preprocess.Tensor) (*PredictionResult, error) {
	return e.InferTop(ctx, t, 0)
}

// InferTop is Infer plus the k most likely labels. k <= 0 omits the list.
func (e *Engine) InferTop(ctx context.Context, t *preprocess.Tensor, k int) (*PredictionResult, error) {
	probs, err := e.Distribution(ctx, t)
	if err != nil {
		return nil, err
	}

	best := argmax(probs)
	result := &PredictionResult{
		Prediction: e.labels[best],
		Confidence: toPercent(probs[best]),
	}
	if k > 0 {
		result.Top = e.rank(probs, k)
	}
	return result, nil
}

// Distribution runs the classifier and returns the softmax over its logits.
func (e *Engine) Distribution(ctx context.Context, t *preprocess.Tensor) ([]float64, error) {
	if t == nil || t.Shape != e.classifier.InputShape() || int64(len(t.Data)) != t.Elements() {
		var shape [4]int64
		if t != nil {
			shape = t.Shape
		}
		return nil, apperr.New(apperr.Internal,
			fmt.Sprintf("tensor shape %v does not match model input %v", shape, e.classifier.InputShape()))
	}

	logits, err := e.classifier.Logits(ctx, t.Data)
	if errors.Is(err, context.Canceled) {
		// the client went away, nothing failed on our side
		return nil, apperr.Wrap(apperr.BadRequest, "Request cancelled", err)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "inference failed", err)
	}
	if len(logits) != len(e.labels) {
		return nil, apperr.New(apperr.Internal,
			fmt.Sprintf("model returned %d scores for %d labels", len(logits), len(e.labels)))
	}

	probs := Softmax(logits)
	for _, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, apperr.New(apperr.Internal, "model returned non-finite scores")
		}
	}
	return probs, nil
}

func (e *Engine) rank(probs []float64, k int) []LabelScore {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })

	if k > len(idx) {
		k = len(idx)
	}
	out := make([]LabelScore, k)
	for i := 0; i < k; i++ {
		out[i] = LabelScore{Label: e.labels[idx[i]], Confidence: toPercent(probs[idx[i]])}
	}
	return out
}

// Softmax is computed in float64 with the max logit subtracted first.
func Softmax(logits []float32) []float64 {
	probs := make([]float64, len(logits))
	if len(logits) == 0 {
		return probs
	}

	hi := float64(logits[0])
	for _, v := range logits[1:] {
		if float64(v) > hi {
			hi = float64(v)
		}
	}

	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - hi)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// argmax returns the first index of the largest value.
func argmax(v []float64) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// toPercent scales a probability to [0,100] rounded to 2 decimals.
func toPercent(p float64) float64 {
	return math.Round(p*100*100) / 100
}
