// Package modeltest provides an in-memory Classifier so the pipeline can be
// tested without the ONNX Runtime shared library.
package modeltest

import (
	"context"
	"sync/atomic"
)

// Fake returns fixed logits. When Scores is nil it derives them from the
// input, which keeps results deterministic per image.
type Fake struct {
	Shape   [4]int64
	Classes int
	Scores  []float32
	Err     error

	calls atomic.Int64
}

func New(size, classes int) *Fake {
	return &Fake{
		Shape:   [4]int64{1, 3, int64(size), int64(size)},
		Classes: classes,
	}
}

func (f *Fake) InputShape() [4]int64 { return f.Shape }

func (f *Fake) NumClasses() int { return f.Classes }

func (f *Fake) Calls() int64 { return f.calls.Load() }

func (f *Fake) Logits(ctx context.Context, input []float32) ([]float32, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Scores != nil {
		return append([]float32(nil), f.Scores...), nil
	}

	out := make([]float32, f.Classes)
	for i, v := range input {
		out[i%f.Classes] += v
	}
	for i := range out {
		out[i] /= float32(len(input)/f.Classes + 1)
	}
	return out, nil
}
