package model

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

type ServerOptions struct {
	InputName  string
	OutputName string
	ImageSize  int
	PoolSize   int
}

// Server is the ONNX Runtime backed Classifier. Each pooled session owns its
// own input and output tensors, so concurrent callers never share buffers.
type Server struct {
	pool       chan *session
	sessions   []*session
	inputShape [4]int64
	numClasses int
}

type session struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewServer opens PoolSize sessions on modelPath. The ONNX Runtime environment
// must already be initialized.
func NewServer(modelPath string, opts ServerOptions) (*Server, error) {
	numClasses, err := outputClasses(modelPath, opts.OutputName)
	if err != nil {
		return nil, err
	}

	size := int64(opts.ImageSize)
	s := &Server{
		pool:       make(chan *session, opts.PoolSize),
		inputShape: [4]int64{1, 3, size, size},
		numClasses: numClasses,
	}

	for i := 0; i < opts.PoolSize; i++ {
		sess, err := newSession(modelPath, opts, s.inputShape, numClasses)
		if err != nil {
			s.destroySessions()
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
		s.sessions = append(s.sessions, sess)
		s.pool <- sess
	}
	return s, nil
}

func newSession(modelPath string, opts ServerOptions, inShape [4]int64, numClasses int) (*session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(inShape[:]...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(numClasses)))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	sess, err := ort.NewAdvancedSession(modelPath,
		[]string{opts.InputName}, []string{opts.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &session{session: sess, input: inputTensor, output: outputTensor}, nil
}

// outputClasses reads the class dimension of the named output from the model
// file itself, so the label vocabulary can be checked against it.
func outputClasses(modelPath, outputName string) (int, error) {
	_, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect model: %w", err)
	}
	for _, info := range outputs {
		if info.Name != outputName {
			continue
		}
		dims := info.Dimensions
		if len(dims) == 0 || dims[len(dims)-1] <= 0 {
			return 0, fmt.Errorf("output %q has no static class dimension (%v)", outputName, dims)
		}
		return int(dims[len(dims)-1]), nil
	}
	return 0, fmt.Errorf("model has no output named %q", outputName)
}

func (s *Server) InputShape() [4]int64 {
	return s.inputShape
}

func (s *Server) NumClasses() int {
	return s.numClasses
}

// Logits runs one forward pass. It blocks until a pooled session is free or
// ctx is done.
func (s *Server) Logits(ctx context.Context, input []float32) ([]float32, error) {
	var sess *session
	select {
	case sess = <-s.pool:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a free session: %w", ctx.Err())
	}
	defer func() { s.pool <- sess }()

	dst := sess.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, model expects %d", len(input), len(dst))
	}
	copy(dst, input)

	if err := sess.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := sess.output.GetData()
	logits := make([]float32, len(out))
	copy(logits, out)
	return logits, nil
}

// Close releases every session and the ONNX Runtime environment.
func (s *Server) Close() {
	s.destroySessions()
	ort.DestroyEnvironment()
}

func (s *Server) destroySessions() {
	for _, sess := range s.sessions {
		if sess.input != nil {
			sess.input.Destroy()
		}
		if sess.output != nil {
			sess.output.Destroy()
		}
		if sess.session != nil {
			sess.session.Destroy()
		}
	}
	s.sessions = nil
}
