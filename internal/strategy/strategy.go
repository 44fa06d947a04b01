// Package strategy provides the independent prediction strategies of the
// ensemble and the runner that fans a request out to them.
package strategy

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Strategy proposes a label and a confidence for a decision request.
// Implementations must be safe for concurrent use.
type Strategy interface {
	ID() string
	Weight() float64
	Accuracy() float64
	Features() []string
	Predict(ctx context.Context, in *Input) (Prediction, error)
}

// Prediction is the raw answer of one strategy.
type Prediction struct {
	Label      string
	Confidence float64
}

// Input is the strategy-facing view of a decision request.
type Input struct {
	Kind             string
	Module           string
	Priority         domain.Priority
	Payload          map[string]any
	Metadata         map[string]string
	RequiredAccuracy float64
}

// NewInput builds an Input from a request. Maps are copied, so strategies
// never share state with the caller.
func NewInput(req *domain.DecisionRequest) *Input {
	c := req.Clone()
	in := &Input{
		Kind:     c.Kind,
		Module:   c.Module,
		Priority: c.Priority,
		Payload:  c.Payload,
		Metadata: c.Metadata,
	}
	if c.RequiredAccuracy != nil {
		in.RequiredAccuracy = *c.RequiredAccuracy
	}
	if in.Payload == nil {
		in.Payload = map[string]any{}
	}
	if in.Metadata == nil {
		in.Metadata = map[string]string{}
	}
	return in
}

func (in *Input) clone() *Input {
	c := *in
	c.Payload = make(map[string]any, len(in.Payload))
	for k, v := range in.Payload {
		c.Payload[k] = v
	}
	c.Metadata = make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// PredictFunc adapts a plain function to a strategy.
type PredictFunc func(ctx context.Context, in *Input) (Prediction, error)

// Func is a Go-coded strategy.
type Func struct {
	id       string
	weight   float64
	accuracy float64
	features []string
	fn       PredictFunc
}

// NewFunc creates a strategy backed by fn.
func NewFunc(id string, weight, accuracy float64, fn PredictFunc, features ...string) *Func {
	return &Func{id: id, weight: weight, accuracy: accuracy, features: features, fn: fn}
}

func (f *Func) ID() string { return f.id }
func (f *Func) Weight() float64 { return f.weight }
func (f *Func) Accuracy() float64 { return f.accuracy }
func (f *Func) Features() []string { return f.features }

// Predict calls the wrapped function.
func (f *Func) Predict(ctx context.Context, in *Input) (Prediction, error) {
	return f.fn(ctx, in)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
