package strategy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// NewEnv creates the CEL environment strategy expressions compile against.
func NewEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("module", cel.StringType),
		cel.Variable("priority", cel.StringType),
		cel.Variable("priority_level", cel.IntType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("required_accuracy", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CELStrategy evaluates a label and a confidence expression.
type CELStrategy struct {
	cfg        domain.StrategyConfig
	label      cel.Program
	confidence cel.Program
}

// CompileCEL compiles a strategy config in env.
func CompileCEL(env *cel.Env, cfg domain.StrategyConfig) (*CELStrategy, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("strategy id is required")
	}
	if cfg.Weight < 0 {
		return nil, fmt.Errorf("strategy %s: weight must not be negative", cfg.ID)
	}

	label, err := compile(env, cfg.ID, "label", cfg.LabelExpression, cel.StringType)
	if err != nil {
		return nil, err
	}
	confidence, err := compile(env, cfg.ID, "confidence", cfg.ConfidenceExpression, cel.DoubleType, cel.IntType)
	if err != nil {
		return nil, err
	}

	return &CELStrategy{cfg: cfg, label: label, confidence: confidence}, nil
}

func compile(env *cel.Env, id, what, expr string, want ...*cel.Type) (cel.Program, error) {
	if expr == "" {
		return nil, fmt.Errorf("strategy %s: %s expression is required", id, what)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile %s expression of strategy %s: %w", what, id, issues.Err())
	}

	out := ast.OutputType()
	ok := out.IsExactType(cel.DynType)
	for _, w := range want {
		if out.IsExactType(w) {
			ok = true
		}
	}
	if !ok {
		return nil, fmt.Errorf("strategy %s: %s expression returns %s", id, what, out)
	}

	program, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s program for strategy %s: %w", what, id, err)
	}
	return program, nil
}

func (s *CELStrategy) ID() string { return s.cfg.ID }
func (s *CELStrategy) Weight() float64 { return s.cfg.Weight }
func (s *CELStrategy) Accuracy() float64 { return s.cfg.Accuracy }
func (s *CELStrategy) Features() []string { return s.cfg.Features }

// Config returns the definition the strategy was compiled from.
func (s *CELStrategy) Config() domain.StrategyConfig { return s.cfg }

// Predict evaluates both expressions against the input.
func (s *CELStrategy) Predict(ctx context.Context, in *Input) (Prediction, error) {
	activation := map[string]any{
		"kind":              in.Kind,
		"module":            in.Module,
		"priority":          string(in.Priority),
		"priority_level":    int64(in.Priority.Level()),
		"payload":           in.Payload,
		"metadata":          in.Metadata,
		"required_accuracy": in.RequiredAccuracy,
	}

	out, _, err := s.label.ContextEval(ctx, activation)
	if err != nil {
		return Prediction{}, fmt.Errorf("label evaluation: %w", err)
	}
	label, ok := out.(types.String)
	if !ok {
		return Prediction{}, fmt.Errorf("label evaluation: expected string, got %s", out.Type().TypeName())
	}
	if label == "" {
		return Prediction{}, fmt.Errorf("label evaluation: empty label")
	}

	out, _, err = s.confidence.ContextEval(ctx, activation)
	if err != nil {
		return Prediction{}, fmt.Errorf("confidence evaluation: %w", err)
	}
	conf, err := toConfidence(out)
	if err != nil {
		return Prediction{}, err
	}

	return Prediction{Label: string(label), Confidence: conf}, nil
}

func toConfidence(val ref.Val) (float64, error) {
	switch v := val.(type) {
	case types.Double:
		return clamp01(float64(v)), nil
	case types.Int:
		return clamp01(float64(v)), nil
	default:
		return 0, fmt.Errorf("confidence evaluation: expected double, got %s", val.Type().TypeName())
	}
}
