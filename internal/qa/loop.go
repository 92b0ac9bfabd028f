package qa

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"ghostmannequin/internal/domain"
	"ghostmannequin/internal/imagegen"
	"ghostmannequin/internal/infra"
	"ghostmannequin/internal/providers/image"
)

// DefaultMaxIterations is the generation attempt budget, initial render
// included.
const DefaultMaxIterations = 2

// State is a QA loop state.
type State string

const (
	StateInitial   State = "initial"
	StateGenerated State = "generated"
	StateValidated State = "validated"
	StateRetried   State = "retried"
	StateTerminal  State = "terminal"
)

// RegenerateFunc renders again with the given adjustments.
type RegenerateFunc func(ctx context.Context, params RetryParams) (*image.Result, error)

// Attempt records one generation and its verdict.
type Attempt struct {
	Iteration int           `json:"iteration"`
	Backend   string        `json:"backend,omitempty"`
	Params    *RetryParams  `json:"params,omitempty"`
	Verdict   *Verdict      `json:"verdict,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Outcome is the terminal state of a loop. Result is the render that was
// validated last; a failed regeneration never replaces it.
type Outcome struct {
	Result     *image.Result `json:"result"`
	Verdict    *Verdict      `json:"verdict,omitempty"`
	Passed     bool          `json:"passed"`
	Iterations int           `json:"iterations"`
	Retries    int           `json:"retries"`
	Attempts   []Attempt     `json:"attempts"`
	States     []State       `json:"states"`
}

type LoopOptions struct {
	Validator     Validator
	MaxIterations int
	Logger        *infra.Logger
}

// Loop validates a render and re-renders on failure within a fixed budget.
type Loop struct {
	validator     Validator
	maxIterations int
	logger        *infra.Logger
}

func NewLoop(opts LoopOptions) (*Loop, error) {
	if opts.Validator == nil {
		return nil, domain.ConfigError("qa: validator is required")
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		discard := infra.Logger(zerolog.New(io.Discard))
		logger = &discard
	}
	return &Loop{validator: opts.Validator, maxIterations: maxIter, logger: logger}, nil
}

// MaxIterations reports the attempt budget.
func (l *Loop) MaxIterations() int { return l.maxIterations }

// Run drives Initial → Generated → Validated{pass|fail} → (Retried →
// Generated)* → Terminal. It stops on the first pass, when the budget is
// spent, or on the second validator error. A failed regeneration ends the
// loop with the previous render and its verdict. An error is returned only
// when the context ends or no verdict was ever reached.
func (l *Loop) Run(ctx context.Context, contract imagegen.CoreContract, initial *image.Result, regenerate RegenerateFunc) (*Outcome, error) {
	if initial == nil {
		return nil, errors.New("qa: initial result is required")
	}
	out := &Outcome{Result: initial, Iterations: 1, States: []State{StateInitial, StateGenerated}}
	current := initial
	var params *RetryParams
	hardFailures := 0
	var lastErr error

	for {
		started := time.Now()
		attempt := Attempt{Iteration: out.Iterations, Backend: current.Backend, Params: params}
		verdict, err := l.validator.Validate(ctx, contract, ResultImage(current))
		attempt.Elapsed = time.Since(started)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			hardFailures++
			lastErr = err
			attempt.Error = err.Error()
			out.Attempts = append(out.Attempts, attempt)
			l.logger.Warn().Err(err).Str("session_id", contract.ID.SessionID).Int("iteration", out.Iterations).Msg("qa: validation failed")
			if hardFailures >= 2 {
				break
			}
			continue
		}
		out.States = append(out.States, StateValidated)
		attempt.Verdict = verdict
		out.Attempts = append(out.Attempts, attempt)
		out.Result, out.Verdict, out.Passed = current, verdict, verdict.Pass
		l.logger.Info().
			Str("session_id", contract.ID.SessionID).
			Int("iteration", out.Iterations).
			Bool("pass", verdict.Pass).
			Int("violations", len(verdict.Violations)).
			Msg("qa: validated")
		if verdict.Pass || out.Iterations >= l.maxIterations || regenerate == nil {
			break
		}

		p := DeriveRetryParams(verdict.Violations)
		params = &p
		out.States = append(out.States, StateRetried)
		out.Iterations++
		out.Retries++
		next, err := regenerate(ctx, p)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return out, ctxErr
			}
			hardFailures++
			lastErr = err
			out.Attempts = append(out.Attempts, Attempt{Iteration: out.Iterations, Params: params, Error: err.Error()})
			l.logger.Warn().Err(err).Str("session_id", contract.ID.SessionID).Int("iteration", out.Iterations).Msg("qa: regeneration failed")
			break
		}
		out.States = append(out.States, StateGenerated)
		current = next
	}
	out.States = append(out.States, StateTerminal)
	if out.Verdict == nil {
		return out, lastErr
	}
	return out, nil
}

// ResultImage returns the rendered image as a reference, preferring bytes.
func ResultImage(res *image.Result) domain.ImageRef {
	if res == nil {
		return domain.ImageRef{}
	}
	if res.Asset != nil && len(res.Asset.Data) > 0 {
		return domain.ImageRef{Data: res.Asset.Data, MIME: res.Asset.Format}
	}
	ref, err := domain.ParseImageRef(res.ImageURL)
	if err != nil {
		return domain.ImageRef{URL: res.ImageURL}
	}
	return ref
}
