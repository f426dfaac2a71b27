package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Candidate pairs a backend with the timeout slice a single attempt
// against it may consume.
type Candidate struct {
	Generator      Generator
	AttemptTimeout time.Duration
}

// DefaultAttemptTimeout bounds an attempt whose candidate sets none.
const DefaultAttemptTimeout = 30 * time.Second

// Executor walks an ordered candidate chain until one answers. Candidates
// are tried strictly in configured order with no load balancing, so which
// backend answered is always explainable from the configuration. All
// attempts together respect the deadline on the caller's context; an
// attempt never gets more than its own slice, and no attempt starts once
// the deadline has passed.
type Executor struct {
	candidates []Candidate
	lastResort Generator
	logger     *zap.Logger
	now        func() time.Time
}

// NewExecutor builds an executor over the given chain. lastResort answers
// when the chain is exhausted; pass nil to surface ErrExhausted instead.
func NewExecutor(candidates []Candidate, lastResort Generator, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		candidates: candidates,
		lastResort: lastResort,
		logger:     logger,
		now:        time.Now,
	}
}

// Execute tries the chain in order and returns the first success together
// with the per-attempt record. On a failure classified as rejected the
// chain stops immediately; retryable failures advance to the next
// candidate while budget remains.
func (e *Executor) Execute(ctx context.Context, msgs []Message) (Reply, []Attempt, error) {
	attempts := make([]Attempt, 0, len(e.candidates)+1)

	for _, cand := range e.candidates {
		if ctx.Err() != nil {
			break
		}

		slice := cand.AttemptTimeout
		if slice <= 0 {
			slice = DefaultAttemptTimeout
		}
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := deadline.Sub(e.now()); remaining <= 0 {
				break
			} else if remaining < slice {
				slice = remaining
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, slice)
		start := e.now()
		reply, err := cand.Generator.Generate(attemptCtx, msgs)
		cancel()
		latency := e.now().Sub(start)

		if err == nil {
			attempts = append(attempts, Attempt{
				Backend: cand.Generator.Name(),
				Model:   cand.Generator.Model(),
				Outcome: "success",
				Latency: latency,
			})
			e.logger.Debug("backend answered",
				zap.String("backend", cand.Generator.Name()),
				zap.String("model", reply.Model),
				zap.Duration("latency", latency),
				zap.Int("attempt", len(attempts)))
			return reply, attempts, nil
		}

		perr := classify(cand.Generator.Name(), err)
		attempts = append(attempts, Attempt{
			Backend: cand.Generator.Name(),
			Model:   cand.Generator.Model(),
			Outcome: perr.Kind.String(),
			Latency: latency,
			Error:   perr.Err.Error(),
		})
		e.logger.Warn("backend attempt failed",
			zap.String("backend", cand.Generator.Name()),
			zap.String("kind", perr.Kind.String()),
			zap.Duration("latency", latency),
			zap.Error(perr.Err))

		if !perr.Retryable() {
			return Reply{}, attempts, perr
		}
	}

	if e.lastResort != nil {
		start := e.now()
		reply, err := e.lastResort.Generate(ctx, msgs)
		if err == nil {
			attempts = append(attempts, Attempt{
				Backend: e.lastResort.Name(),
				Model:   e.lastResort.Model(),
				Outcome: "success",
				Latency: e.now().Sub(start),
			})
			e.logger.Warn("chain exhausted, static responder answered",
				zap.Int("attempts", len(attempts)))
			return reply, attempts, nil
		}
	}

	return Reply{}, attempts, ErrExhausted
}

// classify normalizes backend failures into *Error. Context expiry counts
// as a timeout even when the backend wrapped it in something else; a bare
// error is assumed retryable so one sloppy backend cannot pin the chain.
func classify(backend string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Backend: backend, Kind: KindTimeout, Err: err}
	}
	return &Error{Backend: backend, Kind: KindUnavailable, Err: err}
}
