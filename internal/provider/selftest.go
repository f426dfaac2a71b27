package provider

import (
	"context"

	"go.uber.org/zap"
)

// SelfTestReport summarizes a walk over the fallback chain with a trivial
// prompt. Tried preserves the order backends were attempted in.
type SelfTestReport struct {
	Healthy  bool      `json:"healthy"`
	Answered string    `json:"answered,omitempty"`
	Tried    []string  `json:"tried"`
	Attempts []Attempt `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

var selfTestPrompt = []Message{
	{Role: RoleUser, Content: "Reply with the single word: ok"},
}

// SelfTest sends a minimal prompt through the chain and reports which
// backends were tried and which one answered. A static-only answer still
// counts as unhealthy since no real model is reachable.
func SelfTest(ctx context.Context, exec *Executor, logger *zap.Logger) SelfTestReport {
	if logger == nil {
		logger = zap.NewNop()
	}

	reply, attempts, err := exec.Execute(ctx, selfTestPrompt)

	tried := make([]string, 0, len(attempts))
	for _, a := range attempts {
		tried = append(tried, a.Backend)
	}

	report := SelfTestReport{Tried: tried, Attempts: attempts}
	switch {
	case err != nil:
		report.Error = err.Error()
	case reply.Model == "static":
		report.Answered = reply.Model
	default:
		report.Healthy = true
		report.Answered = reply.Model
	}

	logger.Info("provider self-test",
		zap.Bool("healthy", report.Healthy),
		zap.Strings("tried", tried),
		zap.String("answered", report.Answered))
	return report
}
