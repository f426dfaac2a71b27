package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeGenerator scripts one backend's behavior and records whether it was
// called.
type fakeGenerator struct {
	name   string
	reply  string
	err    error
	called int
}

func (f *fakeGenerator) Name() string  { return f.name }
func (f *fakeGenerator) Model() string { return f.name + "-model" }

func (f *fakeGenerator) Generate(ctx context.Context, msgs []Message) (Reply, error) {
	f.called++
	if f.err != nil {
		return Reply{}, f.err
	}
	return Reply{Content: f.reply, Model: f.Model()}, nil
}

func chain(gens ...*fakeGenerator) []Candidate {
	out := make([]Candidate, 0, len(gens))
	for _, g := range gens {
		out = append(out, Candidate{Generator: g, AttemptTimeout: time.Second})
	}
	return out
}

func unavailable(name string) error {
	return &Error{Backend: name, Kind: KindUnavailable, Err: errors.New("capacity")}
}

func TestExecute_PrimarySucceeds(t *testing.T) {
	primary := &fakeGenerator{name: "primary", reply: "hello"}
	backup := &fakeGenerator{name: "backup", reply: "unused"}
	exec := NewExecutor(chain(primary, backup), NewStatic(""), zap.NewNop())

	reply, attempts, err := exec.Execute(context.Background(), selfTestPrompt)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.Content)
	assert.Equal(t, "primary-model", reply.Model)
	require.Len(t, attempts, 1)
	assert.Equal(t, "success", attempts[0].Outcome)
	assert.Zero(t, backup.called)
}

func TestExecute_AdvancesOnRetryable(t *testing.T) {
	a := &fakeGenerator{name: "a", err: unavailable("a")}
	b := &fakeGenerator{name: "b", reply: "from b"}
	c := &fakeGenerator{name: "c", reply: "never"}
	exec := NewExecutor(chain(a, b, c), NewStatic(""), zap.NewNop())

	reply, attempts, err := exec.Execute(context.Background(), selfTestPrompt)
	require.NoError(t, err)
	assert.Equal(t, "from b", reply.Content)

	require.Len(t, attempts, 2)
	assert.Equal(t, "a", attempts[0].Backend)
	assert.Equal(t, "unavailable", attempts[0].Outcome)
	assert.Equal(t, "b", attempts[1].Backend)
	assert.Equal(t, "success", attempts[1].Outcome)
	assert.Zero(t, c.called, "candidates after the first success must not run")
}

func TestExecute_TerminalStopsChain(t *testing.T) {
	a := &fakeGenerator{name: "a", err: &Error{
		Backend: "a", Kind: KindRejected, Err: errors.New("malformed request"),
	}}
	b := &fakeGenerator{name: "b", reply: "never"}
	exec := NewExecutor(chain(a, b), NewStatic(""), zap.NewNop())

	_, attempts, err := exec.Execute(context.Background(), selfTestPrompt)
	require.Error(t, err)

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindRejected, perr.Kind)
	assert.False(t, perr.Retryable())

	require.Len(t, attempts, 1)
	assert.Zero(t, b.called)
}

func TestExecute_ExhaustedFallsBackToStatic(t *testing.T) {
	a := &fakeGenerator{name: "a", err: unavailable("a")}
	b := &fakeGenerator{name: "b", err: unavailable("b")}
	exec := NewExecutor(chain(a, b), NewStatic(""), zap.NewNop())

	reply, attempts, err := exec.Execute(context.Background(), selfTestPrompt)
	require.NoError(t, err)
	assert.Equal(t, DefaultStaticReply, reply.Content)
	assert.Equal(t, "static", reply.Model)

	require.Len(t, attempts, 3)
	assert.Equal(t, "static", attempts[2].Backend)
	assert.Equal(t, "success", attempts[2].Outcome)
}

func TestExecute_ExhaustedWithoutStatic(t *testing.T) {
	a := &fakeGenerator{name: "a", err: unavailable("a")}
	exec := NewExecutor(chain(a), nil, zap.NewNop())

	_, attempts, err := exec.Execute(context.Background(), selfTestPrompt)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Len(t, attempts, 1)
}

func TestExecute_BudgetCeilingSkipsRemainingCandidates(t *testing.T) {
	a := &fakeGenerator{name: "a", err: unavailable("a")}
	b := &fakeGenerator{name: "b", reply: "too late"}
	exec := NewExecutor(chain(a, b), NewStatic(""), zap.NewNop())

	// Deadline already behind the executor's clock: no attempt may start.
	base := time.Now()
	exec.now = func() time.Time { return base.Add(time.Minute) }
	ctx, cancel := context.WithDeadline(context.Background(), base.Add(time.Second))
	defer cancel()
	<-ctx.Done()

	reply, attempts, err := exec.Execute(ctx, selfTestPrompt)
	require.NoError(t, err)
	assert.Equal(t, "static", reply.Model)
	require.Len(t, attempts, 1)
	assert.Equal(t, "static", attempts[0].Backend)
	assert.Zero(t, a.called)
	assert.Zero(t, b.called)
}

func TestExecute_BareErrorTreatedRetryable(t *testing.T) {
	a := &fakeGenerator{name: "a", err: errors.New("connection reset")}
	b := &fakeGenerator{name: "b", reply: "recovered"}
	exec := NewExecutor(chain(a, b), nil, zap.NewNop())

	reply, attempts, err := exec.Execute(context.Background(), selfTestPrompt)
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply.Content)
	assert.Equal(t, "unavailable", attempts[0].Outcome)
}

func TestSelfTest_RecordsTriedChain(t *testing.T) {
	a := &fakeGenerator{name: "a", err: unavailable("a")}
	b := &fakeGenerator{name: "b", reply: "ok"}
	exec := NewExecutor(chain(a, b), NewStatic(""), zap.NewNop())

	report := SelfTest(context.Background(), exec, zap.NewNop())
	assert.True(t, report.Healthy)
	assert.Equal(t, []string{"a", "b"}, report.Tried)
	assert.Equal(t, "b-model", report.Answered)
}

func TestSelfTest_StaticOnlyIsUnhealthy(t *testing.T) {
	a := &fakeGenerator{name: "a", err: unavailable("a")}
	exec := NewExecutor(chain(a), NewStatic(""), zap.NewNop())

	report := SelfTest(context.Background(), exec, zap.NewNop())
	assert.False(t, report.Healthy)
	assert.Equal(t, "static", report.Answered)
	assert.Equal(t, []string{"a", "static"}, report.Tried)
}
