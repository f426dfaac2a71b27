// Package orchestrator composes the conversation store, rate limiter,
// response cache, phase scheduler, retrieval client and provider chain
// into one chat turn. The pipeline order is fixed: validate, admit, check
// the cache, assemble history, plan budgets, retrieve, generate, persist.
// Rejections happen as early as possible so a throttled or malformed
// request costs no backend work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chatrelay/internal/budget"
	"chatrelay/internal/cache"
	"chatrelay/internal/conversation"
	"chatrelay/internal/limiter"
	"chatrelay/internal/provider"
	"chatrelay/internal/retrieval"
)

// Request is one chat turn from one user. An empty ConversationID starts
// a new conversation.
type Request struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

// Response is the answer plus the metadata operators need to explain it.
type Response struct {
	ConversationID string             `json:"conversation_id"`
	Answer         string             `json:"answer"`
	Model          string             `json:"model"`
	Tier           string             `json:"tier"`
	Mode           retrieval.Mode     `json:"mode"`
	Cached         bool               `json:"cached"`
	Degraded       bool               `json:"degraded,omitempty"`
	Timings        budget.Timings     `json:"timings"`
	Attempts       []provider.Attempt `json:"attempts,omitempty"`
	RateRemaining  int                `json:"rate_limit_remaining"`
	RateReset      int                `json:"rate_limit_reset_seconds"`
}

// ErrInvalidRequest marks a request rejected before any state changed.
var ErrInvalidRequest = errors.New("invalid request")

// RateLimitError reports a throttled request and when to retry.
type RateLimitError struct {
	ResetSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry in %ds", e.ResetSeconds)
}

// ExhaustedError reports that no backend could answer and names every
// backend that was attempted.
type ExhaustedError struct {
	Tried []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all providers exhausted (tried: %s)", strings.Join(e.Tried, ", "))
}

func (e *ExhaustedError) Unwrap() error { return provider.ErrExhausted }

// MaxMessageBytes caps a single user message.
const MaxMessageBytes = 32 * 1024

// AnonymousUser is the admission key for requests that carry no user id.
// All such requests share one quota window.
const AnonymousUser = "anonymous"

const systemPrompt = "You are a helpful assistant. Use the provided context " +
	"when it is relevant; when no context is given, answer from general knowledge."

// generator is the slice of the provider executor the orchestrator needs.
type generator interface {
	Execute(ctx context.Context, msgs []provider.Message) (provider.Reply, []provider.Attempt, error)
}

// Orchestrator runs the chat pipeline. Safe for concurrent use; turns in
// the same conversation are serialized so history never interleaves.
type Orchestrator struct {
	store     *conversation.Store
	limiter   *limiter.SlidingWindow
	cache     *cache.ResponseCache
	scheduler *budget.Scheduler
	retriever retrieval.Retriever
	executor  generator

	overhead      time.Duration
	slowThreshold time.Duration
	logger        *zap.Logger
	now           func() time.Time

	// retrievalGroup collapses concurrent identical retrieval queries so
	// a burst of the same question costs the engine one search.
	retrievalGroup singleflight.Group

	convMu sync.Mutex
	convs  map[string]*convLock

	newID func() string
}

// Options tune pipeline behavior beyond the component wiring.
type Options struct {
	// Overhead is added on top of the tier deadline for the overall turn
	// deadline, covering the non-phase steps.
	Overhead time.Duration
	// SlowTurnThreshold logs turns slower than this at warn level.
	SlowTurnThreshold time.Duration
}

// New wires an orchestrator. All components are required except logger.
func New(
	store *conversation.Store,
	lim *limiter.SlidingWindow,
	respCache *cache.ResponseCache,
	scheduler *budget.Scheduler,
	retriever retrieval.Retriever,
	executor generator,
	opts Options,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Overhead <= 0 {
		opts.Overhead = 250 * time.Millisecond
	}
	if opts.SlowTurnThreshold <= 0 {
		opts.SlowTurnThreshold = 15 * time.Second
	}
	return &Orchestrator{
		store:         store,
		limiter:       lim,
		cache:         respCache,
		scheduler:     scheduler,
		retriever:     retriever,
		executor:      executor,
		overhead:      opts.Overhead,
		slowThreshold: opts.SlowTurnThreshold,
		logger:        logger,
		now:           time.Now,
		convs:         make(map[string]*convLock),
		newID:         uuid.NewString,
	}
}

// Chat runs one turn of the pipeline.
func (o *Orchestrator) Chat(ctx context.Context, req Request) (*Response, error) {
	turnStart := o.now()

	// Validation precedes every state change; a malformed request must
	// not consume quota or create a conversation.
	if err := validate(req); err != nil {
		return nil, err
	}

	// A request without a user id still gets admitted, the same way a
	// missing conversation id gets a fresh one. It lands in the shared
	// anonymous quota window.
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = AnonymousUser
	}

	decision := o.limiter.TryAcquire(userID)
	if !decision.Allowed {
		o.logger.Info("request throttled",
			zap.String("user", userID),
			zap.Int("reset_seconds", decision.ResetSeconds))
		return nil, &RateLimitError{ResetSeconds: decision.ResetSeconds}
	}

	convID := req.ConversationID
	if convID == "" {
		convID = o.newID()
	}

	// Turns in one conversation run one at a time.
	unlock := o.lockConversation(convID)
	defer unlock()

	fingerprint := cache.Fingerprint(req.Message, convID)
	if entry, ok := o.cache.Get(fingerprint); ok {
		o.appendTurn(convID, req.Message, entry.Value)
		o.logger.Debug("cache hit",
			zap.String("conversation", convID),
			zap.String("fingerprint", fingerprint))
		return &Response{
			ConversationID: convID,
			Answer:         entry.Value,
			Model:          entry.ModelUsed,
			Cached:         true,
			Timings:        budget.Timings{Total: o.now().Sub(turnStart)},
			RateRemaining:  decision.Remaining,
			RateReset:      decision.ResetSeconds,
		}, nil
	}

	plan := o.scheduler.PlanFor(req.Message)

	turnCtx, cancel := context.WithTimeout(ctx, plan.Deadline+o.overhead)
	defer cancel()

	historyStart := o.now()
	history := o.store.Read(convID)
	historyTook := o.now().Sub(historyStart)

	contextText, degraded, retrievalTook := o.retrieve(turnCtx, req.Message, plan)

	msgs := assemblePrompt(history, contextText, req.Message)

	genStart := o.now()
	genCtx, genCancel := context.WithTimeout(turnCtx, plan.Generation)
	reply, attempts, err := o.executor.Execute(genCtx, msgs)
	genCancel()
	genTook := o.now().Sub(genStart)

	if err != nil {
		if turnCtx.Err() != nil {
			return nil, fmt.Errorf("turn deadline %s exceeded: %w",
				plan.Deadline+o.overhead, turnCtx.Err())
		}
		if errors.Is(err, provider.ErrExhausted) {
			tried := make([]string, 0, len(attempts))
			for _, a := range attempts {
				tried = append(tried, a.Backend)
			}
			return nil, &ExhaustedError{Tried: tried}
		}
		return nil, err
	}

	o.appendTurn(convID, req.Message, reply.Content)
	// Static answers are not cached; they would mask recovery for the
	// whole cache TTL.
	if reply.Model != "static" {
		o.cache.Put(fingerprint, reply.Content, reply.Model, 0)
	}

	total := o.now().Sub(turnStart)
	timings := budget.Timings{
		History:    historyTook,
		Retrieval:  retrievalTook,
		Generation: genTook,
		Total:      total,
	}

	logFields := []zap.Field{
		zap.String("conversation", convID),
		zap.String("tier", plan.Tier),
		zap.String("mode", string(plan.Mode)),
		zap.String("model", reply.Model),
		zap.Bool("degraded", degraded),
		zap.Duration("total", total),
	}
	if total > o.slowThreshold {
		o.logger.Warn("slow turn", logFields...)
	} else {
		o.logger.Info("turn complete", logFields...)
	}

	return &Response{
		ConversationID: convID,
		Answer:         reply.Content,
		Model:          reply.Model,
		Tier:           plan.Tier,
		Mode:           plan.Mode,
		Degraded:       degraded,
		Timings:        timings,
		Attempts:       attempts,
		RateRemaining:  decision.Remaining,
		RateReset:      decision.ResetSeconds,
	}, nil
}

// retrieve runs the retrieval phase under its budget. Failures degrade to
// an empty context instead of failing the turn; identical concurrent
// queries share one engine call.
func (o *Orchestrator) retrieve(ctx context.Context, query string, plan budget.Plan) (string, bool, time.Duration) {
	if o.retriever == nil {
		return "", true, 0
	}

	start := o.now()
	phaseCtx, cancel := context.WithTimeout(ctx, plan.Retrieval)
	defer cancel()

	key := string(plan.Mode) + "|" + query
	v, err, _ := o.retrievalGroup.Do(key, func() (interface{}, error) {
		return o.retriever.Retrieve(phaseCtx, query, plan.Mode)
	})
	took := o.now().Sub(start)

	if err != nil {
		o.logger.Warn("retrieval degraded",
			zap.String("mode", string(plan.Mode)),
			zap.Duration("took", took),
			zap.Error(err))
		return "", true, took
	}
	return v.(retrieval.Result).Context, false, took
}

// appendTurn records both halves of a turn in order.
func (o *Orchestrator) appendTurn(convID, question, answer string) {
	o.store.Append(convID, conversation.RoleUser, question)
	o.store.Append(convID, conversation.RoleAssistant, answer)
}

// convLock serializes turns within one conversation. Entries are
// reference counted so the map shrinks back as turns finish.
type convLock struct {
	mu   sync.Mutex
	refs int
}

func (o *Orchestrator) lockConversation(id string) func() {
	o.convMu.Lock()
	l, ok := o.convs[id]
	if !ok {
		l = &convLock{}
		o.convs[id] = l
	}
	l.refs++
	o.convMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.convMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.convs, id)
		}
		o.convMu.Unlock()
	}
}

func validate(req Request) error {
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message is empty", ErrInvalidRequest)
	}
	if len(req.Message) > MaxMessageBytes {
		return fmt.Errorf("%w: message exceeds %d bytes", ErrInvalidRequest, MaxMessageBytes)
	}
	return nil
}

// assemblePrompt builds the backend prompt: system instruction, retrieved
// context when present, then the bounded history and the new question.
func assemblePrompt(history []conversation.Message, contextText, question string) []provider.Message {
	msgs := make([]provider.Message, 0, len(history)+3)
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: systemPrompt})

	if contextText != "" {
		msgs = append(msgs, provider.Message{
			Role:    provider.RoleSystem,
			Content: "Context:\n" + contextText,
		})
	}

	for _, m := range history {
		role := provider.RoleUser
		if m.Role == conversation.RoleAssistant {
			role = provider.RoleAssistant
		}
		msgs = append(msgs, provider.Message{Role: role, Content: m.Content})
	}

	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: question})
	return msgs
}
