// Package budget turns a chat query into per-phase time budgets. Queries are
// classified into complexity tiers by word count; each tier carries a total
// deadline and a retrieval mode hint. The deadline is then split across the
// history, retrieval and generation phases in a fixed ratio so no single
// slow phase can swallow the whole turn. Time a phase leaves unused is not
// handed to later phases; worst-case turn latency stays the sum of the
// budgets regardless of where the time went.
package budget

import (
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/retrieval"
)

// Tier maps a word-count band to a total deadline and retrieval mode.
// Tiers are matched in order; MaxWords 0 means unbounded and normally
// terminates the table.
type Tier struct {
	Name     string
	MaxWords int
	Deadline time.Duration
	Mode     retrieval.Mode
}

// Plan is the scheduler's output for one query.
type Plan struct {
	Tier     string
	Mode     retrieval.Mode
	Deadline time.Duration

	History    time.Duration
	Retrieval  time.Duration
	Generation time.Duration
}

// Options tune the phase split. Zero values take the defaults below.
type Options struct {
	// HistoryFloor is the fixed budget for history assembly.
	HistoryFloor time.Duration
	// RetrievalShare is the fraction of the post-floor remainder given to
	// retrieval; generation gets the rest.
	RetrievalShare float64
	// PhaseMinimum is the smallest budget any phase may receive.
	PhaseMinimum time.Duration
}

const (
	DefaultHistoryFloor   = 250 * time.Millisecond
	DefaultRetrievalShare = 0.4
	DefaultPhaseMinimum   = 500 * time.Millisecond
)

// DefaultTiers mirrors the shipped configuration: short queries get tight
// deadlines and narrow retrieval, long queries get loose deadlines and
// broad retrieval.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "simple", MaxWords: 3, Deadline: 10 * time.Second, Mode: retrieval.ModeNaive},
		{Name: "moderate", MaxWords: 7, Deadline: 20 * time.Second, Mode: retrieval.ModeLocal},
		{Name: "standard", MaxWords: 15, Deadline: 30 * time.Second, Mode: retrieval.ModeHybrid},
		{Name: "deep", MaxWords: 0, Deadline: 45 * time.Second, Mode: retrieval.ModeGlobal},
	}
}

// Scheduler classifies queries and splits deadlines. It is immutable after
// construction; hot reload swaps the whole scheduler.
type Scheduler struct {
	tiers []Tier
	opts  Options
}

// NewScheduler validates the tier table and builds a scheduler.
func NewScheduler(tiers []Tier, opts Options) (*Scheduler, error) {
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	if opts.HistoryFloor <= 0 {
		opts.HistoryFloor = DefaultHistoryFloor
	}
	if opts.RetrievalShare <= 0 || opts.RetrievalShare >= 1 {
		opts.RetrievalShare = DefaultRetrievalShare
	}
	if opts.PhaseMinimum <= 0 {
		opts.PhaseMinimum = DefaultPhaseMinimum
	}

	for i, tier := range tiers {
		if tier.Name == "" {
			return nil, fmt.Errorf("tier %d: name required", i)
		}
		if tier.Deadline <= 0 {
			return nil, fmt.Errorf("tier %q: deadline must be positive", tier.Name)
		}
		if tier.MaxWords < 0 {
			return nil, fmt.Errorf("tier %q: max_words must not be negative", tier.Name)
		}
		if _, err := retrieval.ParseMode(string(tier.Mode)); err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier.Name, err)
		}
		if tier.MaxWords == 0 && i != len(tiers)-1 {
			return nil, fmt.Errorf("tier %q: unbounded tier must be last", tier.Name)
		}
	}
	if last := tiers[len(tiers)-1]; last.MaxWords != 0 {
		return nil, fmt.Errorf("tier %q: last tier must be unbounded (max_words 0)", last.Name)
	}

	own := make([]Tier, len(tiers))
	copy(own, tiers)
	return &Scheduler{tiers: own, opts: opts}, nil
}

// Classify picks the first tier whose word band covers the query.
func (s *Scheduler) Classify(query string) Tier {
	words := len(strings.Fields(query))
	for _, tier := range s.tiers {
		if tier.MaxWords == 0 || words <= tier.MaxWords {
			return tier
		}
	}
	return s.tiers[len(s.tiers)-1]
}

// PlanFor classifies the query and splits its tier deadline into phase
// budgets. History gets its fixed floor; retrieval gets RetrievalShare of
// the remainder and generation the rest, each raised to PhaseMinimum so
// neither is starved, even if that pushes the sum past the deadline on a
// pathologically small one.
func (s *Scheduler) PlanFor(query string) Plan {
	tier := s.Classify(query)

	history := s.opts.HistoryFloor
	remainder := tier.Deadline - history
	if remainder < 0 {
		remainder = 0
	}

	retr := time.Duration(float64(remainder) * s.opts.RetrievalShare)
	gen := remainder - retr

	if retr < s.opts.PhaseMinimum {
		retr = s.opts.PhaseMinimum
	}
	if gen < s.opts.PhaseMinimum {
		gen = s.opts.PhaseMinimum
	}

	return Plan{
		Tier:       tier.Name,
		Mode:       tier.Mode,
		Deadline:   tier.Deadline,
		History:    history,
		Retrieval:  retr,
		Generation: gen,
	}
}

// Timings records how long each phase actually took for one turn. Recorded
// values are observability output only; they never feed back into budgets.
type Timings struct {
	History    time.Duration `json:"history"`
	Retrieval  time.Duration `json:"retrieval"`
	Generation time.Duration `json:"generation"`
	Total      time.Duration `json:"total"`
}
