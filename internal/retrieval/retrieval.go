// Package retrieval defines the boundary to the external retrieval engine.
// The engine itself (vector search, knowledge graph) lives in another
// service; this package only carries queries out and context text back,
// translating transport failures into the two kinds the orchestrator
// distinguishes: timeout and unavailable. Either way the caller degrades to
// context-free generation rather than failing the turn.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode is the retrieval strategy hint. The set is closed: configuration
// naming any other string is rejected at load time, not at call time.
type Mode string

const (
	// ModeNaive is the narrow/fast strategy for trivial queries.
	ModeNaive Mode = "naive"
	// ModeLocal searches the immediate neighborhood of matched entities.
	ModeLocal Mode = "local"
	// ModeHybrid combines local and global context.
	ModeHybrid Mode = "hybrid"
	// ModeGlobal is the broad/thorough strategy for complex queries.
	ModeGlobal Mode = "global"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeNaive, ModeLocal, ModeHybrid, ModeGlobal:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown retrieval mode %q (want naive, local, hybrid or global)", s)
}

// Result is the context returned for a query.
type Result struct {
	Context string        `json:"context"`
	Sources []string      `json:"sources,omitempty"`
	Latency time.Duration `json:"latency"`
}

// Sentinel errors for the two failure kinds the orchestrator cares about.
var (
	ErrTimeout     = errors.New("retrieval timed out")
	ErrUnavailable = errors.New("retrieval unavailable")
)

// Retriever is the narrow interface the orchestrator consumes. The deadline
// on ctx is the phase budget; implementations must abandon work when it
// expires.
type Retriever interface {
	Retrieve(ctx context.Context, query string, mode Mode) (Result, error)
}
