package provider

import "context"

// DefaultStaticReply is the answer of last resort when no model backend is
// reachable. It is honest about the degradation instead of failing the turn.
const DefaultStaticReply = "I'm currently unable to reach a language model. " +
	"Please try again shortly; your message was not lost."

// Static is the built-in minimal responder. It never fails and needs no
// network, which makes it the terminal candidate of every fallback chain.
type Static struct {
	reply string
}

// NewStatic builds a static responder. An empty reply takes
// DefaultStaticReply.
func NewStatic(reply string) *Static {
	if reply == "" {
		reply = DefaultStaticReply
	}
	return &Static{reply: reply}
}

func (s *Static) Name() string  { return "static" }
func (s *Static) Model() string { return "static" }

func (s *Static) Generate(ctx context.Context, msgs []Message) (Reply, error) {
	return Reply{Content: s.reply, Model: s.Model()}, nil
}
