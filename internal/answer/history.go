package answer

import "sync"

// Turn is one completed query/answer exchange.
type Turn struct {
	Query  string
	Answer string
}

// History is a per-session conversation log. It is owned by the caller's
// session, not by the pipeline: concurrent requests on different sessions
// never contend, and requests sharing a session are serialized here.
type History struct {
	mu    sync.Mutex
	turns []Turn
}

// NewHistory creates an empty History.
func NewHistory() *History {
	return &History{}
}

// Append records a completed turn.
func (h *History) Append(query, answer string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Query: query, Answer: answer})
}

// Last returns up to the n most recent turns, oldest first.
func (h *History) Last(n int) []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || len(h.turns) == 0 {
		return nil
	}
	start := len(h.turns) - n
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// Len returns the total number of recorded turns.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.turns)
}
