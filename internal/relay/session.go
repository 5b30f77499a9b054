package relay

import (
	"fmt"
	"strings"
	"sync"
)

// Phase is a streaming session's lifecycle phase.
type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseGenerating Phase = "generating"
	PhaseFinalizing Phase = "finalizing"
	PhaseComplete   Phase = "complete"
	PhaseError      Phase = "error"
)

func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// rank orders phases so the machine can reject regressions. generating is
// re-entrant (one transition per token) but never returns to connecting.
func (p Phase) rank() int {
	switch p {
	case PhaseConnecting:
		return 0
	case PhaseGenerating:
		return 1
	case PhaseFinalizing:
		return 2
	case PhaseComplete, PhaseError:
		return 3
	}
	return -1
}

// Session tracks one streaming generation.
type Session struct {
	mu sync.Mutex

	RequestID     string
	phase         Phase
	text          strings.Builder
	tokens        int
	declaredTotal int
}

func NewSession(requestID string) *Session {
	return &Session{RequestID: requestID, phase: PhaseConnecting}
}

// Transition moves the session to next. It returns an error when the move
// would regress the lifecycle or leave a terminal phase; exactly one terminal
// transition is possible.
func (s *Session) Transition(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase.Terminal() {
		return fmt.Errorf("session %s already terminal (%s), cannot move to %s", s.RequestID, s.phase, next)
	}
	if next.rank() < s.phase.rank() {
		return fmt.Errorf("session %s cannot regress from %s to %s", s.RequestID, s.phase, next)
	}
	if next == PhaseGenerating && s.phase.rank() > PhaseGenerating.rank() {
		return fmt.Errorf("session %s cannot resume generating from %s", s.RequestID, s.phase)
	}
	s.phase = next
	return nil
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Append accumulates one token fragment.
func (s *Session) Append(text string, tokens, declaredTotal int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(text)
	s.tokens = tokens
	if declaredTotal > 0 {
		s.declaredTotal = declaredTotal
	}
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

func (s *Session) Tokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens
}

func (s *Session) DeclaredTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declaredTotal
}
