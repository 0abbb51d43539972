package oracle

import (
	"context"
	"fmt"
	"sync"

	"report-runner/internal/common/errors"
)

// Scripted is an Oracle fake that replays canned decisions per stage and
// records every context it was asked about.
type Scripted struct {
	mu        sync.Mutex
	decisions map[string][]Decision
	failures  map[string]error
	calls     []StageContext
}

// NewScripted creates an empty scripted oracle
func NewScripted() *Scripted {
	return &Scripted{
		decisions: make(map[string][]Decision),
		failures:  make(map[string]error),
	}
}

// On sets the decisions returned for a stage
func (s *Scripted) On(stage string, decisions ...Decision) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[stage] = decisions
	return s
}

// FailOn makes a stage return the given error
func (s *Scripted) FailOn(stage string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[stage] = err
	return s
}

// Decide implements Oracle
func (s *Scripted) Decide(ctx context.Context, sc StageContext) ([]Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, sc)

	if err, ok := s.failures[sc.Stage]; ok {
		return nil, err
	}
	if decisions, ok := s.decisions[sc.Stage]; ok {
		return decisions, nil
	}
	return nil, errors.InternalError(fmt.Sprintf("no scripted decision for stage '%s'", sc.Stage), nil)
}

// Calls returns every stage context seen so far
func (s *Scripted) Calls() []StageContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StageContext, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times a stage was consulted
func (s *Scripted) CallCount(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Stage == stage {
			n++
		}
	}
	return n
}
