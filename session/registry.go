package session

import (
	"errors"
	"sync"

	"github.com/voicedesk/scheduler-relay/types"
)

// ErrDuplicateSession is returned when a call identifier is already live.
// The new connection is rejected; the existing session is untouched.
var ErrDuplicateSession = errors.New("duplicate session")

// Registry is the process-wide table of active calls keyed by call
// identifier. It is mutated only at session creation and termination,
// never during steady-state audio relay.
type Registry struct {
	mu    sync.RWMutex
	calls map[string]*types.Session
}

func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*types.Session)}
}

// Register inserts the session iff no live session holds the same call
// identifier. The check and insert are atomic.
func (r *Registry) Register(s *types.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[s.CallID]; exists {
		return ErrDuplicateSession
	}
	r.calls[s.CallID] = s
	return nil
}

func (r *Registry) Unregister(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

func (r *Registry) Get(callID string) (*types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.calls[callID]
	return s, ok
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

func (r *Registry) CallsInState(state types.CallState) []*types.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var calls []*types.Session
	for _, s := range r.calls {
		if s.State() == state {
			calls = append(calls, s)
		}
	}
	return calls
}
