package api

import (
	"sync"
)

// OfflineSignal is the escalation target for a client whose retry budget is
// exhausted. Once triggered, the client should stop trusting its local queue
// and resynchronize before accepting further edits.
type OfflineSignal interface {
	TriggerOfflineMode(reason string)
	ClearOfflineMode()
}

// OfflineState is the default OfflineSignal: a process-wide flag with an
// optional change callback so a UI can show a "you are offline" state.
type OfflineState struct {
	mu       sync.Mutex
	offline  bool
	reason   string
	onChange func(offline bool, reason string)
}

var _ OfflineSignal = (*OfflineState)(nil)

// NewOfflineState creates an OfflineState. onChange may be nil; when set it
// is invoked on every transition (not on repeated triggers in the same
// state).
func NewOfflineState(onChange func(offline bool, reason string)) *OfflineState {
	return &OfflineState{onChange: onChange}
}

func (s *OfflineState) TriggerOfflineMode(reason string) {
	s.mu.Lock()
	changed := !s.offline
	s.offline = true
	s.reason = reason
	cb := s.onChange
	s.mu.Unlock()

	if changed && cb != nil {
		cb(true, reason)
	}
}

func (s *OfflineState) ClearOfflineMode() {
	s.mu.Lock()
	changed := s.offline
	s.offline = false
	s.reason = ""
	cb := s.onChange
	s.mu.Unlock()

	if changed && cb != nil {
		cb(false, "")
	}
}

// Offline reports whether the process is currently in offline mode.
func (s *OfflineState) Offline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offline
}

// Reason returns the reason recorded by the last TriggerOfflineMode call,
// or "" when online.
func (s *OfflineState) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}
