package channel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"channelgate/internal/clock"
	"channelgate/internal/models"
	"channelgate/internal/retry"
)

var ErrInvalidTransition = errors.New("invalid connection state transition")

var transitions = map[models.ConnectionStatus][]models.ConnectionStatus{
	models.StatusDisconnected: {models.StatusConnecting},
	models.StatusConnecting:   {models.StatusConnected, models.StatusError, models.StatusDisconnected},
	models.StatusConnected:    {models.StatusDisconnected, models.StatusError},
	models.StatusError:        {models.StatusConnecting, models.StatusDisconnected},
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to models.ConnectionStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// RetryDecision is the outcome of ScheduleRetry.
type RetryDecision struct {
	Scheduled bool
	Exhausted bool
	Stale     bool
	Delay     time.Duration
	Attempt   int
}

// StateMachine tracks connection state and owns the reconnect timer. The
// generation counter is the cancel token: Invalidate bumps it and every
// callback created under an older generation becomes a no-op.
type StateMachine struct {
	mu         sync.Mutex
	state      models.ConnectionStatus
	policy     *retry.Policy
	clock      clock.Clock
	timer      clock.Timer
	generation uint64
}

func NewStateMachine(policy *retry.Policy, clk clock.Clock) *StateMachine {
	return &StateMachine{
		state:  models.StatusDisconnected,
		policy: policy,
		clock:  clk,
	}
}

func (s *StateMachine) State() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves to the given state. Re-entering the current state is a
// no-op reported by changed=false.
func (s *StateMachine) Transition(to models.ConnectionStatus) (from models.ConnectionStatus, changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from = s.state
	if from == to {
		return from, false, nil
	}
	if !CanTransition(from, to) {
		return from, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	return from, true, nil
}

func (s *StateMachine) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Invalidate cancels the pending reconnect timer and starts a new generation.
func (s *StateMachine) Invalidate() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	s.stopTimerLocked()
	return s.generation
}

// ScheduleRetry consumes one attempt from the policy and arms a timer that
// runs fn. Nothing is scheduled when gen is stale or the policy is exhausted.
func (s *StateMachine) ScheduleRetry(gen uint64, fn func()) RetryDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return RetryDecision{Stale: true}
	}
	delay, attempt, ok := s.policy.Next()
	if !ok {
		return RetryDecision{Exhausted: true, Attempt: attempt}
	}
	s.stopTimerLocked()
	var t clock.Timer
	t = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timer == t {
			s.timer = nil
		}
		s.mu.Unlock()
		fn()
	})
	s.timer = t
	return RetryDecision{Scheduled: true, Delay: delay, Attempt: attempt}
}

// RetryPending reports whether a reconnect timer is armed.
func (s *StateMachine) RetryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *StateMachine) ResetAttempts() { s.policy.Reset() }

func (s *StateMachine) Attempts() int { return s.policy.Attempts() }

func (s *StateMachine) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
