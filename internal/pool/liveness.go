package pool

import "time"

type Liveness string

const (
	LivenessOK      Liveness = "ok"
	LivenessSuspect Liveness = "suspect"
	LivenessDead    Liveness = "dead"
)

type LivenessPolicy struct {
	DeadFailures     int
	DeadWindow       time.Duration
	RecoverSuccesses int
}

func DefaultLivenessPolicy() LivenessPolicy {
	return LivenessPolicy{
		DeadFailures:     3,
		DeadWindow:       30 * time.Second,
		RecoverSuccesses: 2,
	}
}

type LivenessState struct {
	Current              Liveness
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// NextLiveness folds one delivery outcome into the endpoint's liveness.
func NextLiveness(policy LivenessPolicy, state LivenessState, success bool, now time.Time) LivenessState {
	if state.Current == "" {
		state.Current = LivenessOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current == LivenessSuspect && state.ConsecutiveSuccesses >= policy.RecoverSuccesses {
			state.Current = LivenessOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case LivenessOK:
		state.Current = LivenessSuspect
		state.LastTransitionAt = now
	case LivenessSuspect:
		if now.Sub(state.LastTransitionAt) > policy.DeadWindow {
			// Stale failure window; count again from this one.
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= policy.DeadFailures {
			state.Current = LivenessDead
			state.LastTransitionAt = now
		}
	case LivenessDead:
	}
	return state
}
