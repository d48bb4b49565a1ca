// Package connectivity tracks whether the API is reachable and signals when
// it comes back.
package connectivity

import (
	"time"

	"github.com/g960059/sduisync/internal/config"
	"github.com/g960059/sduisync/internal/transport"
)

type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthDown     Health = "down"
)

// Outcome is what one request says about reachability.
type Outcome int

const (
	// OutcomeIgnored carries no signal: the caller gave up first.
	OutcomeIgnored Outcome = iota
	// OutcomeReachable is any server answer, error statuses included.
	OutcomeReachable
	// OutcomeUnreachable is a timeout or network failure.
	OutcomeUnreachable
)

// OutcomeOf classifies a transport result.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeReachable
	case transport.IsCancelled(err):
		return OutcomeIgnored
	case transport.IsConnectivity(err):
		return OutcomeUnreachable
	default:
		return OutcomeReachable
	}
}

// Policy holds the thresholds of the health state machine.
type Policy struct {
	// DownAfter unreachable outcomes inside Window move degraded to down.
	DownAfter int
	Window    time.Duration
	// RecoverAfter reachable outcomes in a row bring degraded or down back.
	RecoverAfter int
}

func PolicyFrom(cfg config.Config) Policy {
	return Policy{DownAfter: cfg.DownFailures, Window: cfg.DownWindow, RecoverAfter: cfg.RecoverSuccesses}
}

type HealthState struct {
	Current              Health
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

// Online reports whether writes should be attempted directly.
func (s HealthState) Online() bool {
	return s.Current == "" || s.Current == HealthOK
}

// Apply folds one outcome into the state. The zero state is ok.
func (s HealthState) Apply(p Policy, o Outcome, now time.Time) HealthState {
	if s.Current == "" {
		s.Current = HealthOK
		s.LastTransitionAt = now
	}
	switch o {
	case OutcomeReachable:
		return s.reachable(p, now)
	case OutcomeUnreachable:
		return s.unreachable(p, now)
	default:
		return s
	}
}

func (s HealthState) reachable(p Policy, now time.Time) HealthState {
	s.ConsecutiveFailures = 0
	s.ConsecutiveSuccesses++
	if !s.Online() && s.ConsecutiveSuccesses >= p.RecoverAfter {
		s = s.moveTo(HealthOK, now)
	}
	return s
}

func (s HealthState) unreachable(p Policy, now time.Time) HealthState {
	s.ConsecutiveSuccesses = 0
	s.ConsecutiveFailures++
	switch s.Current {
	case HealthOK:
		return s.moveTo(HealthDegraded, now)
	case HealthDegraded:
		if p.Window > 0 && now.Sub(s.LastTransitionAt) > p.Window {
			// failures too far apart; start counting again
			s.ConsecutiveFailures = 1
			s.LastTransitionAt = now
			return s
		}
		if s.ConsecutiveFailures >= p.DownAfter {
			return s.moveTo(HealthDown, now)
		}
	}
	return s
}

func (s HealthState) moveTo(h Health, now time.Time) HealthState {
	s.Current = h
	s.LastTransitionAt = now
	return s
}
