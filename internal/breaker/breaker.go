// Package breaker implements a circuit breaker guarding the remote mail
// source. After a run of consecutive retryable failures the circuit opens
// and callers fail fast without a network call; after a cooldown it admits
// trial probes and closes again once enough probes succeed.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by callers that consult Allow and find the circuit
// open. It is classified as transient: the request may succeed once the
// circuit half-opens.
var ErrOpen = errors.New("circuit breaker is open")

// Phase is the breaker state machine phase.
type Phase int

const (
	// Closed admits all requests.
	Closed Phase = iota

	// Open rejects all requests until the cooldown elapses.
	Open

	// HalfOpen admits trial probes while deciding whether to close.
	HalfOpen
)

// String returns the phase name for logging.
func (p Phase) String() string {
	switch p {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// FailureClass distinguishes failures that indicate an unhealthy dependency
// from failures that are the caller's (or the record's) own fault.
type FailureClass int

const (
	// Retryable covers timeouts, 5xx responses, and explicit
	// rate-limit-exceeded responses. Only these count toward opening
	// the circuit.
	Retryable FailureClass = iota

	// Permanent covers not-found and permission errors. They say nothing
	// about the dependency's health and never trip the breaker.
	Permanent
)

// Breaker is the circuit breaker state machine. All methods are safe for
// concurrent use; a single instance is shared by every worker of a run.
type Breaker struct {
	mu sync.Mutex

	phase               Phase
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time

	threshold       int
	cooldown        time.Duration
	successesNeeded int

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a closed Breaker. threshold is the consecutive retryable
// failure count that opens the circuit, cooldown is how long it stays open,
// and successesNeeded is how many consecutive half-open probes must succeed
// to close it again.
func New(threshold int, cooldown time.Duration, successesNeeded int) *Breaker {
	if successesNeeded < 1 {
		successesNeeded = 1
	}
	return &Breaker{
		phase:           Closed,
		threshold:       threshold,
		cooldown:        cooldown,
		successesNeeded: successesNeeded,
		now:             time.Now,
	}
}

// Allow reports whether a request may be dispatched. It must be consulted
// before every batch dispatch; when it returns false the caller fails fast
// with ErrOpen and makes no network call. An open circuit whose cooldown
// has elapsed transitions to half-open here, admitting the probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.phase = HalfOpen
			b.halfOpenSuccesses = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful request. In the half-open phase it counts
// toward the probes needed to close the circuit; in the closed phase it
// resets the consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case Closed:
		b.consecutiveFailures = 0
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.successesNeeded {
			b.phase = Closed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure notes a failed request of the given class. Permanent
// failures never move the state machine. A retryable failure opens the
// circuit when the consecutive count reaches the threshold, and a failed
// half-open probe reopens it immediately.
func (b *Breaker) RecordFailure(class FailureClass) {
	if class != Retryable {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.phase = Open
			b.openedAt = b.now()
		}
	case HalfOpen:
		b.phase = Open
		b.openedAt = b.now()
		b.consecutiveFailures = b.threshold
		b.halfOpenSuccesses = 0
	}
}

// RetryAfter reports how long until an open circuit will admit a probe.
// Zero when the circuit is not open. Callers use this to pause dispatch for
// the cooldown instead of polling Allow.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.phase != Open {
		return 0
	}
	remaining := b.cooldown - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Phase returns the current phase.
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}
