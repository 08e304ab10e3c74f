package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vertextoedge/installer-fetch/internal/domain"
)

// Outcome classifies the result of one attempt.
type Outcome int

const (
	Success Outcome = iota
	Retryable
	Terminal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Default policy values
const (
	DefaultMaxAttempts  = 5
	DefaultInitialDelay = 3 * time.Second
	DefaultFactor       = 2.0
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	// MaxDelay caps the backoff. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultPolicy returns the policy used for installer downloads.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  DefaultMaxAttempts,
		InitialDelay: DefaultInitialDelay,
		Factor:       DefaultFactor,
	}
}

// State is the retry bookkeeping of a single operation. It is a plain value;
// each operation owns its own copy.
type State struct {
	// Attempt is the number of failed attempts so far.
	Attempt     int
	Delay       time.Duration
	MaxAttempts int
}

// Decision is what to do after an attempt.
type Decision struct {
	Retry     bool
	Delay     time.Duration
	Exhausted bool
}

// Start returns the state before the first attempt.
func (p Policy) Start() State {
	p = p.normalized()
	return State{
		Attempt:     0,
		Delay:       p.InitialDelay,
		MaxAttempts: p.MaxAttempts,
	}
}

// Next decides whether to retry after an attempt with the given outcome and
// returns the updated state. Success resets the state, terminal outcomes
// abort immediately, retryable ones retry while attempts remain and grow the
// delay by Factor after each failure.
func (p Policy) Next(s State, outcome Outcome) (Decision, State) {
	p = p.normalized()

	switch outcome {
	case Success:
		return Decision{}, p.Start()
	case Terminal:
		return Decision{}, s
	}

	failed := s.Attempt + 1
	if failed >= s.MaxAttempts {
		return Decision{Exhausted: true}, State{Attempt: failed, Delay: s.Delay, MaxAttempts: s.MaxAttempts}
	}

	next := time.Duration(float64(s.Delay) * p.Factor)
	if next <= s.Delay {
		next = s.Delay + 1
	}
	if p.MaxDelay > 0 && next > p.MaxDelay {
		next = p.MaxDelay
	}

	return Decision{Retry: true, Delay: s.Delay}, State{Attempt: failed, Delay: next, MaxAttempts: s.MaxAttempts}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay < 0 {
		p.InitialDelay = 0
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	return p
}

// Classify maps an attempt error to an Outcome.
// Transport failures, timeouts, dropped streams, HTTP 429/5xx and
// RetryableError are retryable. Cancellation and everything else is terminal.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.Canceled) {
		return Terminal
	}
	if domain.IsRetryable(err) {
		return Retryable
	}

	var se *domain.StatusError
	if errors.As(err, &se) {
		return Terminal
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	return Terminal
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails terminally or the attempts run out.
// A server-supplied Retry-After longer than the backoff delay wins.
// It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, sleep Sleeper, fn func(ctx context.Context, attempt int) error) (int, error) {
	if sleep == nil {
		sleep = Sleep
	}

	state := p.Start()
	for {
		if err := ctx.Err(); err != nil {
			return state.Attempt, domain.ErrCancelled
		}

		attempt := state.Attempt + 1
		err := fn(ctx, attempt)

		outcome := Classify(err)
		if outcome == Retryable && ctx.Err() != nil {
			return attempt, domain.ErrCancelled
		}

		decision, next := p.Next(state, outcome)
		switch {
		case outcome == Success:
			return attempt, nil
		case decision.Exhausted:
			return attempt, fmt.Errorf("%w after %d attempts: %w", domain.ErrRetriesExhausted, attempt, err)
		case !decision.Retry:
			return attempt, err
		}

		delay := decision.Delay
		if after, ok := domain.GetRetryAfter(err); ok && after > delay {
			delay = after
		}
		if err := sleep(ctx, delay); err != nil {
			return attempt, domain.ErrCancelled
		}
		state = next
	}
}
