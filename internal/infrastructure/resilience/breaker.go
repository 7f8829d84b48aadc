package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned while the breaker is cooling down.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests is returned while the single recovery probe is out.
	ErrTooManyRequests = errors.New("too many requests")
)

// State of a Breaker.
type State int

const (
	StateClosed State = iota
	StateProbing
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateProbing:
		return "probing"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

// Settings tunes a Breaker. Zero values take the defaults.
type Settings struct {
	// Threshold is how many consecutive failures open the breaker. Default 3.
	Threshold int
	// Cooldown is how long the breaker stays open before one probe may pass.
	// Default 10s.
	Cooldown time.Duration
	// OnStateChange is called after each transition, outside the lock.
	OnStateChange func(name string, from, to State)
	// Now overrides the clock, for tests
	Now func() time.Time
}

// Breaker stops hammering a backend that keeps failing. The session poller
// wraps each reconciliation fetch in Execute so a dead backend costs one
// probe per Cooldown instead of one request per tick.
type Breaker struct {
	name     string
	settings Settings

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	// epoch changes on Reset so results of calls started before it are
	// dropped.
	epoch uint64
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.Threshold <= 0 {
		settings.Threshold = 3
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 10 * time.Second
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Breaker{name: name, settings: settings}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open breaker whose cooldown is over
// still reports open until a call takes the probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Execute runs fn if the breaker lets it through and records the outcome.
// Cancellation says nothing about the backend and is not recorded.
func (b *Breaker) Execute(fn func() error) error {
	epoch, err := b.admit()
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			b.record(epoch, errors.New("panic"))
		}
	}()
	err = fn()
	completed = true

	if errors.Is(err, context.Canceled) {
		b.abandon(epoch)
		return err
	}
	b.record(epoch, err)
	return err
}

// Reset closes the breaker and forgets failures, e.g. for a new session.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.epoch++
	b.failures = 0
	notify := b.transition(StateClosed)
	b.mu.Unlock()
	notify()
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	notify := func() {}
	var err error
	switch b.state {
	case StateProbing:
		err = ErrTooManyRequests
	case StateOpen:
		if b.settings.Now().Sub(b.openedAt) < b.settings.Cooldown {
			err = ErrCircuitOpen
		} else {
			notify = b.transition(StateProbing)
		}
	}
	epoch := b.epoch
	b.mu.Unlock()
	notify()
	return epoch, err
}

func (b *Breaker) record(epoch uint64, err error) {
	b.mu.Lock()
	if epoch != b.epoch {
		b.mu.Unlock()
		return
	}

	next := b.state
	if err == nil {
		b.failures = 0
		next = StateClosed
	} else {
		b.failures++
		if b.state == StateProbing || b.failures >= b.settings.Threshold {
			next = StateOpen
			b.openedAt = b.settings.Now()
		}
	}
	notify := b.transition(next)
	b.mu.Unlock()
	notify()
}

// abandon returns the probe slot of a cancelled call.
func (b *Breaker) abandon(epoch uint64) {
	b.mu.Lock()
	if epoch != b.epoch || b.state != StateProbing {
		b.mu.Unlock()
		return
	}
	notify := b.transition(StateOpen)
	b.mu.Unlock()
	notify()
}

// transition sets the state and returns the callback to run once the lock
// is released.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	if b.settings.OnStateChange == nil {
		return func() {}
	}
	return func() { b.settings.OnStateChange(b.name, from, to) }
}
