/*
Package resilience provides the failure budgets used when talking to the agent backend.

# Overview

Two tools live here. Retry bounds the calls that must succeed for a session
to start (create, init, first config fetch): it retries with exponential
backoff and gives up with ErrBudgetExhausted. Breaker guards the steady-state
reconciliation poll: after repeated failures it opens and the poller skips
ticks instead of issuing a request every interval.

# Usage

	err := resilience.Retry(ctx, resilience.DefaultPolicy(), func(ctx context.Context) error {
		return client.CreateSession(ctx, name, req)
	})

	breaker := resilience.New("session-poll", resilience.Settings{
		Threshold: 3,
		Cooldown:  5 * time.Second,
	})
	err = breaker.Execute(func() error {
		cfg, _, err = client.Config(ctx, name)
		return err
	})

# States

Closed lets every call through. Threshold consecutive failures open the
breaker, and calls fail fast with ErrCircuitOpen. Once Cooldown has passed,
one probe call is let through while the rest get ErrTooManyRequests. The
probe's outcome closes the breaker or opens it again.

	Closed --[threshold failures]--> Open --[cooldown]--> Probing
	   ^                               ^                     |
	   |                               +------[failure]------+
	   +---------------------[success]-----------------------+
*/
package resilience
