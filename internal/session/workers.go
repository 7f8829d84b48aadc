package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/backend"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

// Background calls. Each runs on its own goroutine and reports back with a
// message tagged by session name and generation.

// retryable stops the retry loop for errors a second attempt cannot fix.
func retryable(err error) error {
	if err == nil || backend.IsTemporary(err) {
		return err
	}
	return resilience.Permanent(err)
}

func (m *Machine) runCreate(ctx context.Context, name string, gen uint64, req CreateRequest) {
	err := resilience.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		return retryable(m.backend.CreateSession(ctx, name, req.Path, req.Agent))
	})
	m.post(createDone{name: name, gen: gen, err: err})
}

func (m *Machine) runStart(ctx context.Context, name string, gen uint64) {
	err := resilience.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		return retryable(m.backend.StartSession(ctx, name))
	})
	m.post(startDone{name: name, gen: gen, err: err})
}

func (m *Machine) runHealthCheck(ctx context.Context, name string, gen uint64) {
	var (
		cfg types.SessionConfig
		raw []byte
	)
	err := resilience.Retry(ctx, m.opts.Retry, func(ctx context.Context) error {
		var err error
		cfg, raw, err = m.backend.Config(ctx, name)
		return retryable(err)
	})
	m.post(configDone{name: name, gen: gen, health: true, config: cfg, raw: raw, err: err})
}

func (m *Machine) runPoll(ctx context.Context, name string, gen uint64) {
	var (
		cfg types.SessionConfig
		raw []byte
	)
	err := m.breaker.Execute(func() error {
		var err error
		cfg, raw, err = m.backend.Config(ctx, name)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		m.metrics.RecordReconcile("skipped")
	}
	m.post(configDone{name: name, gen: gen, config: cfg, raw: raw, err: err})
}

// runStream keeps an event subscription open for the session until ctx ends.
// After each (re)connect the full event log is fetched once so nothing pushed
// while disconnected is lost; duplicates are dropped by event id.
func (m *Machine) runStream(ctx context.Context, name string) {
	minWait, maxWait := m.opts.Retry.MinWait, m.opts.Retry.MaxWait
	if minWait <= 0 {
		minWait = 100 * time.Millisecond
	}
	if maxWait < minWait {
		maxWait = minWait
	}
	wait := minWait

	for ctx.Err() == nil {
		stream, err := m.backend.Subscribe(ctx, name)
		if err == nil {
			m.catchUp(ctx, name)
			err = stream.Run(ctx, func(ev types.ServerEvent) {
				m.post(eventMsg{ev: ev})
			})
			stream.Close()
			wait = minWait
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Debug("Event stream disconnected", zap.String("session", name), zap.Error(err), zap.Duration("retry_in", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		wait *= 2
		if wait > maxWait {
			wait = maxWait
		}
	}
}

func (m *Machine) catchUp(ctx context.Context, name string) {
	evs, err := m.backend.Events(ctx, name)
	if err != nil {
		m.logger.Debug("Event catch-up failed", zap.String("session", name), zap.Error(err))
		return
	}
	for _, ev := range evs {
		ev.Session = name
		if !m.post(eventMsg{ev: ev}) {
			return
		}
	}
}

// configDigest is the hash of the canonical JSON form of a config payload.
// Payloads that cannot be canonicalized hash as-is.
func configDigest(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		canonical = raw
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
