package channel

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
)

type listener struct {
	id int
	fn func(args ...json.RawMessage)
}

// API is the UI side of the pipe. Every call is checked against the
// whitelist before anything is delivered.
type API struct {
	pipe      *Pipe
	whitelist Whitelist
	logger    *zap.Logger
	metrics   *monitoring.Metrics

	mu        sync.Mutex
	pending   map[string]chan Envelope
	listeners map[Name][]listener
	nextID    int
}

func newAPI(p *Pipe, opts Options, logger *zap.Logger) *API {
	return &API{
		pipe:      p,
		whitelist: opts.Whitelist,
		logger:    logger.Named("ui"),
		metrics:   opts.Metrics,
		pending:   make(map[string]chan Envelope),
		listeners: make(map[Name][]listener),
	}
}

func (a *API) check(cat Category, name Name) error {
	if err := a.whitelist.Check(cat, name); err != nil {
		a.metrics.RecordChannelCall(string(cat), "rejected")
		return err
	}
	return nil
}

// Send posts a fire-and-forget message to the host.
func (a *API) Send(name Name, data ...interface{}) error {
	if err := a.check(CategorySend, name); err != nil {
		return err
	}
	env, err := newEnvelope(KindSend, name, data)
	if err != nil {
		return err
	}
	if err := a.pipe.write(context.Background(), a.pipe.toHost, env); err != nil {
		a.metrics.RecordChannelCall(string(CategorySend), "error")
		return err
	}
	a.metrics.RecordChannelCall(string(CategorySend), "ok")
	return nil
}

// Invoke calls a host handler and waits for its reply.
func (a *API) Invoke(ctx context.Context, name Name, data ...interface{}) (json.RawMessage, error) {
	if err := a.check(CategoryInvoke, name); err != nil {
		return nil, err
	}
	env, err := newEnvelope(KindInvoke, name, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan Envelope, 1)
	a.mu.Lock()
	a.pending[env.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, env.ID)
		a.mu.Unlock()
	}()

	if err := a.pipe.write(ctx, a.pipe.toHost, env); err != nil {
		a.metrics.RecordChannelCall(string(CategoryInvoke), "error")
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			a.metrics.RecordChannelCall(string(CategoryInvoke), "error")
			return nil, &RemoteError{Channel: name, Message: reply.Error}
		}
		a.metrics.RecordChannelCall(string(CategoryInvoke), "ok")
		return reply.Result, nil
	case <-ctx.Done():
		a.metrics.RecordChannelCall(string(CategoryInvoke), "error")
		return nil, ctx.Err()
	case <-a.pipe.ctx.Done():
		return nil, ErrClosed
	}
}

// Receive subscribes fn to pushes on a receive channel. fn gets the pushed
// arguments only. Pushes are delivered in order on the UI dispatch goroutine.
func (a *API) Receive(name Name, fn func(args ...json.RawMessage)) (func(), error) {
	if err := a.check(CategoryReceive, name); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[name] = append(a.listeners[name], listener{id: id, fn: fn})
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			ls := a.listeners[name]
			for i, l := range ls {
				if l.id == id {
					a.listeners[name] = append(ls[:i:i], ls[i+1:]...)
					break
				}
			}
		})
	}, nil
}

// RemoveAllListeners drops every subscriber of a receive channel.
func (a *API) RemoveAllListeners(name Name) error {
	if err := a.check(CategoryReceive, name); err != nil {
		return err
	}
	a.mu.Lock()
	delete(a.listeners, name)
	a.mu.Unlock()
	return nil
}

func (a *API) run() {
	for {
		select {
		case <-a.pipe.ctx.Done():
			return
		case data := <-a.pipe.toUI:
			a.dispatch(data)
		}
	}
}

func (a *API) dispatch(data []byte) {
	env, err := Decode(data)
	if err != nil {
		a.logger.Warn("Dropping malformed envelope", zap.Error(err))
		return
	}

	switch env.Kind {
	case KindReply:
		a.mu.Lock()
		ch := a.pending[env.ID]
		a.mu.Unlock()
		if ch != nil {
			ch <- env
		}

	case KindPush:
		if err := a.whitelist.Check(CategoryReceive, env.Channel); err != nil {
			a.logger.Warn("Rejected push", zap.Error(err))
			return
		}
		// The sender is host plumbing; listeners only see the arguments.
		env.Sender = nil

		a.mu.Lock()
		ls := append([]listener(nil), a.listeners[env.Channel]...)
		a.mu.Unlock()
		for _, l := range ls {
			l.fn(env.Args...)
		}

	default:
		a.logger.Warn("Unexpected envelope kind on UI side", zap.String("kind", string(env.Kind)))
	}
}
