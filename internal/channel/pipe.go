package channel

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
)

// ErrClosed is returned by calls made after the pipe is closed.
var ErrClosed = errors.New("channel closed")

const queueSize = 128

// Options configures a Pipe.
type Options struct {
	Whitelist Whitelist
	Logger    *zap.Logger
	Metrics   *monitoring.Metrics
	// OnPanic is told about a host handler that panicked. The handler's
	// goroutine recovers and keeps serving.
	OnPanic func(name Name, recovered interface{}, stack []byte)
}

// Pipe joins the host Bus and the UI API. Each direction is a queue of
// serialized envelopes drained by one dispatch goroutine.
type Pipe struct {
	bus *Bus
	api *API

	toHost chan []byte
	toUI   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts a pipe.
func New(opts Options) *Pipe {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("channel")

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipe{
		toHost: make(chan []byte, queueSize),
		toUI:   make(chan []byte, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.bus = newBus(p, opts, logger)
	p.api = newAPI(p, opts, logger)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.bus.run()
	}()
	go func() {
		defer p.wg.Done()
		p.api.run()
	}()
	return p
}

// Bus returns the host side.
func (p *Pipe) Bus() *Bus { return p.bus }

// API returns the UI side.
func (p *Pipe) API() *API { return p.api }

// Close stops both dispatchers and waits for in-flight handlers.
func (p *Pipe) Close() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}

func (p *Pipe) write(ctx context.Context, q chan<- []byte, env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case q <- data:
		return nil
	case <-p.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
