package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/infrastructure/monitoring"
)

// InvokeHandler serves an invoke channel. Its result is serialized as the
// reply.
type InvokeHandler func(ctx context.Context, args []json.RawMessage) (interface{}, error)

// SendHandler serves a send channel.
type SendHandler func(args []json.RawMessage)

// Bus is the host side of the pipe.
type Bus struct {
	pipe      *Pipe
	whitelist Whitelist
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	onPanic   func(Name, interface{}, []byte)
	sender    Sender

	mu      sync.RWMutex
	invokes map[Name]InvokeHandler
	sends   map[Name]SendHandler
}

func newBus(p *Pipe, opts Options, logger *zap.Logger) *Bus {
	return &Bus{
		pipe:      p,
		whitelist: opts.Whitelist,
		logger:    logger.Named("host"),
		metrics:   opts.Metrics,
		onPanic:   opts.OnPanic,
		sender:    Sender{Process: "host", PID: os.Getpid()},
		invokes:   make(map[Name]InvokeHandler),
		sends:     make(map[Name]SendHandler),
	}
}

// Handle registers the handler of an invoke channel.
func (b *Bus) Handle(name Name, h InvokeHandler) error {
	if err := b.whitelist.Check(CategoryInvoke, name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invokes[name] = h
	return nil
}

// On registers the handler of a send channel.
func (b *Bus) On(name Name, h SendHandler) error {
	if err := b.whitelist.Check(CategorySend, name); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends[name] = h
	return nil
}

// Push delivers args to the UI's listeners on a receive channel.
func (b *Bus) Push(name Name, args ...interface{}) error {
	if err := b.whitelist.Check(CategoryReceive, name); err != nil {
		b.metrics.RecordChannelCall(string(CategoryReceive), "rejected")
		return err
	}
	env, err := newEnvelope(KindPush, name, args)
	if err != nil {
		return err
	}
	sender := b.sender
	env.Sender = &sender
	if err := b.pipe.write(context.Background(), b.pipe.toUI, env); err != nil {
		return err
	}
	b.metrics.RecordChannelCall(string(CategoryReceive), "ok")
	return nil
}

func (b *Bus) run() {
	for {
		select {
		case <-b.pipe.ctx.Done():
			return
		case data := <-b.pipe.toHost:
			b.dispatch(data)
		}
	}
}

func (b *Bus) dispatch(data []byte) {
	env, err := Decode(data)
	if err != nil {
		b.logger.Warn("Dropping malformed envelope", zap.Error(err))
		return
	}

	switch env.Kind {
	case KindSend:
		if err := b.whitelist.Check(CategorySend, env.Channel); err != nil {
			b.logger.Warn("Rejected send", zap.Error(err))
			return
		}
		b.mu.RLock()
		h := b.sends[env.Channel]
		b.mu.RUnlock()
		if h == nil {
			b.logger.Debug("No handler for send channel", zap.String("channel", string(env.Channel)))
			return
		}
		b.guard(env.Channel, func() { h(env.Args) })

	case KindInvoke:
		b.pipe.wg.Add(1)
		go func() {
			defer b.pipe.wg.Done()
			b.invoke(env)
		}()

	default:
		b.logger.Warn("Unexpected envelope kind on host side", zap.String("kind", string(env.Kind)))
	}
}

func (b *Bus) invoke(env Envelope) {
	reply := Envelope{ID: env.ID, Kind: KindReply, Channel: env.Channel}

	if err := b.whitelist.Check(CategoryInvoke, env.Channel); err != nil {
		reply.Error = err.Error()
	} else {
		b.mu.RLock()
		h := b.invokes[env.Channel]
		b.mu.RUnlock()

		if h == nil {
			reply.Error = fmt.Sprintf("no handler registered for %s", env.Channel)
		} else {
			var (
				result interface{}
				err    error
			)
			panicked := b.guard(env.Channel, func() { result, err = h(b.pipe.ctx, env.Args) })
			switch {
			case panicked:
				reply.Error = "internal error"
			case err != nil:
				reply.Error = err.Error()
			default:
				data, mErr := sonic.Marshal(result)
				if mErr != nil {
					reply.Error = fmt.Sprintf("encode result: %v", mErr)
				} else {
					reply.Result = data
				}
			}
		}
	}

	if err := b.pipe.write(b.pipe.ctx, b.pipe.toUI, reply); err != nil {
		b.logger.Debug("Could not deliver reply", zap.String("channel", string(env.Channel)), zap.Error(err))
	}
}

// guard runs fn and recovers a panic. It reports whether fn panicked.
func (b *Bus) guard(name Name, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			stack := debug.Stack()
			b.logger.Error("Handler panicked",
				zap.String("channel", string(name)),
				zap.Any("panic", r),
				zap.ByteString("stack", stack))
			if b.onPanic != nil {
				b.onPanic(name, r, stack)
			}
		}
	}()
	fn()
	return false
}
