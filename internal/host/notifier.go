package host

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/channel"
)

// Notifier shows a blocking notice to the user.
type Notifier interface {
	Notify(title, message string)
}

// WriterNotifier prints notices to a writer, usually stderr.
type WriterNotifier struct {
	mu sync.Mutex
	W  io.Writer
}

// Notify writes the notice.
func (n *WriterNotifier) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fmt.Fprintf(n.W, "%s\n\n%s\n", title, message)
}

// PanicReporter builds the channel's OnPanic hook: the full stack goes to the
// log and into the notice shown to the user. The panicking handler is
// recovered by the channel and the host keeps serving.
func PanicReporter(logger *zap.Logger, notifier Notifier) func(channel.Name, interface{}, []byte) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(name channel.Name, recovered interface{}, stack []byte) {
		logger.Error("Uncaught exception",
			zap.String("channel", string(name)),
			zap.Any("panic", recovered),
			zap.ByteString("stack", stack))
		if notifier != nil {
			notifier.Notify("An error occurred", panicNotice(string(name), recovered, stack))
		}
	}
}

// panicNotice is the notice body: what panicked, then the stack.
func panicNotice(where string, recovered interface{}, stack []byte) string {
	return fmt.Sprintf("%s: %v\n\n%s", where, recovered, stack)
}
