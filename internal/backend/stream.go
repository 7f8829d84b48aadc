package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

const (
	// pongWait bounds how long the stream may stay silent before it is
	// considered dead. The backend answers pings, so silence means gone.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
	// maxFrame caps one event frame. Events carry file contents on tool
	// responses, so this is generous.
	maxFrame = 16 << 20
)

// ErrStreamClosed is returned by Stream.Next after Close.
var ErrStreamClosed = errors.New("event stream closed")

// Stream is a push subscription to one session's event log.
type Stream struct {
	conn    *websocket.Conn
	session string
	log     *zap.Logger
	done    chan struct{}
	once    sync.Once
	client  *Client
}

// Subscribe opens the session's push stream.
func (c *Client) Subscribe(ctx context.Context, name string) (*Stream, error) {
	wsURL, err := websocketURL(c.baseURL, sessionPath(name, "events", "stream"))
	if err != nil {
		return nil, &TransportError{Op: "stream", Err: err}
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, &TransportError{Op: "stream", Status: status, Err: err}
	}

	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &Stream{
		conn:    conn,
		session: name,
		log:     c.log.With(zap.String("session", name)),
		done:    make(chan struct{}),
		client:  c,
	}
	c.metrics.IncStreamConnections()
	go s.keepalive()

	s.log.Debug("Event stream connected", zap.String("url", wsURL))
	return s, nil
}

func websocketURL(base, path string) (string, error) {
	switch {
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + path, nil
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + path, nil
	default:
		return "", fmt.Errorf("unsupported backend url %q", base)
	}
}

func (s *Stream) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug("Event stream ping failed", zap.Error(err))
				return
			}
		}
	}
}

// Next blocks until the next event arrives. Every event is stamped with the
// stream's session name so stale deliveries can be detected downstream.
func (s *Stream) Next() (types.ServerEvent, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		select {
		case <-s.done:
			return types.ServerEvent{}, ErrStreamClosed
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return types.ServerEvent{}, ErrStreamClosed
		}
		return types.ServerEvent{}, &TransportError{Op: "stream", Err: err}
	}

	var ev types.ServerEvent
	if err := sonic.Unmarshal(data, &ev); err != nil {
		return types.ServerEvent{}, &TransportError{Op: "stream", Err: fmt.Errorf("decode event: %w", err)}
	}
	if ev.Session == "" {
		ev.Session = s.session
	}
	return ev, nil
}

// Run delivers events to handle until ctx is cancelled or the stream fails.
// It returns nil on cancellation or an orderly close.
func (s *Stream) Run(ctx context.Context, handle func(types.ServerEvent)) error {
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	for {
		ev, err := s.Next()
		if err != nil {
			if errors.Is(err, ErrStreamClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		handle(ev)
	}
}

// Close closes the connection. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = s.conn.Close()
		s.client.metrics.DecStreamConnections()
		s.log.Debug("Event stream closed")
	})
	return err
}
