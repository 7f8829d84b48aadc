package events

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/desktop/internal/shared/types"
)

// modelResponse is the JSON document carried, string-encoded, by a
// ModelResponse event.
type modelResponse struct {
	Thought string `json:"thought"`
	Action  string `json:"action"`
	Output  string `json:"output"`
}

// toolCall is the object content of ToolRequest and ShellRequest events.
type toolCall struct {
	Toolname   string          `json:"toolname"`
	Args       json.RawMessage `json:"args"`
	RawCommand string          `json:"raw_command"`
}

// Normalizer turns backend events into an ordered, append-only message log.
// It does no de-duplication; callers feed it each event exactly once, in
// event id order. Not safe for concurrent use.
type Normalizer struct {
	log     []types.Message
	anchors map[int]int
	logger  *zap.Logger
}

// New returns an empty normalizer.
func New(logger *zap.Logger) *Normalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		anchors: make(map[int]int),
		logger:  logger.Named("events"),
	}
}

// Apply maps one event to zero or more messages, appends them, and returns
// the appended messages.
func (n *Normalizer) Apply(ev types.ServerEvent) []types.Message {
	msgs := n.translate(ev)
	for _, m := range msgs {
		if m.Kind == types.MessageCheckpoint && m.CheckpointID != nil {
			n.anchors[*m.CheckpointID] = len(n.log)
		}
		n.log = append(n.log, m)
	}
	return msgs
}

func (n *Normalizer) translate(ev types.ServerEvent) []types.Message {
	msg := func(kind types.MessageKind, text string) types.Message {
		return types.Message{Kind: kind, Text: text, EventID: ev.EventID}
	}

	switch ev.Type {
	case types.EventModelResponse:
		var resp modelResponse
		if err := sonic.Unmarshal([]byte(ev.Text()), &resp); err != nil {
			n.logger.Debug("Unparseable model response", zap.Int64("event_id", ev.EventID), zap.Error(err))
			return []types.Message{msg(types.MessageAgent, ev.Text())}
		}
		var out []types.Message
		if resp.Thought != "" {
			out = append(out, msg(types.MessageThought, resp.Thought))
		}
		if resp.Output != "" {
			out = append(out, msg(types.MessageAgent, resp.Output))
		}
		return out

	case types.EventToolRequest:
		return []types.Message{msg(types.MessageCommand, commandText(ev))}
	case types.EventToolResponse:
		return []types.Message{msg(types.MessageTool, ev.Text())}
	case types.EventTask:
		return []types.Message{msg(types.MessageTask, ev.Text())}
	case types.EventUserRequest:
		return []types.Message{msg(types.MessageUser, ev.Text())}
	case types.EventError:
		return []types.Message{msg(types.MessageError, ev.Text())}
	case types.EventStop:
		if ev.Field("type") == "error" {
			text := ev.Field("message")
			if text == "" {
				text = ev.Text()
			}
			return []types.Message{msg(types.MessageError, text)}
		}
		return nil
	case types.EventShellRequest:
		return []types.Message{msg(types.MessageShellCommand, commandText(ev))}
	case types.EventShellResponse:
		return []types.Message{msg(types.MessageShellResponse, ev.Text())}
	case types.EventRateLimit:
		return []types.Message{msg(types.MessageRateLimit, ev.Text())}
	case types.EventCheckpoint:
		id, ok := CheckpointID(ev)
		if !ok {
			n.logger.Debug("Checkpoint event without id", zap.Int64("event_id", ev.EventID))
			return nil
		}
		m := msg(types.MessageCheckpoint, strconv.Itoa(id))
		m.CheckpointID = &id
		return []types.Message{m}

	case types.EventModelRequest, types.EventUserResponse, types.EventInterrupt,
		types.EventGitInit, types.EventGitError, types.EventGitResolve, types.EventGitMerge,
		types.EventEnvironmentRequest, types.EventEnvironmentResponse:
		return nil

	default:
		n.logger.Debug("Ignoring unknown event type",
			zap.String("type", string(ev.Type)),
			zap.Int64("event_id", ev.EventID))
		return nil
	}
}

// commandText prefers the raw command line of a tool call.
func commandText(ev types.ServerEvent) string {
	var call toolCall
	if err := sonic.Unmarshal(ev.Content, &call); err != nil {
		return ev.Text()
	}
	switch {
	case call.RawCommand != "":
		return call.RawCommand
	case call.Toolname != "":
		var args []string
		_ = sonic.Unmarshal(call.Args, &args)
		return strings.TrimSpace(call.Toolname + " " + strings.Join(args, " "))
	default:
		return ev.Text()
	}
}

// CheckpointID extracts the checkpoint id carried by a Checkpoint event. The
// backend sends it as a bare number, older builds as a string.
func CheckpointID(ev types.ServerEvent) (int, bool) {
	var id int
	if err := sonic.Unmarshal(ev.Content, &id); err == nil {
		return id, true
	}
	if v, err := strconv.Atoi(strings.TrimSpace(ev.Text())); err == nil {
		return v, true
	}
	return 0, false
}

// Anchor returns the log index of the checkpoint's entry.
func (n *Normalizer) Anchor(checkpointID int) (int, bool) {
	i, ok := n.anchors[checkpointID]
	return i, ok
}

// Messages returns a copy of the log.
func (n *Normalizer) Messages() []types.Message {
	return append([]types.Message(nil), n.log...)
}

// Len returns the number of messages in the log.
func (n *Normalizer) Len() int {
	return len(n.log)
}

// TruncateAfter drops every message produced by an event with id above
// eventID. Used when a revert rewinds the backend's event log.
func (n *Normalizer) TruncateAfter(eventID int64) {
	cut := len(n.log)
	for i, m := range n.log {
		if m.EventID > eventID {
			cut = i
			break
		}
	}
	n.log = n.log[:cut]
	for id, idx := range n.anchors {
		if idx >= cut {
			delete(n.anchors, id)
		}
	}
}

// Reset empties the log.
func (n *Normalizer) Reset() {
	n.log = nil
	n.anchors = make(map[int]int)
}
