package socketio

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/zishang520/socket.io-client-go/socket"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/tracker"
)

// Emitter is the part of a socket.io client the sink needs.
type Emitter interface {
	Emit(ev string, args ...any) error
}

// Sink forwards tracker events to a socket.io server as "transition" and
// "snapshot" events with JSON object payloads.
type Sink struct {
	emitter Emitter
	logger  *slog.Logger
	closer  func()
}

// NewSink wraps an already connected emitter.
func NewSink(ctx context.Context, e Emitter) *Sink {
	return &Sink{emitter: e, logger: ctxlog.FromContext(ctx).With("component", "socketio-sink")}
}

// DialSink connects to the server and returns a sink that owns the
// connection.
func DialSink(ctx context.Context, o Options) (*Sink, error) {
	io, err := Dial(ctx, o)
	if err != nil {
		return nil, err
	}
	s := NewSink(ctx, socketEmitter{io})
	s.closer = func() { io.Disconnect() }
	return s, nil
}

func (s *Sink) Transition(tr tracker.Transition) {
	s.emit("transition", tr)
}

func (s *Sink) Snapshot(snap *tracker.Snapshot) {
	s.emit("snapshot", snap)
}

// Close disconnects a sink created by DialSink.
func (s *Sink) Close() {
	if s.closer != nil {
		s.closer()
	}
}

func (s *Sink) emit(event string, v any) {
	payload, err := toPayload(v)
	if err != nil {
		s.logger.Error("Failed to encode event payload", "event", event, "error", err)
		return
	}
	if err := s.emitter.Emit(event, payload); err != nil {
		s.logger.Warn("Failed to emit event", "event", event, "error", err)
	}
}

// toPayload turns a struct into the generic map form the socket.io parser
// serializes, keeping the JSON field names.
func toPayload(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type socketEmitter struct {
	io *socket.Socket
}

func (e socketEmitter) Emit(ev string, args ...any) error {
	return e.io.Emit(ev, args...)
}
