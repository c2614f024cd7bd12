// Package socketio provides the socketio/emit action, which sends one event
// to a socket.io server and optionally waits for a reply event.
package socketio

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zishang520/engine.io/v2/types"

	"github.com/vk/burstci/internal/ctxlog"
	"github.com/vk/burstci/internal/registry"
	"github.com/vk/burstci/internal/socketio"
)

// Module implements the registry.Module interface for this package.
type Module struct{}

// Input defines the arguments for socketio/emit. Data is sent as parsed
// JSON when it is valid JSON, otherwise as a plain string.
type Input struct {
	URL                string `with:"url,required"`
	Namespace          string `with:"namespace" default:"/"`
	Event              string `with:"event,required"`
	Data               string `with:"data"`
	WaitFor            string `with:"wait-for"`
	Timeout            string `with:"timeout" default:"10s"`
	InsecureSkipVerify bool   `with:"insecure-skip-verify" default:"false"`
}

func payload(data string) any {
	if data == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(data), &v); err == nil {
		return v
	}
	return data
}

// Emit connects, emits the event and, when WaitFor is set, returns the
// first argument of the reply event as the `response` output.
func Emit(ctx context.Context, inv *registry.Invocation) (*registry.Result, error) {
	var in Input
	if err := inv.Decode(&in); err != nil {
		return nil, err
	}
	timeout, err := time.ParseDuration(in.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timeout: %w", err)
	}
	logger := ctxlog.FromContext(ctx).With("action", "socketio/emit", "url", in.URL, "event", in.Event)

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	io, err := socketio.Dial(opCtx, socketio.Options{URL: in.URL, Namespace: in.Namespace, InsecureSkipVerify: in.InsecureSkipVerify})
	if err != nil {
		return nil, err
	}
	defer io.Disconnect()

	replies := make(chan any, 1)
	if in.WaitFor != "" {
		io.Once(types.EventName(in.WaitFor), func(data ...any) {
			var first any
			if len(data) > 0 {
				first = data[0]
			}
			select {
			case replies <- first:
			default:
			}
		})
	}

	args := []any{}
	if p := payload(in.Data); p != nil {
		args = append(args, p)
	}
	if err := io.Emit(in.Event, args...); err != nil {
		return nil, fmt.Errorf("emit %q: %w", in.Event, err)
	}
	logger.Info("Event emitted", "sid", io.Id())
	fmt.Fprintf(inv.Output, "emitted %s\n", in.Event)

	out := map[string]string{"sid": string(io.Id())}
	if in.WaitFor == "" {
		return &registry.Result{Outputs: out}, nil
	}

	select {
	case reply := <-replies:
		data, err := json.Marshal(reply)
		if err != nil {
			return nil, fmt.Errorf("encode reply: %w", err)
		}
		out["response"] = string(data)
		fmt.Fprintf(inv.Output, "received %s\n", in.WaitFor)
		return &registry.Result{Outputs: out}, nil
	case <-opCtx.Done():
		return nil, fmt.Errorf("timed out after %v waiting for event '%s'", timeout, in.WaitFor)
	}
}

// Register registers the action with the engine.
func (m *Module) Register(r *registry.Registry) {
	r.Register("socketio/emit", registry.ActionFunc(Emit), Input{}, "Emit an event to a socket.io server.")
}
