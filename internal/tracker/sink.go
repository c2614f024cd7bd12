package tracker

import (
	"context"
	"log/slog"

	"github.com/vk/burstci/internal/ctxlog"
)

// LogSink writes every transition to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink uses the logger carried by ctx.
func NewLogSink(ctx context.Context) *LogSink {
	return &LogSink{logger: ctxlog.FromContext(ctx).With("component", "tracker")}
}

func (s *LogSink) Transition(tr Transition) {
	attrs := []any{"seq", tr.Seq, "job", tr.Job, "from", tr.From.String(), "to", tr.To.String()}
	if tr.Step != "" {
		attrs = append(attrs, "step", tr.Step)
	}
	if tr.Detail != "" {
		attrs = append(attrs, "detail", tr.Detail)
	}
	level := slog.LevelDebug
	if tr.Step == "" && tr.To.IsTerminal() {
		level = slog.LevelInfo
	}
	s.logger.Log(context.Background(), level, "Status transition.", attrs...)
}

func (s *LogSink) Snapshot(snap *Snapshot) {
	s.logger.Info("Run finished.", "run_id", snap.RunID, "result", snap.Result, "jobs", len(snap.Jobs))
}

// FuncSink adapts plain functions to a Sink. Nil functions are ignored.
type FuncSink struct {
	OnTransition func(Transition)
	OnSnapshot   func(*Snapshot)
}

func (f FuncSink) Transition(tr Transition) {
	if f.OnTransition != nil {
		f.OnTransition(tr)
	}
}

func (f FuncSink) Snapshot(s *Snapshot) {
	if f.OnSnapshot != nil {
		f.OnSnapshot(s)
	}
}
