package event

import (
	"context"
	"iter"
	"log/slog"
	"sync/atomic"
)

// Source yields raw event frames for the current connection.
type Source interface {
	Events(ctx context.Context) iter.Seq2[[]byte, error]
	WaitConnected(ctx context.Context) error
}

// Publisher accepts normalized events without blocking.
type Publisher interface {
	PublishEvent(ctx context.Context, ev NormalizedEvent) bool
}

// ListenerStats counts what the listener has seen.
type ListenerStats struct {
	Received       uint64 `json:"received"`
	Published      uint64 `json:"published"`
	DecodeFailures uint64 `json:"decode_failures"`
	MarkupFailures uint64 `json:"markup_failures"`
}

// Listener drains the event socket, normalizes each frame and hands it to a
// publisher. It never waits on sinks.
type Listener struct {
	source    Source
	publisher Publisher
	log       *slog.Logger

	received       atomic.Uint64
	published      atomic.Uint64
	decodeFailures atomic.Uint64
	markupFailures atomic.Uint64
}

func NewListener(source Source, publisher Publisher, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		source:    source,
		publisher: publisher,
		log:       log.With("component", "event.listener"),
	}
}

// Run drains events until ctx ends, subscribing again after every reconnect.
func (l *Listener) Run(ctx context.Context) error {
	for {
		if err := l.source.WaitConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		l.log.Debug("Event subscription started")
		for frame, err := range l.source.Events(ctx) {
			if err != nil {
				l.log.Warn("Event subscription ended", "error", err)
				break
			}
			l.handle(ctx, frame)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (l *Listener) handle(ctx context.Context, frame []byte) {
	l.received.Add(1)

	ev, err := Decode(frame)
	if err != nil {
		l.decodeFailures.Add(1)
		l.log.Warn("Dropping undecodable event", "bytes", len(frame), "error", err)
		return
	}

	normalized := Normalize(ev)
	if normalized.Markup == MarkupFailed {
		l.markupFailures.Add(1)
		l.log.Debug("Event markup did not parse", "msg_id", normalized.MsgID, "error", normalized.ParseError)
	}

	if l.publisher.PublishEvent(ctx, normalized) {
		l.published.Add(1)
	}
}

// Stats returns a snapshot of listener counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Received:       l.received.Load(),
		Published:      l.published.Load(),
		DecodeFailures: l.decodeFailures.Load(),
		MarkupFailures: l.markupFailures.Load(),
	}
}
