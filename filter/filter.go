// Package filter provides composable channel middleware for agentlink
// session event streams. Events adapts a session subscription into a
// channel; the remaining functions narrow a channel to the event
// granularity a consumer needs.
package filter

import (
	"context"
	"strings"

	"github.com/dmora/agentlink"
)

// Events subscribes to the session and returns a channel carrying its
// events. The subscription is released and the channel closed when ctx is
// cancelled. Callers must drain the channel or cancel ctx; an undrained
// channel stalls the session's dispatch.
func Events(ctx context.Context, session *agentlink.Session) <-chan agentlink.SessionEvent {
	out := make(chan agentlink.SessionEvent)
	sub := session.Subscribe(func(ev agentlink.SessionEvent) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	})
	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
		close(out)
	}()
	return out
}

// Filter returns a channel that only passes events of the given types.
// Spawns a goroutine that exits when ctx is cancelled or ch is closed.
// The returned channel is closed when the goroutine exits.
func Filter(ctx context.Context, ch <-chan agentlink.SessionEvent, types ...agentlink.EventType) <-chan agentlink.SessionEvent {
	allowed := make(map[agentlink.EventType]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	return pipe(ctx, ch, func(ev agentlink.SessionEvent) bool {
		_, ok := allowed[ev.Type]
		return ok
	})
}

// Completed returns a channel that drops all delta types, passing only
// complete events. Spawns a goroutine that exits when ctx is cancelled
// or ch is closed.
func Completed(ctx context.Context, ch <-chan agentlink.SessionEvent) <-chan agentlink.SessionEvent {
	return pipe(ctx, ch, func(ev agentlink.SessionEvent) bool {
		return !IsDelta(ev.Type)
	})
}

// Messages returns a channel that passes only complete assistant messages.
// Spawns a goroutine that exits when ctx is cancelled or ch is closed.
func Messages(ctx context.Context, ch <-chan agentlink.SessionEvent) <-chan agentlink.SessionEvent {
	return pipe(ctx, ch, func(ev agentlink.SessionEvent) bool {
		return ev.Type == agentlink.EventAssistantMessage
	})
}

// IsDelta reports whether t is a streaming delta (partial) event type.
// Convention: all delta types use the "_delta" suffix (e.g.,
// assistant.message_delta, assistant.reasoning_delta). This avoids needing
// to update a switch statement each time a new delta type is added.
func IsDelta(t agentlink.EventType) bool {
	return strings.HasSuffix(string(t), "_delta")
}

// pipe spawns a goroutine that reads from ch, passes events matching
// the predicate to the returned channel, and closes it when ch closes
// or ctx is cancelled. Callers must either drain the returned channel
// or cancel ctx to avoid goroutine leaks. Events accepted by the
// predicate may be silently dropped if ctx is cancelled mid-send.
func pipe(ctx context.Context, ch <-chan agentlink.SessionEvent, accept func(agentlink.SessionEvent) bool) <-chan agentlink.SessionEvent {
	out := make(chan agentlink.SessionEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if accept(ev) && !trySend(ctx, out, ev) {
					return
				}
			}
		}
	}()
	return out
}

// trySend sends ev on out, returning true on success.
// Returns false if ctx is cancelled before the send completes.
func trySend(ctx context.Context, out chan<- agentlink.SessionEvent, ev agentlink.SessionEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
