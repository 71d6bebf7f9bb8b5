package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// AllEvents subscribes a handler to every event type. The API feed and the
// MQTT bridge use it; per-type subscribers run before wildcard ones.
const AllEvents EventType = "*"

// EventBus fans relay events out to subscribers. Emit never blocks the
// caller, which is usually the tick loop holding relay state; every handler
// runs on its own goroutine and a panicking handler only loses its event.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[EventType][]subscription
	stopped bool
	stopCh  chan struct{}

	// inflight counts handlers started by Emit so Stop can drain them.
	inflight sync.WaitGroup
}

type subscription struct {
	name string
	fn   HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:   make(map[EventType][]subscription),
		stopCh: make(chan struct{}),
	}
}

// Subscribe registers fn for eventType under name. Names identify the
// subscription for Unsubscribe and in handler error logs.
func (eb *EventBus) Subscribe(eventType EventType, name string, fn HandlerFunc) {
	eb.mu.Lock()
	eb.subs[eventType] = append(eb.subs[eventType], subscription{name: name, fn: fn})
	eb.mu.Unlock()

	log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("subscribed to event")
}

// Unsubscribe removes every subscription named name from eventType.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	kept := eb.subs[eventType][:0]
	for _, s := range eb.subs[eventType] {
		if s.name != name {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(eb.subs, eventType)
	} else {
		eb.subs[eventType] = kept
	}

	log.Debug().Str("event", string(eventType)).Str("handler", name).Msg("unsubscribed from event")
}

// targets copies the subscribers for t, wildcard last. Callers hold eb.mu.
func (eb *EventBus) targets(t EventType) []subscription {
	specific, wildcard := eb.subs[t], eb.subs[AllEvents]
	if t == AllEvents {
		wildcard = nil
	}
	out := make([]subscription, 0, len(specific)+len(wildcard))
	return append(append(out, specific...), wildcard...)
}

// Emit delivers event to its subscribers in the background. Events emitted
// after Stop are dropped.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.stopped {
		return
	}

	event = stamp(event)
	subs := eb.targets(event.Type)
	if len(subs) == 0 {
		return
	}
	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(subs)).
		Msg("emitting event")

	// Add under the read lock so Stop cannot start waiting in between.
	eb.inflight.Add(len(subs))
	for _, s := range subs {
		go func(s subscription) {
			defer eb.inflight.Done()
			dispatch(ctx, s, event)
		}(s)
	}
}

// EmitSync delivers event and waits for every subscriber. It returns the
// first handler error. Used where the caller must know delivery finished,
// such as the shutdown notice.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	subs := eb.targets(event.Type)
	eb.mu.RUnlock()

	event = stamp(event)
	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	wg.Add(len(subs))
	for i, s := range subs {
		go func(i int, s subscription) {
			defer wg.Done()
			errs[i] = dispatch(ctx, s, event)
		}(i, s)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// dispatch runs one handler, logging its error and containing a panic.
func dispatch(ctx context.Context, s subscription, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", s.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = s.fn(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("source", event.Source).
			Str("handler", s.name).
			Msg("handler returned error")
	}
	return err
}

func stamp(event Event) Event {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}
	return event
}

// Stop rejects further events and waits for handlers already started.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	close(eb.stopCh)
	eb.mu.Unlock()

	eb.inflight.Wait()
	log.Info().Msg("event bus stopped")
}

// StopCh is closed once Stop has been called. Long-lived subscribers such
// as websocket feeds select on it.
func (eb *EventBus) StopCh() <-chan struct{} {
	return eb.stopCh
}

// HandlerCount returns how many subscriptions eventType has, not counting
// wildcard subscribers.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])
}
