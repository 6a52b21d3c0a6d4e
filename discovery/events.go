// Package discovery walks the address space of OPC UA servers and keeps the
// monitored node lists of a Telegraf configuration in sync with what the
// servers actually expose.
package discovery

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind enumerates the discrete events the discovery core emits. The
// presentation layer subscribes to these; the core never cares how or
// whether they are rendered.
type EventKind string

const (
	EventCycleStarted   EventKind = "cycle_started"
	EventNodeDiscovered EventKind = "node_discovered"
	EventNodeRejected   EventKind = "node_rejected"
	EventNodeSkipped    EventKind = "node_skipped"
	EventConnectionLost EventKind = "connection_lost"
	EventBackingOff     EventKind = "backing_off"
	EventCycleCompleted EventKind = "cycle_completed"
	EventFatalError     EventKind = "fatal_error"
)

// Event is one observable step of a discovery cycle.
type Event struct {
	Kind     EventKind
	Endpoint string
	Time     time.Time

	// node-scoped fields
	Node   string
	Name   string
	Reason string

	// cycle-scoped fields
	Discovered int
	Rejected   int
	Wrote      bool
	Delay      time.Duration
	Err        error
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that cannot keep up loses events rather than stalling a discovery cycle.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	closed bool
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers the event to every subscriber that has buffer space.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// LogEvents renders bus events as log lines. Run it in its own goroutine;
// it returns when the subscription channel is closed.
func LogEvents(log *zap.SugaredLogger, events <-chan Event) {
	for ev := range events {
		switch ev.Kind {
		case EventCycleStarted:
			log.Infof("[OPCUA] Starting discovery on endpoint %v", ev.Endpoint)
		case EventNodeDiscovered:
			log.Debugf("Discovered node %v (%v)", ev.Name, ev.Node)
		case EventNodeRejected:
			log.Debugf("Rejected node %v: %v", ev.Node, ev.Reason)
		case EventNodeSkipped:
			log.Warnf("Skipping node %v: %v", ev.Node, ev.Err)
		case EventConnectionLost:
			log.Warnf("[OPCUA] Connection to %v lost: %v", ev.Endpoint, ev.Err)
		case EventBackingOff:
			log.Infof("[OPCUA] Will retry %v in %v", ev.Endpoint, ev.Delay)
		case EventCycleCompleted:
			log.Infof("Discovery on %v done: %d node(s) discovered, %d rejected, wrote=%v",
				ev.Endpoint, ev.Discovered, ev.Rejected, ev.Wrote)
		case EventFatalError:
			log.Errorf("Fatal error on %v: %v", ev.Endpoint, ev.Err)
		}
	}
}
