// Package events carries monitor state transitions to their consumers:
// the log, the metrics registry and any registered subscriber.
package events

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Level is the severity of an event.
type Level int

const (
	Debug Level = iota
	Notice
	Warning
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Notice:
		return "notice"
	case Warning:
		return "warning"
	default:
		return "unknown"
	}
}

// Event is one state transition. Subject is the formatted instance
// description ("master mymaster 10.0.0.1 6379") or empty.
type Event struct {
	Level   Level
	Type    string
	Subject string
	Detail  string
	Primary string
	Time    time.Time
}

// Text renders the event the way it is published and logged.
func (e Event) Text() string {
	switch {
	case e.Subject != "" && e.Detail != "":
		return e.Subject + " " + e.Detail
	case e.Subject != "":
		return e.Subject
	default:
		return e.Detail
	}
}

func (e Event) String() string {
	return e.Type + " " + e.Text()
}

// Sink consumes events.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Bus logs every event and fans it out to subscribers.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewBus creates a bus with the given initial subscribers.
func NewBus(sinks ...Sink) *Bus {
	return &Bus{sinks: sinks}
}

// Subscribe adds a sink. Sinks are called synchronously from the emitter and
// must not block.
func (b *Bus) Subscribe(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit logs e and forwards it.
func (b *Bus) Emit(e Event) {
	switch e.Level {
	case Warning, Notice:
		klog.InfoS("Event", "type", e.Type, "level", e.Level.String(), "event", e.Text())
	default:
		klog.V(2).InfoS("Event", "type", e.Type, "event", e.Text())
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		s.Emit(e)
	}
}

// Subject formats an instance description. Replicas and peer monitors add
// "@ <primary> <ip> <port>" naming the primary they belong to.
func Subject(kind, name, ip string, port int, owner string, ownerIP string, ownerPort int) string {
	s := fmt.Sprintf("%s %s %s %d", kind, name, ip, port)
	if owner != "" {
		s += fmt.Sprintf(" @ %s %s %d", owner, ownerIP, ownerPort)
	}
	return s
}
