package recorder

import (
	"fmt"
	"time"
)

// State of a Recorder
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateRecording
	StateStopping
	StateDisposed
)

var stateNames = map[State]string{
	StateUninitialized: "uninitialized",
	StateReady:         "ready",
	StateRecording:     "recording",
	StateStopping:      "stopping",
	StateDisposed:      "disposed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// MarshalText lets State appear by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for state, name := range stateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown recorder state: %q", text)
}

// EventType names a recorder notification
type EventType string

const (
	EventState     EventType = "state"
	EventStalled   EventType = "source_stalled"
	EventRecovered EventType = "source_recovered"
	EventError     EventType = "error"
)

// Event is delivered to subscribers
type Event struct {
	Type    EventType `json:"type"`
	State   State     `json:"state,omitempty"`
	Session string    `json:"session,omitempty"`
	Source  string    `json:"source,omitempty"`
	Region  *int      `json:"region,omitempty"` // set on stall events; 0 is source A
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

const listenerBuffer = 16

// Subscribe adds a listener for recorder events
func (r *Recorder) Subscribe() chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan Event, listenerBuffer)
	r.listeners = append(r.listeners, ch)
	return ch
}

// Unsubscribe removes a listener
func (r *Recorder) Unsubscribe(ch chan Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, listener := range r.listeners {
		if listener == ch {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// publish never blocks the loop; a listener that falls behind misses events
func (r *Recorder) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Type != EventState {
		ev.State = r.State()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, listener := range r.listeners {
		select {
		case listener <- ev:
		default:
		}
	}
}
