package channel

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a lifecycle transition of a channel.
type EventKind string

const (
	EventStarted    EventKind = "started"
	EventStopped    EventKind = "stopped"
	EventExpired    EventKind = "expired"
	EventOpenFailed EventKind = "open_failed"
	EventReported   EventKind = "reported"
)

// Event is emitted to observers on every channel transition.
type Event struct {
	ID      string    `json:"id"`
	Channel ID        `json:"channel"`
	Kind    EventKind `json:"kind"`
	At      time.Time `json:"at"`
	Detail  string    `json:"detail,omitempty"`
}

// NewEvent stamps a new event with a fresh id and the current time.
func NewEvent(id ID, kind EventKind, detail string) Event {
	return Event{
		ID:      uuid.NewString(),
		Channel: id,
		Kind:    kind,
		At:      time.Now().UTC(),
		Detail:  detail,
	}
}

// Observer receives channel events. Implementations must not block.
type Observer interface {
	ObserveEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) ObserveEvent(ev Event) { f(ev) }

// Observers fans an event out to every non-nil observer.
type Observers []Observer

func (o Observers) ObserveEvent(ev Event) {
	for _, obs := range o {
		if obs != nil {
			obs.ObserveEvent(ev)
		}
	}
}

// Notify is a convenience for NewEvent followed by ObserveEvent. A nil
// observer is allowed.
func Notify(obs Observer, id ID, kind EventKind, detail string) {
	if obs == nil {
		return
	}
	obs.ObserveEvent(NewEvent(id, kind, detail))
}
