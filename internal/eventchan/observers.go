package eventchan

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one push notification from an authenticated session.
type Event struct {
	SessionID  int64                  `json:"session_id,string"`
	Type       string                 `json:"message_type"`
	Payload    map[string]interface{} `json:"payload"`
	ReceivedAt time.Time              `json:"received_at"`
}

// Observer receives events on the listener goroutine. It must not block for long.
type Observer interface {
	OnEvent(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ev Event)

func (f ObserverFunc) OnEvent(ev Event) { f(ev) }

type observerEntry struct {
	id  int
	obs Observer
}

// Observers is the explicit observer list owned by a session.
type Observers struct {
	mu     sync.RWMutex
	nextID int
	list   []observerEntry
}

func NewObservers() *Observers {
	return &Observers{}
}

// Add registers o and returns a function removing it again.
func (r *Observers) Add(o Observer) (remove func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.list = append(r.list, observerEntry{id: id, obs: o})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.list {
			if e.id == id {
				r.list = append(r.list[:i:i], r.list[i+1:]...)
				return
			}
		}
	}
}

// Len reports the number of registered observers.
func (r *Observers) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.list)
}

// Notify calls every observer in registration order. A panicking observer is
// logged and does not stop delivery to the rest.
func (r *Observers) Notify(ev Event) {
	r.mu.RLock()
	snapshot := make([]observerEntry, len(r.list))
	copy(snapshot, r.list)
	r.mu.RUnlock()

	for _, e := range snapshot {
		notifyOne(e.obs, ev)
	}
}

func notifyOne(o Observer, ev Event) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("eventchan: observer panic",
				zap.Int64("session_id", ev.SessionID),
				zap.String("message_type", ev.Type),
				zap.Any("panic", err))
		}
	}()
	o.OnEvent(ev)
}
