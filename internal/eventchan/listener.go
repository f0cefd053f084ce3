// Package eventchan receives the asynchronous event stream of an authenticated
// session and forwards it to the session's observers.
package eventchan

import (
	"context"
	"errors"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source yields raw frames. Receive blocks until a frame arrives or the source is closed.
type Source interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Listener pumps frames from a Source on its own goroutine.
type Listener struct {
	sessionID int64
	src       Source
	observers *Observers

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	err      error
	started  bool
	received int64
}

func NewListener(sessionID int64, src Source, observers *Observers) *Listener {
	if observers == nil {
		observers = NewObservers()
	}
	return &Listener{
		sessionID: sessionID,
		src:       src,
		observers: observers,
		done:      make(chan struct{}),
	}
}

// Start launches the receive loop. Calling Start twice is a no-op.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	// closing the source is what unblocks a pending Receive
	go func() {
		<-ctx.Done()
		if err := l.src.Close(); err != nil {
			zap.L().Debug("eventchan: close source", zap.Int64("session_id", l.sessionID), zap.Error(err))
		}
	}()
	go l.loop(ctx)

	zap.L().Info("eventchan: listener started", zap.Int64("session_id", l.sessionID))
}

func (l *Listener) loop(ctx context.Context) {
	defer close(l.done)
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("eventchan: listener panic", zap.Int64("session_id", l.sessionID), zap.Any("panic", r))
			l.setErr(errors.New("listener panic"))
		}
	}()

	for {
		frame, err := l.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zap.L().Warn("eventchan: channel lost", zap.Int64("session_id", l.sessionID), zap.Error(err))
			l.setErr(err)
			l.cancel()
			return
		}
		l.dispatch(frame)
	}
}

func (l *Listener) dispatch(frame []byte) {
	var payload map[string]interface{}
	if err := json.Unmarshal(frame, &payload); err != nil {
		// binary protocol frames are expected and ignored
		return
	}
	mt, ok := payload["messageType"].(string)
	if !ok || mt == "" {
		return
	}
	l.mu.Lock()
	l.received++
	l.mu.Unlock()
	l.observers.Notify(Event{
		SessionID:  l.sessionID,
		Type:       mt,
		Payload:    payload,
		ReceivedAt: time.Now(),
	})
}

func (l *Listener) setErr(err error) {
	l.mu.Lock()
	l.err = err
	l.mu.Unlock()
}

// Stop cancels the loop and waits for it to exit. Safe to call more than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	started := l.started
	cancel := l.cancel
	l.mu.Unlock()
	if !started {
		return
	}
	cancel()
	<-l.done
	zap.L().Info("eventchan: listener stopped", zap.Int64("session_id", l.sessionID))
}

// Done is closed when the loop has exited, for any reason.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns the failure that ended the loop, nil after a clean Stop.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Alive reports whether the loop is still running.
func (l *Listener) Alive() bool {
	select {
	case <-l.done:
		return false
	default:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.started
	}
}

// Received counts the events delivered to observers.
func (l *Listener) Received() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received
}
