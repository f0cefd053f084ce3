package session

import (
	"fmt"

	"github.com/talkincode/wablast/internal/domain"
)

// transitions maps a target status to the statuses it may be entered from.
var transitions = map[string][]string{
	domain.SessionConnecting: {domain.SessionDisconnected, domain.SessionError},
	domain.SessionConnected:  {domain.SessionConnecting},
	domain.SessionError:      {domain.SessionConnecting, domain.SessionConnected},
	domain.SessionDisconnected: {
		domain.SessionConnecting,
		domain.SessionConnected,
		domain.SessionError,
	},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

func checkTransition(from, to string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}
