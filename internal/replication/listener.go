package replication

import (
	"context"

	"github.com/flitsinc/go-observation/internal/observation"
)

// Subscriber is the part of a dispatcher Listen attaches to.
type Subscriber interface {
	Subscribe(listener observation.Listener, kinds ...observation.Kind) func()
}

// Listen forwards every event raised on s to NotifyLocal. Send failures are
// logged and do not reach the code that raised the event. The returned
// func stops forwarding.
func (m *Manager) Listen(s Subscriber) func() {
	return s.Subscribe(observation.ListenerFunc(func(ctx context.Context, event observation.LocalEvent) {
		if err := m.NotifyLocal(ctx, event); err != nil {
			m.logf("remote observation: %v", err)
		}
	}))
}
