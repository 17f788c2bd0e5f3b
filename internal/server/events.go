package server

import (
	"context"

	"github.com/sokinpui/artifact/internal/session"
)

// eventPump relays session events to socket clients. It subscribes when it is
// built, so events published before Run starts are queued rather than lost.
type eventPump struct {
	events  <-chan session.Event
	stop    func()
	clients *ClientRegistry
}

func newEventPump(sess Session, clients *ClientRegistry) *eventPump {
	events, stop := sess.Subscribe()
	return &eventPump{events: events, stop: stop, clients: clients}
}

// Run relays until the session closes its feed or ctx ends.
func (p *eventPump) Run(ctx context.Context) {
	defer p.stop()

	relayed := 0
	for {
		select {
		case <-ctx.Done():
			getLog().Debug().Int("relayed", relayed).Msg("Event pump cancelled")
			return
		case e, ok := <-p.events:
			if !ok {
				getLog().Debug().Int("relayed", relayed).Msg("Session feed closed")
				return
			}
			p.clients.Broadcast(e)
			relayed++
		}
	}
}
