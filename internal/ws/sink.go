package ws

import (
	"context"

	"github.com/relayworks/tokenrelay/internal/relay"
)

// Sink delivers fragments to one registered connection. Gone is reported
// the moment the registry no longer knows the connection, which covers both
// an explicit disconnect and an eviction after a failed write.
type Sink struct {
	registry     *Registry
	connectionID string
}

func NewSink(registry *Registry, connectionID string) *Sink {
	return &Sink{registry: registry, connectionID: connectionID}
}

func (s *Sink) Send(ctx context.Context, f relay.Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.registry.Push(s.connectionID, f) {
		return relay.ErrGone
	}
	return nil
}
