package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/relayworks/tokenrelay/internal/relay"
)

// channelPrefix namespaces per-session token channels.
const channelPrefix = "stream.tokens."

type Store struct {
	Client *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		Client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Close() error {
	return s.Client.Close()
}

// Channel returns the pub/sub channel name for a session.
func Channel(sessionID string) string {
	return channelPrefix + sessionID
}

// Subscribe returns a subscription for one session's token channel.
// Callers own the returned PubSub and must Close it.
func (s *Store) Subscribe(ctx context.Context, sessionID string) *redis.PubSub {
	return s.Client.Subscribe(ctx, Channel(sessionID))
}

// TokenSink publishes fragments to the session's channel. A broadcast has
// no destination that can vanish: publishing with zero subscribers
// succeeds, so ErrGone is never returned and any error is a sink
// malfunction.
type TokenSink struct {
	store *Store
}

func (s *Store) TokenSink() *TokenSink {
	return &TokenSink{store: s}
}

func (t *TokenSink) Send(ctx context.Context, f relay.Fragment) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("broadcast marshal: %w", err)
	}
	if err := t.store.Client.Publish(ctx, Channel(f.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("broadcast publish: %w", err)
	}
	return nil
}
