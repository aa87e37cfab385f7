package ai

import (
	"context"
	"io"

	"github.com/relayworks/tokenrelay/internal/relay"
)

// streamSource adapts the channel pair returned by StreamGenerate into the
// relay core's pull-based TokenSource. Next blocks until the provider
// yields, fails, or the stream ends.
type streamSource struct {
	chunks <-chan string
	errs   <-chan error
}

// StreamSource wraps a provider's channel pair as a relay.TokenSource.
// Providers close both channels when the stream ends and buffer any error
// before closing, so once the chunk channel is drained the error channel
// can be polled without blocking.
func StreamSource(chunks <-chan string, errs <-chan error) relay.TokenSource {
	return &streamSource{chunks: chunks, errs: errs}
}

func (s *streamSource) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case tok, ok := <-s.chunks:
		if !ok {
			select {
			case err, ok := <-s.errs:
				if ok && err != nil {
					return "", err
				}
			default:
			}
			return "", io.EOF
		}
		return tok, nil
	}
}
