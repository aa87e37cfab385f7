package relay

import (
	"context"
	"errors"
	"io"
	"log"
	"time"
)

// ErrGone marks a sink whose destination no longer exists (peer closed the
// stream, connection id evicted from the registry). It is a terminal
// condition for a relay run, not a failure.
var ErrGone = errors.New("relay: sink gone")

// ErrorSequence is the sequence number reserved for the terminal error
// fragment, kept outside the normal sequence space so clients can
// distinguish it from generated tokens.
const ErrorSequence = 999

// Fragment is one sequenced unit of streamed output. The JSON shape is the
// wire contract shared by all transports.
type Fragment struct {
	SessionID  string    `json:"sessionId"`
	Sequence   int       `json:"sequence,omitempty"`
	Token      string    `json:"token"`
	IsComplete bool      `json:"isComplete"`
	Timestamp  time.Time `json:"timestamp"`
}

// TokenSource is a lazy, single-pass sequence of text chunks. Next blocks
// until the backend yields another chunk, returns io.EOF at natural end of
// stream, or any other error when the backend fails mid-generation.
type TokenSource interface {
	Next(ctx context.Context) (string, error)
}

// Sink delivers one fragment to its destination. Send returns nil on
// success, ErrGone when the destination vanished, and any other error when
// the sink layer itself is malfunctioning.
type Sink interface {
	Send(ctx context.Context, f Fragment) error
}

type Status string

const (
	StatusCompleted Status = "completed"
	StatusSinkGone  Status = "sink_gone"
	StatusFailed    Status = "failed"
)

// Outcome is the terminal state of one relay run. Fragments counts the
// non-terminal fragments handed to the sink before the run ended; Err is
// set only for StatusFailed.
type Outcome struct {
	Status    Status
	Fragments int
	Err       error
}

// Relayer drives a TokenSource into a Sink. Each run owns its sequence
// counter; nothing is shared across sessions, so a single Relayer is safe
// for concurrent use.
type Relayer struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Relayer {
	if logger == nil {
		logger = log.Default()
	}
	return &Relayer{logger: logger}
}

// Run pulls chunks from src one at a time and forwards each non-empty chunk
// to sink with the next sequence number. Callers must not invoke Run twice
// concurrently for the same session against the same sink.
//
// Terminal behavior:
//   - natural end of src: one completion fragment (empty token,
//     isComplete=true) is sent; a gone or failed send there is logged and
//     the outcome stays Completed.
//   - sink gone mid-stream: the run stops immediately with StatusSinkGone;
//     no further sends are attempted.
//   - any other send error: fatal, StatusFailed; retrying could duplicate
//     already-delivered tokens at the consumer.
//   - src failure: one best-effort error fragment (sequence ErrorSequence)
//     is sent, its result ignored, then StatusFailed.
func (r *Relayer) Run(ctx context.Context, sessionID string, src TokenSource, sink Sink) Outcome {
	seq := 0

	for {
		tok, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			errFrag := Fragment{
				SessionID:  sessionID,
				Sequence:   ErrorSequence,
				Token:      "Error: " + err.Error(),
				IsComplete: true,
				Timestamp:  time.Now().UTC(),
			}
			if sendErr := sink.Send(ctx, errFrag); sendErr != nil {
				r.logger.Printf("relay session=%s could not deliver error fragment: %v", sessionID, sendErr)
			}
			return Outcome{Status: StatusFailed, Fragments: seq, Err: err}
		}

		// Some backends emit zero-length deltas; they carry nothing and
		// must not burn sequence numbers or sink round-trips.
		if tok == "" {
			continue
		}

		seq++
		f := Fragment{
			SessionID: sessionID,
			Sequence:  seq,
			Token:     tok,
			Timestamp: time.Now().UTC(),
		}
		if err := sink.Send(ctx, f); err != nil {
			if errors.Is(err, ErrGone) {
				r.logger.Printf("relay session=%s sink gone after %d fragments", sessionID, seq)
				return Outcome{Status: StatusSinkGone, Fragments: seq}
			}
			return Outcome{Status: StatusFailed, Fragments: seq - 1, Err: err}
		}
	}

	done := Fragment{
		SessionID:  sessionID,
		Sequence:   seq + 1,
		IsComplete: true,
		Timestamp:  time.Now().UTC(),
	}
	if err := sink.Send(ctx, done); err != nil && !errors.Is(err, ErrGone) {
		// The stream itself was fully delivered; completion is
		// at-most-once, not delivery-confirmed.
		r.logger.Printf("relay session=%s completion send failed: %v", sessionID, err)
	}

	return Outcome{Status: StatusCompleted, Fragments: seq}
}
