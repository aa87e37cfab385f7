package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relayworks/tokenrelay/internal/relay"
)

type fakeConn struct {
	written []any
	failErr error
	closed  bool
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.failErr != nil {
		return c.failErr
	}
	c.written = append(c.written, v)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestRegistry_PushToKnownConnection(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Add("conn-1", "user-1", conn)

	if !r.Push("conn-1", "hello") {
		t.Fatal("push to live connection failed")
	}
	if len(conn.written) != 1 {
		t.Fatalf("written = %v", conn.written)
	}

	if p, ok := r.Principal("conn-1"); !ok || p != "user-1" {
		t.Fatalf("principal = (%q, %v)", p, ok)
	}
}

func TestRegistry_PushToUnknownConnection(t *testing.T) {
	r := NewRegistry()
	if r.Push("missing", "x") {
		t.Fatal("push to unknown connection reported ok")
	}
}

func TestRegistry_WriteFailureEvicts(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{failErr: errors.New("broken pipe")}
	r.Add("conn-2", "", conn)

	if r.Push("conn-2", "x") {
		t.Fatal("push over broken connection reported ok")
	}
	if !conn.closed {
		t.Fatal("broken connection was not closed")
	}
	if _, ok := r.Principal("conn-2"); ok {
		t.Fatal("broken connection still registered")
	}
}

func TestSink_ReportsGone(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Add("conn-3", "", conn)

	sink := NewSink(r, "conn-3")
	f := relay.Fragment{SessionID: "s", Sequence: 1, Token: "tok"}

	if err := sink.Send(context.Background(), f); err != nil {
		t.Fatalf("send: %v", err)
	}

	r.Remove("conn-3")
	if err := sink.Send(context.Background(), f); !errors.Is(err, relay.ErrGone) {
		t.Fatalf("err = %v, want ErrGone", err)
	}
}

func TestSink_RelayDisconnectMidStream(t *testing.T) {
	r := NewRegistry()
	conn := &fakeConn{}
	r.Add("conn-4", "", conn)

	src := &stubSource{tokens: []string{"a", "b", "c"}, dropAfter: 2, registry: r, connID: "conn-4"}
	out := relay.New(nil).Run(context.Background(), "sess", src, NewSink(r, "conn-4"))

	if out.Status != relay.StatusSinkGone {
		t.Fatalf("status = %s, want sink_gone", out.Status)
	}
	// gone was reported on the third send
	if out.Fragments != 3 {
		t.Fatalf("fragments = %d, want 3", out.Fragments)
	}
}

// stubSource removes the connection from the registry after dropAfter pulls,
// simulating a client that disconnects mid-stream.
type stubSource struct {
	tokens    []string
	dropAfter int
	registry  *Registry
	connID    string
	pos       int
}

func (s *stubSource) Next(ctx context.Context) (string, error) {
	if s.pos == s.dropAfter {
		s.registry.Remove(s.connID)
	}
	if s.pos >= len(s.tokens) {
		return "", errors.New("source exhausted")
	}
	tok := s.tokens[s.pos]
	s.pos++
	return tok, nil
}
