package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/relayworks/tokenrelay/internal/ai"
	"github.com/relayworks/tokenrelay/internal/config"
	"github.com/relayworks/tokenrelay/internal/httpapi"
	"github.com/relayworks/tokenrelay/internal/relay"
	"github.com/relayworks/tokenrelay/internal/store/rabbitmq"
	"github.com/relayworks/tokenrelay/internal/stream"
	"github.com/relayworks/tokenrelay/internal/ws"
)

const testSecret = "test-secret"

type fakeProvider struct {
	tokens []string
}

func (p *fakeProvider) StreamGenerate(ctx context.Context, prompt string, maxTokens int) (<-chan string, <-chan error) {
	chunks := make(chan string, len(p.tokens))
	errs := make(chan error, 1)
	for _, t := range p.tokens {
		chunks <- t
	}
	close(errs)
	close(chunks)
	return chunks, errs
}

type fakePublisher struct {
	published []rabbitmq.StreamRequest
	failErr   error
}

func (p *fakePublisher) PublishStream(ctx context.Context, req rabbitmq.StreamRequest) error {
	if p.failErr != nil {
		return p.failErr
	}
	p.published = append(p.published, req)
	return nil
}

func newTestRouter(t *testing.T, prov ai.Provider, pub *fakePublisher) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&stream.Session{}, &stream.Delivery{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})

	cfg := config.Config{JWTSecret: testSecret, AIProvider: "fake"}
	svc := stream.NewService(stream.NewRepo(db), reg, 100)

	return httpapi.NewRouter(cfg, svc, relay.New(nil), pub, ws.NewRegistry())
}

func bearerToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func TestStartStream_EnqueuesAndReturnsSession(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestRouter(t, &fakeProvider{}, pub)

	req := httptest.NewRequest(http.MethodPost, "/v1/streams",
		strings.NewReader(`{"prompt":"hello","provider":"fake"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "user-1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}

	var resp struct {
		Data struct {
			SessionID string `json:"session_id"`
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Status != "started" || resp.Data.SessionID == "" {
		t.Fatalf("data = %+v", resp.Data)
	}

	if len(pub.published) != 1 {
		t.Fatalf("published %d triggers, want 1", len(pub.published))
	}
	got := pub.published[0]
	if got.SessionID != resp.Data.SessionID || got.Prompt != "hello" || got.RequestID != resp.Data.RequestID {
		t.Fatalf("trigger = %+v", got)
	}
}

func TestStartStream_RequiresAuth(t *testing.T) {
	r := newTestRouter(t, &fakeProvider{}, &fakePublisher{})

	req := httptest.NewRequest(http.MethodPost, "/v1/streams",
		strings.NewReader(`{"prompt":"hello"}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestStreamSSE_WritesOrderedFragments(t *testing.T) {
	r := newTestRouter(t, &fakeProvider{tokens: []string{"Hel", "lo", " world"}}, &fakePublisher{})

	req := httptest.NewRequest(http.MethodPost, "/v1/streams/sse",
		strings.NewReader(`{"prompt":"hi","provider":"fake"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "user-1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	var frags []relay.Fragment
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f relay.Fragment
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("decode fragment %q: %v", line, err)
		}
		frags = append(frags, f)
	}

	if len(frags) != 4 {
		t.Fatalf("got %d fragments, want 3 tokens + completion", len(frags))
	}
	wantTokens := []string{"Hel", "lo", " world", ""}
	for i, f := range frags {
		if f.Sequence != i+1 || f.Token != wantTokens[i] {
			t.Fatalf("fragment %d = %+v", i, f)
		}
		if f.IsComplete != (i == 3) {
			t.Fatalf("fragment %d isComplete = %v", i, f.IsComplete)
		}
	}
}

func TestGetStreamStatus_HidesForeignSessions(t *testing.T) {
	pub := &fakePublisher{}
	r := newTestRouter(t, &fakeProvider{}, pub)

	// start a stream as user-1
	req := httptest.NewRequest(http.MethodPost, "/v1/streams",
		strings.NewReader(`{"prompt":"hello","provider":"fake"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "user-1"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// user-2 must not see it
	req = httptest.NewRequest(http.MethodGet, "/v1/streams/"+resp.Data.SessionID, nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "user-2"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	// owner sees pending (no delivery recorded yet)
	req = httptest.NewRequest(http.MethodGet, "/v1/streams/"+resp.Data.SessionID, nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, "user-1"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"status":"pending"`) {
		t.Fatalf("body = %s", w.Body.String())
	}
}
