package stream

import (
	"context"

	"github.com/relayworks/tokenrelay/internal/ai"
	"github.com/relayworks/tokenrelay/internal/common"
	"github.com/relayworks/tokenrelay/internal/relay"
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
)

// Service owns session records and delivery bookkeeping, and hands the
// relay a token source for a session's provider.
type Service struct {
	repo      *Repo
	registry  *ai.Registry
	maxTokens int
}

func NewService(repo *Repo, registry *ai.Registry, maxTokens int) *Service {
	if maxTokens <= 0 {
		maxTokens = ai.DefaultMaxTokens
	}
	return &Service{repo: repo, registry: registry, maxTokens: maxTokens}
}

func (s *Service) CreateSession(ctx context.Context, principalID, provider, model string) (*Session, error) {
	if provider == "" {
		provider = defaultProvider
	}
	if model == "" {
		model = defaultModel
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID:   sid,
		PrincipalID: principalID,
		Provider:    provider,
		Model:       model,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.GetSessionBySessionID(ctx, sessionID)
}

// SourceForSession resolves the session's provider and starts generation,
// returning the pull source the relay consumes.
func (s *Service) SourceForSession(ctx context.Context, sess *Session, prompt string, maxTokens int) (relay.TokenSource, error) {
	p := sess.Provider
	m := sess.Model
	if p == "" {
		p = defaultProvider
	}
	if m == "" {
		m = defaultModel
	}

	provider, err := s.registry.Get(ctx, p, m)
	if err != nil {
		return nil, err
	}

	if maxTokens <= 0 {
		maxTokens = s.maxTokens
	}
	chunks, errs := provider.StreamGenerate(ctx, prompt, maxTokens)
	return ai.StreamSource(chunks, errs), nil
}

// BeginDelivery records the trigger and flips it to running. Idempotent on
// request id so queue redeliveries reuse the row.
func (s *Service) BeginDelivery(ctx context.Context, d *Delivery) error {
	if d.Status == "" {
		d.Status = DeliveryQueued
	}
	if err := s.repo.UpsertDelivery(ctx, d); err != nil {
		return err
	}
	return s.repo.MarkDeliveryRunning(ctx, d.ID)
}

func (s *Service) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	return s.repo.GetDeliveryByID(ctx, id)
}

func (s *Service) LatestDelivery(ctx context.Context, sessionID string) (*Delivery, error) {
	return s.repo.LatestDeliveryBySession(ctx, sessionID)
}

// RecordOutcome maps a relay outcome onto the delivery row.
func (s *Service) RecordOutcome(ctx context.Context, deliveryID string, out relay.Outcome) error {
	var errMsg *string
	if out.Err != nil {
		m := out.Err.Error()
		errMsg = &m
	}
	return s.repo.MarkDeliveryOutcome(ctx, deliveryID, StatusForOutcome(out), out.Fragments, errMsg)
}

func StatusForOutcome(out relay.Outcome) DeliveryStatus {
	switch out.Status {
	case relay.StatusCompleted:
		return DeliveryCompleted
	case relay.StatusSinkGone:
		return DeliverySinkGone
	default:
		return DeliveryFailed
	}
}
