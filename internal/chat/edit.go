package chat

import (
	"context"
	"fmt"

	"github.com/suPer8Hu/gopherchat/internal/ai"
)

// EditRequest rewrites a stored message. When Resend is set and the message
// is a user message, its descendants are dropped and a fresh turn runs from
// the edited content.
type EditRequest struct {
	OwnerID   uint64
	MessageID string
	Parts     []ai.Part

	Resend   bool
	Provider ai.ProviderName
	Usage    ai.Usage
}

// EditMessage updates the parts of a message. Without Resend the thread is
// left as it is and the result is nil.
func (s *Service) EditMessage(ctx context.Context, req EditRequest) (*TurnResult, error) {
	if len(req.Parts) == 0 {
		return nil, fmt.Errorf("%w: message has no content", ErrInvalidRequest)
	}
	m, err := s.repo.GetMessage(ctx, req.OwnerID, req.MessageID)
	if err != nil {
		return nil, err
	}

	if !req.Resend {
		unlock, err := s.locker.Lock(ctx, m.ChatID)
		if err != nil {
			return nil, err
		}
		defer unlock()
		return nil, s.repo.UpdateMessage(ctx, req.OwnerID, m.ID, req.Parts)
	}

	turn, err := resendTurn(m, req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, turn, false, s.textGenerator(nil))
}

// StreamEditMessage is EditMessage with Resend, relaying deltas through emit.
func (s *Service) StreamEditMessage(ctx context.Context, req EditRequest, emit func(string) error) (*TurnResult, error) {
	if len(req.Parts) == 0 {
		return nil, fmt.Errorf("%w: message has no content", ErrInvalidRequest)
	}
	m, err := s.repo.GetMessage(ctx, req.OwnerID, req.MessageID)
	if err != nil {
		return nil, err
	}
	req.Usage.Stream = true
	turn, err := resendTurn(m, req)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, turn, false, s.textGenerator(emit))
}

func resendTurn(m *Message, req EditRequest) (TurnRequest, error) {
	if m.Role != RoleUser {
		return TurnRequest{}, fmt.Errorf("%w: only user messages can be resent", ErrInvalidRequest)
	}
	edited := &Message{ID: m.ID, Role: RoleUser, ParentID: m.ParentID}
	if err := edited.SetContent(req.Parts); err != nil {
		return TurnRequest{}, err
	}
	return TurnRequest{
		OwnerID:  req.OwnerID,
		ChatID:   m.ChatID,
		Provider: req.Provider,
		Usage:    req.Usage,
		User:     edited,
		edit:     true,
	}, nil
}

// Regenerate replaces an assistant reply, or adds a sibling when branch is set.
func (s *Service) Regenerate(ctx context.Context, ownerID uint64, messageID string, provider ai.ProviderName, usage ai.Usage, branch bool) (*TurnResult, error) {
	req, err := s.regenerateTurn(ctx, ownerID, messageID, provider, usage, branch)
	if err != nil {
		return nil, err
	}
	return s.Turn(ctx, req)
}

func (s *Service) StreamRegenerate(ctx context.Context, ownerID uint64, messageID string, provider ai.ProviderName, usage ai.Usage, branch bool, emit func(string) error) (*TurnResult, error) {
	req, err := s.regenerateTurn(ctx, ownerID, messageID, provider, usage, branch)
	if err != nil {
		return nil, err
	}
	return s.StreamTurn(ctx, req, emit)
}

func (s *Service) regenerateTurn(ctx context.Context, ownerID uint64, messageID string, provider ai.ProviderName, usage ai.Usage, branch bool) (TurnRequest, error) {
	m, err := s.repo.GetMessage(ctx, ownerID, messageID)
	if err != nil {
		return TurnRequest{}, err
	}
	return TurnRequest{
		OwnerID:      ownerID,
		ChatID:       m.ChatID,
		Provider:     provider,
		Usage:        usage,
		RegenerateID: m.ID,
		Branch:       branch,
	}, nil
}

// DeleteMessage removes a message and everything below it. It returns the
// deleted ids.
func (s *Service) DeleteMessage(ctx context.Context, ownerID uint64, messageID string) ([]string, error) {
	m, err := s.repo.GetMessage(ctx, ownerID, messageID)
	if err != nil {
		return nil, err
	}
	unlock, err := s.locker.Lock(ctx, m.ChatID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.repo.DeleteMessage(ctx, ownerID, m.ID)
}
