package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/suPer8Hu/gopherchat/internal/ai"
	"github.com/suPer8Hu/gopherchat/internal/common"
	"go.uber.org/zap"
)

const (
	maxIDLen       = 64
	persistTimeout = 10 * time.Second
)

// errClientGone is returned by emit callbacks when the consumer disconnected.
var errClientGone = errors.New("client gone")

type ServiceOptions struct {
	Locker          ChatLocker
	Titles          TitleDispatcher
	Logger          *zap.Logger
	PersistAttempts int
	PersistBackoff  time.Duration
	Now             func() time.Time
}

type inflightTurn struct {
	ownerID uint64
	cancel  context.CancelFunc
}

// Service runs turns: it resolves the model, calls the adapter, relays output
// and persists the exchange. Turns for one chat never overlap.
type Service struct {
	repo     *Repo
	registry *ai.Registry
	models   *ai.ModelRegistry
	locker   ChatLocker
	titles   TitleDispatcher
	log      *zap.Logger
	now      func() time.Time

	persistAttempts int
	persistBackoff  time.Duration

	mu       sync.Mutex
	inflight map[string]inflightTurn
}

func NewService(repo *Repo, registry *ai.Registry, models *ai.ModelRegistry, opts ServiceOptions) *Service {
	s := &Service{
		repo:            repo,
		registry:        registry,
		models:          models,
		locker:          opts.Locker,
		titles:          opts.Titles,
		log:             opts.Logger,
		now:             opts.Now,
		persistAttempts: opts.PersistAttempts,
		persistBackoff:  opts.PersistBackoff,
		inflight:        make(map[string]inflightTurn),
	}
	if s.locker == nil {
		s.locker = NewMemoryLocker()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.persistAttempts <= 0 || s.persistAttempts > 10 {
		s.persistAttempts = 3
	}
	if s.persistBackoff <= 0 {
		s.persistBackoff = 200 * time.Millisecond
	}
	return s
}

func (s *Service) Models() []ai.ModelInfo { return s.models.List() }

// TurnRequest is one turn as presented by a client.
type TurnRequest struct {
	OwnerID  uint64
	ChatID   string
	Title    string
	Provider ai.ProviderName
	Usage    ai.Usage

	// History is the thread the client sent ahead of User. When empty the
	// stored thread is used.
	History []ai.Message
	User    *Message

	// AssistantID is optional; a ULID is generated when empty.
	AssistantID string
	// RegenerateID replaces that assistant message. With Branch the new reply
	// is stored as a sibling instead.
	RegenerateID string
	Branch       bool

	// edit rewrites User's stored parts and drops its descendants first.
	edit bool
}

type TurnResult struct {
	ChatID        string   `json:"chat_id"`
	UserMessageID string   `json:"user_message_id,omitempty"`
	Assistant     *Message `json:"assistant,omitempty"`
	Canceled      bool     `json:"canceled"`
	Replayed      bool     `json:"replayed"`
}

// generator produces the assistant parts for a turn. On cancellation it
// returns whatever it produced so far.
type generator func(ctx context.Context, p ai.Provider, req ai.Request) ([]ai.Part, error)

// Turn runs a blocking turn. Usage.Stream is ignored.
func (s *Service) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	req.Usage.Stream = false
	return s.run(ctx, req, false, s.textGenerator(nil))
}

// StreamTurn relays text deltas through emit as they arrive. If emit fails
// the turn is canceled and the partial reply is kept.
func (s *Service) StreamTurn(ctx context.Context, req TurnRequest, emit func(string) error) (*TurnResult, error) {
	req.Usage.Stream = true
	return s.run(ctx, req, false, s.textGenerator(emit))
}

// ImageTurn generates images from the user message text.
func (s *Service) ImageTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	req.Usage.Stream = false
	return s.run(ctx, req, true, func(ctx context.Context, p ai.Provider, areq ai.Request) ([]ai.Part, error) {
		ip, ok := p.(ai.ImageProvider)
		if !ok {
			return nil, ai.Errorf(req.Provider, ai.KindInvalidRequest, "provider %s does not generate images", req.Provider)
		}
		var prompt string
		if n := len(areq.Messages); n > 0 {
			prompt = areq.Messages[n-1].Text()
		}
		if strings.TrimSpace(prompt) == "" {
			return nil, ai.Errorf(req.Provider, ai.KindInvalidRequest, "image prompt is empty")
		}
		images, err := ip.GenerateImage(ctx, areq.Usage, prompt)
		if err != nil {
			return nil, err
		}
		var parts []ai.Part
		var revised string
		for _, img := range images {
			parts = append(parts, ai.Part{Type: ai.PartImage, URL: img.URL, Data: img.Data, MimeType: img.MimeType})
			if revised == "" {
				revised = img.RevisedPrompt
			}
		}
		if revised != "" {
			parts = append(parts, ai.TextPart(revised))
		}
		return parts, nil
	})
}

func (s *Service) textGenerator(emit func(string) error) generator {
	return func(ctx context.Context, p ai.Provider, req ai.Request) ([]ai.Part, error) {
		if !req.Usage.Stream {
			text, err := p.Chat(ctx, req)
			if err != nil {
				return nil, err
			}
			if emit != nil && text != "" {
				if err := emit(text); err != nil {
					return []ai.Part{ai.TextPart(text)}, errClientGone
				}
			}
			return []ai.Part{ai.TextPart(text)}, nil
		}

		chunks, errs := p.StreamChat(ctx, req)
		var b strings.Builder
		for chunk := range chunks {
			b.WriteString(chunk)
			if emit == nil {
				continue
			}
			if err := emit(chunk); err != nil {
				return []ai.Part{ai.TextPart(b.String())}, errClientGone
			}
		}
		parts := []ai.Part{ai.TextPart(b.String())}
		if err := <-errs; err != nil {
			return parts, err
		}
		return parts, nil
	}
}

// Cancel stops the chat's in-flight turn. The partial reply is persisted by
// the turn itself.
func (s *Service) Cancel(ownerID uint64, chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.inflight[chatID]
	if !ok || t.ownerID != ownerID {
		return false
	}
	t.cancel()
	return true
}

func (s *Service) track(chatID string, ownerID uint64, cancel context.CancelFunc) func() {
	s.mu.Lock()
	s.inflight[chatID] = inflightTurn{ownerID: ownerID, cancel: cancel}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.inflight, chatID)
		s.mu.Unlock()
	}
}

func validateTurn(req *TurnRequest) error {
	if req.OwnerID == 0 {
		return fmt.Errorf("%w: owner is required", ErrInvalidRequest)
	}
	if req.ChatID == "" || len(req.ChatID) > maxIDLen {
		return fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	}
	if len(req.AssistantID) > maxIDLen || len(req.RegenerateID) > maxIDLen {
		return fmt.Errorf("%w: id too long", ErrInvalidRequest)
	}
	if req.RegenerateID != "" {
		return nil
	}
	if req.User == nil {
		return fmt.Errorf("%w: user message is required", ErrInvalidRequest)
	}
	u := req.User
	if u.ID == "" || len(u.ID) > maxIDLen {
		return fmt.Errorf("%w: message id is required", ErrInvalidRequest)
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.Role != RoleUser {
		return fmt.Errorf("%w: last message must have role user", ErrInvalidRequest)
	}
	if len(u.Content()) == 0 {
		return fmt.Errorf("%w: message has no content", ErrInvalidRequest)
	}
	return nil
}

func (s *Service) run(ctx context.Context, req TurnRequest, image bool, gen generator) (*TurnResult, error) {
	if err := validateTurn(&req); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, req.ChatID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log := s.log.With(zap.String("chat_id", req.ChatID), zap.Uint64("owner_id", req.OwnerID))
	res := &TurnResult{ChatID: req.ChatID}

	exists, err := s.repo.ChatAccess(ctx, req.OwnerID, req.ChatID)
	if err != nil {
		return nil, err
	}

	if req.edit {
		if err := s.repo.UpdateMessage(ctx, req.OwnerID, req.User.ID, req.User.Content()); err != nil {
			return nil, err
		}
		dropped, err := s.repo.DeleteDescendants(ctx, req.OwnerID, req.User.ID)
		if err != nil {
			return nil, err
		}
		log.Debug("edit dropped descendants", zap.Int("count", len(dropped)))
	}

	var (
		user       *Message
		userStored bool
		target     *Message
		parentID   *string
	)
	switch {
	case req.RegenerateID != "":
		if !exists {
			return nil, ErrNotFound
		}
		// a retried regenerate finds its reply stored and the target gone
		if req.AssistantID != "" {
			prev, err := s.repo.GetMessage(ctx, req.OwnerID, req.AssistantID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return nil, err
			case prev.ChatID != req.ChatID || prev.Role != RoleAssistant:
				return nil, ErrConflict
			default:
				res.Assistant = prev
				res.Replayed = true
				if prev.ParentID != nil {
					res.UserMessageID = *prev.ParentID
				}
				log.Info("regenerate replayed", zap.String("message_id", prev.ID))
				return res, nil
			}
		}
		target, err = s.repo.GetMessage(ctx, req.OwnerID, req.RegenerateID)
		if err != nil {
			return nil, err
		}
		if target.ChatID != req.ChatID {
			return nil, ErrNotFound
		}
		if target.Role != RoleAssistant {
			return nil, fmt.Errorf("%w: only assistant replies can be regenerated", ErrInvalidRequest)
		}
		parentID = target.ParentID
		if parentID != nil {
			res.UserMessageID = *parentID
		}
	default:
		user = req.User
		res.UserMessageID = user.ID
		stored, err := s.repo.GetMessage(ctx, req.OwnerID, user.ID)
		switch {
		case errors.Is(err, ErrNotFound):
			// the parent is checked before paying for a generation
			if user.ParentID != nil {
				if err := s.checkParent(ctx, req, *user.ParentID, exists); err != nil {
					return nil, err
				}
			}
		case err != nil:
			return nil, err
		case stored.ChatID != req.ChatID:
			return nil, ErrConflict
		default:
			userStored = true
			user = stored
			if !req.Branch {
				replies, err := s.repo.Children(ctx, req.OwnerID, req.ChatID, user.ID, RoleAssistant)
				if err != nil {
					return nil, err
				}
				if n := len(replies); n > 0 {
					res.Assistant = &replies[n-1]
					res.Replayed = true
					log.Info("turn replayed", zap.String("message_id", user.ID))
					return res, nil
				}
			}
		}
		parentID = &user.ID
	}

	provider := req.Provider
	info := s.models.Resolve(req.Usage.Model)
	if provider == "" {
		provider = info.Provider
	}
	if info.Provider != provider {
		info = ai.ModelInfo{ID: info.ID, Provider: provider}
	}
	usage := ai.Normalize(req.Usage, provider, info, image, s.now())

	p, err := s.registry.Get(ctx, provider, ai.FactoryOptions{Model: usage.Model, APIKey: usage.APIKey})
	if err != nil {
		return nil, err
	}
	usage.APIKey = ""

	thread, err := s.buildThread(ctx, req, user, userStored, target)
	if err != nil {
		return nil, err
	}
	if !info.Vision {
		thread = withoutImages(thread)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	untrack := s.track(req.ChatID, req.OwnerID, cancel)
	defer untrack()

	start := s.now()
	parts, genErr := gen(turnCtx, p, ai.Request{Usage: usage, Messages: thread})
	if errors.Is(genErr, errClientGone) {
		cancel()
	}
	canceled := turnCtx.Err() != nil
	if genErr != nil && !canceled {
		log.Warn("generation failed",
			zap.String("provider", string(provider)),
			zap.String("model", usage.Model),
			zap.String("kind", ai.KindOf(genErr).String()),
			zap.Error(genErr),
		)
		return nil, genErr
	}
	res.Canceled = canceled

	var msgs []*Message
	if user != nil && !userStored {
		user.Role = RoleUser
		user.CreatedAt = start
		msgs = append(msgs, user)
	}
	var assistant *Message
	if partsText(parts) != "" || (!canceled && len(parts) > 0) {
		id := req.AssistantID
		if id == "" {
			if id, err = common.NewULID(); err != nil {
				return nil, err
			}
		}
		assistant = &Message{ID: id, Role: RoleAssistant, ParentID: parentID, CreatedAt: s.now()}
		if err := assistant.SetContent(parts); err != nil {
			return nil, err
		}
		msgs = append(msgs, assistant)
	}
	if len(msgs) == 0 {
		return res, nil
	}

	c := &Chat{ID: req.ChatID, OwnerID: req.OwnerID, Title: req.Title, Model: usage.Model}
	if image {
		c.ContentType = ContentImage
	}
	regenerateID := ""
	if target != nil && !req.Branch {
		regenerateID = target.ID
	}

	pctx, pcancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer pcancel()
	inserted, err := s.persist(pctx, log, c, msgs, regenerateID)
	if err != nil {
		return nil, err
	}
	res.Assistant = assistant
	if canceled {
		log.Info("turn canceled", zap.Int("partial_len", len(partsText(parts))))
	}

	if inserted && assistant != nil && regenerateID == "" && s.titles != nil {
		claimed, err := s.repo.ClaimTitle(pctx, req.ChatID)
		if err != nil {
			log.Warn("claim title failed", zap.Error(err))
		} else if claimed {
			s.titles.Dispatch(TitleJob{ChatID: req.ChatID, OwnerID: req.OwnerID})
		}
	}
	return res, nil
}

func (s *Service) checkParent(ctx context.Context, req TurnRequest, parentID string, chatExists bool) error {
	if !chatExists || parentID == req.User.ID {
		return ErrInvalidParent
	}
	parent, err := s.repo.GetMessage(ctx, req.OwnerID, parentID)
	if errors.Is(err, ErrNotFound) {
		return ErrInvalidParent
	}
	if err != nil {
		return err
	}
	if parent.ChatID != req.ChatID {
		return ErrInvalidParent
	}
	return nil
}

// buildThread returns the messages sent upstream, oldest first.
func (s *Service) buildThread(ctx context.Context, req TurnRequest, user *Message, userStored bool, target *Message) ([]ai.Message, error) {
	if len(req.History) > 0 {
		thread := append([]ai.Message(nil), req.History...)
		if user != nil {
			thread = append(thread, user.AIMessage())
		}
		return thread, nil
	}

	var leaf *string
	switch {
	case target != nil:
		leaf = target.ParentID
	case userStored:
		leaf = &user.ID
	case user.ParentID != nil:
		leaf = user.ParentID
	}

	var thread []ai.Message
	if leaf != nil {
		stored, err := s.repo.Thread(ctx, req.OwnerID, req.ChatID, *leaf)
		if err != nil {
			return nil, err
		}
		for i := range stored {
			thread = append(thread, stored[i].AIMessage())
		}
	}
	if user != nil && !userStored {
		thread = append(thread, user.AIMessage())
	}
	return thread, nil
}

// persist stores the exchange with a fresh transaction per attempt. The
// adapter is never called again here.
func (s *Service) persist(ctx context.Context, log *zap.Logger, c *Chat, msgs []*Message, regenerateID string) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= s.persistAttempts; attempt++ {
		inserted, err := s.persistOnce(ctx, c, msgs, regenerateID)
		if err == nil {
			return inserted, nil
		}
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidParent) ||
			errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidRequest) {
			return false, err
		}
		lastErr = err
		log.Warn("persist exchange failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == s.persistAttempts {
			break
		}
		select {
		case <-time.After(s.persistBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %v", ErrPersist, lastErr)
		}
	}
	return false, fmt.Errorf("%w: %v", ErrPersist, lastErr)
}

func (s *Service) persistOnce(ctx context.Context, c *Chat, msgs []*Message, regenerateID string) (bool, error) {
	cc := *c
	if _, err := s.repo.CreateChatIfAbsent(ctx, &cc); err != nil {
		return false, err
	}
	return s.repo.AppendExchange(ctx, c.OwnerID, c.ID, msgs, regenerateID)
}

func withoutImages(thread []ai.Message) []ai.Message {
	out := make([]ai.Message, 0, len(thread))
	for _, m := range thread {
		parts := make([]ai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.Type != ai.PartImage {
				parts = append(parts, p)
			}
		}
		out = append(out, ai.Message{Role: m.Role, Parts: parts})
	}
	return out
}

func partsText(parts []ai.Part) string {
	return ai.Message{Parts: parts}.Text()
}

// ChatView is a chat with its messages in thread order.
type ChatView struct {
	Chat     *Chat     `json:"chat"`
	Messages []Message `json:"messages"`
}

func (s *Service) GetChat(ctx context.Context, ownerID uint64, chatID string) (*ChatView, error) {
	c, err := s.repo.GetChat(ctx, ownerID, chatID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, ownerID, chatID)
	if err != nil {
		return nil, err
	}
	return &ChatView{Chat: c, Messages: msgs}, nil
}

func (s *Service) ListChats(ctx context.Context, ownerID uint64, limit, offset int) ([]Chat, error) {
	return s.repo.ListChats(ctx, ownerID, limit, offset)
}

func (s *Service) DeleteChat(ctx context.Context, ownerID uint64, chatID string) error {
	unlock, err := s.locker.Lock(ctx, chatID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.repo.DeleteChat(ctx, ownerID, chatID)
}

func (s *Service) CreateShare(ctx context.Context, ownerID uint64, chatID string) (*Share, error) {
	id, err := common.NewULID()
	if err != nil {
		return nil, err
	}
	sh := &Share{ID: id, ChatID: chatID, OwnerID: ownerID}
	if err := s.repo.CreateShare(ctx, sh); err != nil {
		return nil, err
	}
	return sh, nil
}

func (s *Service) DeleteShare(ctx context.Context, ownerID uint64, chatID string) error {
	return s.repo.DeleteShare(ctx, ownerID, chatID)
}

func (s *Service) SharedChat(ctx context.Context, shareID string) (*ChatView, error) {
	c, msgs, err := s.repo.SharedChat(ctx, shareID)
	if err != nil {
		return nil, err
	}
	return &ChatView{Chat: c, Messages: msgs}, nil
}
