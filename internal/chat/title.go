package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/gopherchat/internal/ai"
	"go.uber.org/zap"
)

const (
	maxTitleRunes    = 80
	maxTitleInput    = 2000
	titleInstruction = "Write a short title (at most six words) for the conversation below. " +
		"Reply with the title only, no quotes and no punctuation at the end."
)

var (
	dataImageMarkdown = regexp.MustCompile(`!\[[^\]]*\]\(data:image/[^)]*\)`)
	imgTag            = regexp.MustCompile(`(?i)<img[^>]*>`)
)

var errEmptyTitle = errors.New("empty title")

// TitleGenerator names a chat from its first exchange with a cheap model.
type TitleGenerator struct {
	repo     *Repo
	registry *ai.Registry
	provider ai.ProviderName
	model    string
	timeout  time.Duration
	log      *zap.Logger
}

func NewTitleGenerator(repo *Repo, registry *ai.Registry, provider ai.ProviderName, model string, timeout time.Duration, log *zap.Logger) *TitleGenerator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TitleGenerator{
		repo:     repo,
		registry: registry,
		provider: provider,
		model:    model,
		timeout:  timeout,
		log:      log,
	}
}

// Generate expects the chat to be claimed (TitlePending). Any failure leaves
// the placeholder title and moves the chat to TitleFailed.
func (g *TitleGenerator) Generate(ctx context.Context, job TitleJob) error {
	if err := g.Try(ctx, job); err != nil {
		g.Fail(ctx, job)
		return err
	}
	return nil
}

// Try makes one attempt and leaves the chat pending on error, so the caller
// may retry or give up with Fail.
func (g *TitleGenerator) Try(ctx context.Context, job TitleJob) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	title, err := g.title(ctx, job)
	if err != nil {
		return err
	}
	return g.repo.SetTitle(ctx, job.ChatID, title)
}

// Fail gives up on a pending title; the placeholder stays.
func (g *TitleGenerator) Fail(ctx context.Context, job TitleJob) {
	if err := g.repo.MarkTitleFailed(context.WithoutCancel(ctx), job.ChatID); err != nil {
		g.log.Warn("mark title failed", zap.String("chat_id", job.ChatID), zap.Error(err))
	}
}

// Retryable reports whether another attempt at the same job could succeed.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	switch ai.KindOf(err) {
	case ai.KindUnauthorized, ai.KindInvalidRequest:
		return false
	}
	return !errors.Is(err, errEmptyTitle)
}

func (g *TitleGenerator) title(ctx context.Context, job TitleJob) (string, error) {
	user, reply, err := g.repo.FirstExchange(ctx, job.OwnerID, job.ChatID)
	if err != nil {
		return "", fmt.Errorf("load first exchange: %w", err)
	}

	p, err := g.registry.Get(ctx, g.provider, ai.FactoryOptions{Model: g.model})
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf("User: %s\n\nAssistant: %s",
		truncateRunes(user.AIMessage().Text(), maxTitleInput),
		truncateRunes(StripImageMarkup(reply.AIMessage().Text()), maxTitleInput),
	)
	out, err := p.Chat(ctx, ai.Request{
		Usage: ai.Usage{Model: g.model, SystemPrompt: titleInstruction},
		Messages: []ai.Message{
			{Role: string(RoleUser), Parts: []ai.Part{ai.TextPart(prompt)}},
		},
	})
	if err != nil {
		return "", err
	}
	title := cleanTitle(out)
	if title == "" {
		return "", errEmptyTitle
	}
	return title, nil
}

// StripImageMarkup removes inline base64 images from assistant text.
func StripImageMarkup(s string) string {
	s = dataImageMarkdown.ReplaceAllString(s, "")
	s = imgTag.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "Title:")
	s = strings.Trim(strings.TrimSpace(s), "\"'`*#")
	s = strings.TrimRight(s, ".")
	return truncateRunes(strings.TrimSpace(s), maxTitleRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

// TitleDispatcher hands a claimed title job off without blocking the turn.
type TitleDispatcher interface {
	Dispatch(job TitleJob)
}

// InlineTitleDispatcher runs each job on its own goroutine, detached from the
// request that triggered it.
type InlineTitleDispatcher struct {
	gen *TitleGenerator
	log *zap.Logger
	wg  sync.WaitGroup
}

func NewInlineTitleDispatcher(gen *TitleGenerator, log *zap.Logger) *InlineTitleDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &InlineTitleDispatcher{gen: gen, log: log}
}

func (d *InlineTitleDispatcher) Dispatch(job TitleJob) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("title generation panic", zap.String("chat_id", job.ChatID), zap.Any("panic", r))
			}
		}()
		if err := d.gen.Generate(context.Background(), job); err != nil {
			d.log.Warn("title generation failed", zap.String("chat_id", job.ChatID), zap.Error(err))
		}
	}()
}

// Wait blocks until every dispatched job has finished.
func (d *InlineTitleDispatcher) Wait() { d.wg.Wait() }

type TitlePublisher interface {
	PublishTitleJob(ctx context.Context, job TitleJob) error
}

// QueueTitleDispatcher publishes jobs for cmd/worker.
type QueueTitleDispatcher struct {
	pub  TitlePublisher
	repo *Repo
	log  *zap.Logger
	wg   sync.WaitGroup
}

func NewQueueTitleDispatcher(pub TitlePublisher, repo *Repo, log *zap.Logger) *QueueTitleDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueTitleDispatcher{pub: pub, repo: repo, log: log}
}

func (d *QueueTitleDispatcher) Dispatch(job TitleJob) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.pub.PublishTitleJob(ctx, job); err != nil {
			d.log.Warn("publish title job failed", zap.String("chat_id", job.ChatID), zap.Error(err))
			if mErr := d.repo.MarkTitleFailed(ctx, job.ChatID); mErr != nil {
				d.log.Warn("mark title failed", zap.String("chat_id", job.ChatID), zap.Error(mErr))
			}
		}
	}()
}

func (d *QueueTitleDispatcher) Wait() { d.wg.Wait() }
