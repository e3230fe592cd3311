package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/suPer8Hu/gopherchat/internal/ai"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateChatIfAbsent inserts c unless a chat with the same id exists and
// reports whether this call created it. Concurrent calls for one id insert once.
func (r *Repo) CreateChatIfAbsent(ctx context.Context, c *Chat) (bool, error) {
	if c.Title == "" {
		c.Title = DefaultTitle
	}
	if c.ContentType == "" {
		c.ContentType = ContentChat
	}
	if c.TitleState == "" {
		c.TitleState = TitleNone
	}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(c)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var existing Chat
	if err := r.db.WithContext(ctx).Select("id", "owner_id").First(&existing, "id = ?", c.ID).Error; err != nil {
		return false, notFound(err)
	}
	if existing.OwnerID != c.OwnerID {
		return false, ErrNotFound
	}
	return false, nil
}

// ChatAccess reports whether the chat exists. A chat owned by someone else
// yields ErrNotFound so callers cannot claim its id.
func (r *Repo) ChatAccess(ctx context.Context, ownerID uint64, chatID string) (bool, error) {
	var c Chat
	err := r.db.WithContext(ctx).Select("id", "owner_id").First(&c, "id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.OwnerID != ownerID {
		return false, ErrNotFound
	}
	return true, nil
}

func (r *Repo) GetChat(ctx context.Context, ownerID uint64, chatID string) (*Chat, error) {
	var c Chat
	if err := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", chatID, ownerID).
		First(&c).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// ListChats returns the owner's chats, most recently updated first.
func (r *Repo) ListChats(ctx context.Context, ownerID uint64, limit, offset int) ([]Chat, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var chats []Chat
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&chats).Error; err != nil {
		return nil, err
	}
	return chats, nil
}

// DeleteChat removes the chat with its messages and share.
func (r *Repo) DeleteChat(ctx context.Context, ownerID uint64, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND owner_id = ?", chatID, ownerID).Delete(&Chat{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&Message{}).Error; err != nil {
			return err
		}
		return tx.Where("chat_id = ?", chatID).Delete(&Share{}).Error
	})
}

func (r *Repo) GetMessage(ctx context.Context, ownerID uint64, id string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("id = ? AND owner_id = ?", id, ownerID).
		First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListMessages returns the chat's messages in thread order: every parent
// precedes its children, siblings by creation time.
func (r *Repo) ListMessages(ctx context.Context, ownerID uint64, chatID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		Order("created_at ASC").Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return threadOrder(msgs), nil
}

// Children returns direct children of parentID, oldest first. An empty role matches any.
func (r *Repo) Children(ctx context.Context, ownerID uint64, chatID, parentID string, role Role) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ? AND parent_id = ?", chatID, ownerID, parentID)
	if role != "" {
		q = q.Where("role = ?", role)
	}
	var msgs []Message
	if err := q.Order("created_at ASC").Order("id ASC").Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// Thread returns the ancestor chain of leafID, root first, leaf last.
func (r *Repo) Thread(ctx context.Context, ownerID uint64, chatID, leafID string) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]Message, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
	}
	cur, ok := byID[leafID]
	if !ok {
		return nil, ErrNotFound
	}

	var chain []Message
	seen := map[string]bool{}
	for {
		if seen[cur.ID] {
			break
		}
		seen[cur.ID] = true
		chain = append(chain, cur)
		if cur.ParentID == nil {
			break
		}
		next, ok := byID[*cur.ParentID]
		if !ok {
			break
		}
		cur = next
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// AppendExchange persists one turn. msgs holds a user and an assistant
// message, or just the assistant message when the user message is stored.
//
// With regenerateID the single message in msgs replaces that message: only
// the target row is deleted and its children are re-parented to the
// replacement. Without it, nothing is written when any id in msgs already
// exists, which makes client retries harmless. The returned bool reports
// whether rows were written.
func (r *Repo) AppendExchange(ctx context.Context, ownerID uint64, chatID string, msgs []*Message, regenerateID string) (bool, error) {
	if len(msgs) == 0 || len(msgs) > 2 {
		return false, fmt.Errorf("%w: exchange needs one or two messages", ErrInvalidRequest)
	}
	if regenerateID != "" && len(msgs) != 1 {
		return false, fmt.Errorf("%w: regenerate takes exactly one message", ErrInvalidRequest)
	}

	inserted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Chat
		if err := tx.Select("id").
			Where("id = ? AND owner_id = ?", chatID, ownerID).
			First(&c).Error; err != nil {
			return notFound(err)
		}

		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			m.ChatID = chatID
			m.OwnerID = ownerID
			ids = append(ids, m.ID)
		}
		var existing []Message
		if err := tx.Select("id", "chat_id", "owner_id").Where("id IN ?", ids).Find(&existing).Error; err != nil {
			return err
		}
		for _, e := range existing {
			if e.ChatID != chatID || e.OwnerID != ownerID {
				return ErrConflict
			}
		}

		if len(existing) > 0 {
			return nil
		}

		if regenerateID != "" {
			var target Message
			if err := tx.Where("id = ? AND chat_id = ? AND owner_id = ?", regenerateID, chatID, ownerID).
				First(&target).Error; err != nil {
				return notFound(err)
			}
			repl := msgs[0]
			if repl.ParentID == nil {
				repl.ParentID = target.ParentID
			}
			if err := checkParents(tx, ownerID, chatID, msgs); err != nil {
				return err
			}
			if err := tx.Create(repl).Error; err != nil {
				return err
			}
			if err := tx.Model(&Message{}).
				Where("chat_id = ? AND parent_id = ?", chatID, target.ID).
				Update("parent_id", repl.ID).Error; err != nil {
				return err
			}
			if err := tx.Delete(&Message{}, "id = ?", target.ID).Error; err != nil {
				return err
			}
			inserted = true
			return touchChat(tx, chatID)
		}

		if err := checkParents(tx, ownerID, chatID, msgs); err != nil {
			return err
		}
		for _, m := range msgs {
			if err := tx.Create(m).Error; err != nil {
				return err
			}
		}
		inserted = true
		return touchChat(tx, chatID)
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// checkParents verifies that every parent is in the batch or already in the chat.
func checkParents(tx *gorm.DB, ownerID uint64, chatID string, msgs []*Message) error {
	batch := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		batch[m.ID] = true
	}
	var outside []string
	for _, m := range msgs {
		if m.ParentID == nil {
			continue
		}
		if *m.ParentID == m.ID {
			return ErrInvalidParent
		}
		if !batch[*m.ParentID] {
			outside = append(outside, *m.ParentID)
		}
	}
	if len(outside) == 0 {
		return nil
	}
	var n int64
	if err := tx.Model(&Message{}).
		Where("id IN ? AND chat_id = ? AND owner_id = ?", outside, chatID, ownerID).
		Count(&n).Error; err != nil {
		return err
	}
	if int(n) != len(uniq(outside)) {
		return ErrInvalidParent
	}
	return nil
}

func touchChat(tx *gorm.DB, chatID string) error {
	return tx.Model(&Chat{}).Where("id = ?", chatID).Update("updated_at", time.Now()).Error
}

// UpdateMessage replaces the parts of a message. Role, parent and id are kept.
func (r *Repo) UpdateMessage(ctx context.Context, ownerID uint64, id string, parts []ai.Part) error {
	var m Message
	if err := m.SetContent(parts); err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Updates(map[string]any{"parts": datatypes.JSON(m.Parts), "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage deletes id and every message whose parent chain leads to it.
// It returns the deleted ids.
func (r *Repo) DeleteMessage(ctx context.Context, ownerID uint64, id string) ([]string, error) {
	return r.deleteSubtree(ctx, ownerID, id, true)
}

// DeleteDescendants deletes everything below id but keeps id itself.
func (r *Repo) DeleteDescendants(ctx context.Context, ownerID uint64, id string) ([]string, error) {
	return r.deleteSubtree(ctx, ownerID, id, false)
}

func (r *Repo) deleteSubtree(ctx context.Context, ownerID uint64, id string, includeRoot bool) ([]string, error) {
	var deleted []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var root Message
		if err := tx.Select("id", "chat_id").
			Where("id = ? AND owner_id = ?", id, ownerID).
			First(&root).Error; err != nil {
			return notFound(err)
		}

		var links []Message
		if err := tx.Select("id", "parent_id").
			Where("chat_id = ? AND owner_id = ?", root.ChatID, ownerID).
			Find(&links).Error; err != nil {
			return err
		}
		children := make(map[string][]string, len(links))
		for _, l := range links {
			if l.ParentID != nil {
				children[*l.ParentID] = append(children[*l.ParentID], l.ID)
			}
		}

		seen := map[string]bool{root.ID: true}
		queue := []string{root.ID}
		if includeRoot {
			deleted = append(deleted, root.ID)
		}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, child := range children[cur] {
				if seen[child] {
					continue
				}
				seen[child] = true
				deleted = append(deleted, child)
				queue = append(queue, child)
			}
		}
		if len(deleted) == 0 {
			return nil
		}
		if err := tx.Where("id IN ? AND chat_id = ? AND owner_id = ?", deleted, root.ChatID, ownerID).
			Delete(&Message{}).Error; err != nil {
			return err
		}
		return touchChat(tx, root.ChatID)
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// ClaimTitle moves the chat from TitleNone to TitlePending. Only one caller
// ever sees true for a chat.
func (r *Repo) ClaimTitle(ctx context.Context, chatID string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND title_state = ?", chatID, TitleNone).
		Update("title_state", TitlePending)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) SetTitle(ctx context.Context, chatID, title string) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND title_state = ?", chatID, TitlePending).
		Updates(map[string]any{"title": title, "title_state": TitleDone}).Error
}

func (r *Repo) MarkTitleFailed(ctx context.Context, chatID string) error {
	return r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ? AND title_state = ?", chatID, TitlePending).
		Update("title_state", TitleFailed).Error
}

// FirstExchange returns the chat's first user message and its first assistant reply.
func (r *Repo) FirstExchange(ctx context.Context, ownerID uint64, chatID string) (*Message, *Message, error) {
	var user Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ? AND role = ?", chatID, ownerID, RoleUser).
		Order("created_at ASC").Order("id ASC").
		First(&user).Error; err != nil {
		return nil, nil, notFound(err)
	}
	replies, err := r.Children(ctx, ownerID, chatID, user.ID, RoleAssistant)
	if err != nil {
		return nil, nil, err
	}
	if len(replies) == 0 {
		return nil, nil, ErrNotFound
	}
	return &user, &replies[0], nil
}

// CreateShare stores s unless the chat already has a share.
func (r *Repo) CreateShare(ctx context.Context, s *Share) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var c Chat
		if err := tx.Select("id").
			Where("id = ? AND owner_id = ?", s.ChatID, s.OwnerID).
			First(&c).Error; err != nil {
			return notFound(err)
		}
		var n int64
		if err := tx.Model(&Share{}).Where("chat_id = ?", s.ChatID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		if err := tx.Create(s).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrConflict
			}
			return err
		}
		return nil
	})
}

func (r *Repo) DeleteShare(ctx context.Context, ownerID uint64, chatID string) error {
	res := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		Delete(&Share{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) GetShareByChat(ctx context.Context, ownerID uint64, chatID string) (*Share, error) {
	var s Share
	if err := r.db.WithContext(ctx).
		Where("chat_id = ? AND owner_id = ?", chatID, ownerID).
		First(&s).Error; err != nil {
		return nil, notFound(err)
	}
	return &s, nil
}

// SharedChat resolves a public share id to its chat and messages.
func (r *Repo) SharedChat(ctx context.Context, shareID string) (*Chat, []Message, error) {
	var s Share
	if err := r.db.WithContext(ctx).First(&s, "id = ?", shareID).Error; err != nil {
		return nil, nil, notFound(err)
	}
	c, err := r.GetChat(ctx, s.OwnerID, s.ChatID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := r.ListMessages(ctx, s.OwnerID, s.ChatID)
	if err != nil {
		return nil, nil, err
	}
	return c, msgs, nil
}

// threadOrder sorts msgs depth first from the roots. Messages whose parent
// is missing are treated as roots.
func threadOrder(msgs []Message) []Message {
	byID := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = true
	}
	children := make(map[string][]int)
	var roots []int
	for i, m := range msgs {
		if m.ParentID != nil && byID[*m.ParentID] && *m.ParentID != m.ID {
			children[*m.ParentID] = append(children[*m.ParentID], i)
			continue
		}
		roots = append(roots, i)
	}
	less := func(idx []int) {
		sort.SliceStable(idx, func(a, b int) bool {
			ma, mb := msgs[idx[a]], msgs[idx[b]]
			if !ma.CreatedAt.Equal(mb.CreatedAt) {
				return ma.CreatedAt.Before(mb.CreatedAt)
			}
			return ma.ID < mb.ID
		})
	}
	less(roots)

	out := make([]Message, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	var walk func(i int)
	walk = func(i int) {
		m := msgs[i]
		if seen[m.ID] {
			return
		}
		seen[m.ID] = true
		out = append(out, m)
		kids := children[m.ID]
		less(kids)
		for _, k := range kids {
			walk(k)
		}
	}
	for _, i := range roots {
		walk(i)
	}
	// parent cycles leave messages unreachable from any root
	for i := range msgs {
		walk(i)
	}
	return out
}

func uniq(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := ss[:0:0]
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
