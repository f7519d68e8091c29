// Package chat validates, stores and fans out direct messages and reactions.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/registry"
)

// Server events emitted by the router.
const (
	EventNewMessage      = "new_message"
	EventReactionUpdated = "reaction_updated"
)

// Store is the persistence the router needs.
type Store interface {
	InsertMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	ListMessages(ctx context.Context, conversationID, after string, limit int) ([]domain.Message, bool, error)
	UpsertReaction(ctx context.Context, r domain.Reaction) error
	DeleteReaction(ctx context.Context, messageID, userID string) (bool, error)
	Reactions(ctx context.Context, messageID string) ([]domain.Reaction, error)
}

// Options bound what the router accepts.
type Options struct {
	MaxContentLength int // runes; 0 means unlimited
	DefaultPageSize  int // 0 returns the full history
}

// SendRequest is a message as submitted by its sender.
type SendRequest struct {
	SenderID      string
	ReceiverID    string
	Type          domain.MessageType
	Content       string
	AttachmentRef string
	ReplyToID     string
}

// Page selects a slice of a conversation's history.
type Page struct {
	After string // id of the last message already seen
	Limit int
}

// PageResult is one page of history. NextCursor is empty on the last page.
type PageResult struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ReactionUpdate is fanned out whenever a message's reaction set changes.
type ReactionUpdate struct {
	MessageID      string               `json:"message_id"`
	ConversationID string               `json:"conversation_id"`
	UserID         string               `json:"user_id"`
	Reaction       *domain.ReactionKind `json:"reaction"`
	Reactions      []domain.Reaction    `json:"reactions"`
}

// Router is the entry point for sending messages and reacting to them.
type Router struct {
	store Store
	reg   *registry.Registry
	hooks *hooks.Manager
	opts  Options
	locks *keyedMutex
	log   *logging.Logger
}

// NewRouter creates a router. hooks may be nil.
func NewRouter(store Store, reg *registry.Registry, h *hooks.Manager, opts Options, log *logging.Logger) *Router {
	return &Router{
		store: store,
		reg:   reg,
		hooks: h,
		opts:  opts,
		locks: newKeyedMutex(),
		log:   log.Sub("chat"),
	}
}

// Conversation returns the conversation id shared by two users.
func (r *Router) Conversation(userA, userB string) string {
	return domain.ConversationKey(userA, userB)
}

func (r *Router) validate(req *SendRequest) error {
	if !domain.ValidUserID(req.SenderID) {
		return domain.Validationf("invalid sender id %q", req.SenderID)
	}
	if !domain.ValidUserID(req.ReceiverID) {
		return domain.Validationf("invalid receiver id %q", req.ReceiverID)
	}
	if req.Type == "" {
		req.Type = domain.MessageText
	}
	if !req.Type.Valid() {
		return domain.Validationf("unknown message type %q", req.Type)
	}
	if strings.TrimSpace(req.Content) == "" {
		req.Content = ""
		if req.AttachmentRef == "" {
			return domain.Validationf("message must carry content or an attachment")
		}
	}
	if limit := r.opts.MaxContentLength; limit > 0 && utf8.RuneCountInString(req.Content) > limit {
		return domain.Validationf("content exceeds %d characters", limit)
	}
	return nil
}

// SendMessage validates and durably stores a message, then delivers it to
// every live connection of both participants. Delivery failures do not fail
// the send.
func (r *Router) SendMessage(ctx context.Context, req SendRequest) (domain.Message, error) {
	if err := r.validate(&req); err != nil {
		return domain.Message{}, err
	}
	convID := domain.ConversationKey(req.SenderID, req.ReceiverID)

	if req.ReplyToID != "" {
		parent, err := r.store.GetMessage(ctx, req.ReplyToID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Message{}, fmt.Errorf("reply to %s: %w", req.ReplyToID, domain.ErrInvalidReference)
		}
		if err != nil {
			return domain.Message{}, err
		}
		if parent.ConversationID != convID {
			return domain.Message{}, fmt.Errorf("reply to %s: %w", req.ReplyToID, domain.ErrInvalidReference)
		}
	}

	msg := domain.Message{
		ConversationID:   convID,
		SenderID:         req.SenderID,
		ReceiverID:       req.ReceiverID,
		Type:             req.Type,
		Content:          req.Content,
		AttachmentRef:    req.AttachmentRef,
		ReplyToMessageID: req.ReplyToID,
	}

	unlock := r.locks.Lock(convID)
	if err := r.store.InsertMessage(ctx, &msg); err != nil {
		unlock()
		return domain.Message{}, fmt.Errorf("storing message: %w", err)
	}
	delivered := r.reg.EmitToUsers(EventNewMessage, msg, msg.SenderID, msg.ReceiverID)
	unlock()

	r.log.Debug().
		Str("id", msg.ID).
		Str("conversation", convID).
		Str("type", string(msg.Type)).
		Int("delivered", delivered).
		Msg("message sent")

	r.emit(ctx, hooks.EventMessageCreated, msg, map[string]any{
		"conversation_id": convID,
		"sender_id":       msg.SenderID,
		"receiver_id":     msg.ReceiverID,
		"receiver_online": r.reg.Online(msg.ReceiverID),
	})
	return msg, nil
}

// ListMessages returns a page of a conversation's history in storage order.
func (r *Router) ListMessages(ctx context.Context, conversationID string, page Page) (PageResult, error) {
	if _, _, err := domain.ParseConversationKey(conversationID); err != nil {
		return PageResult{}, err
	}
	limit := page.Limit
	if limit <= 0 {
		limit = r.opts.DefaultPageSize
	}

	msgs, more, err := r.store.ListMessages(ctx, conversationID, page.After, limit)
	if err != nil {
		return PageResult{}, err
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}

	res := PageResult{Messages: msgs}
	if more && len(msgs) > 0 {
		res.NextCursor = msgs[len(msgs)-1].ID
	}
	return res, nil
}

// AddReaction sets userID's reaction on a message. Only the two participants
// of the message's conversation may react.
func (r *Router) AddReaction(ctx context.Context, messageID, userID string, kind domain.ReactionKind) (ReactionUpdate, error) {
	if !kind.Valid() {
		return ReactionUpdate{}, domain.Validationf("unknown reaction %q", kind)
	}
	return r.updateReaction(ctx, messageID, userID, &kind)
}

// RemoveReaction clears userID's reaction on a message. Removing a reaction
// that does not exist succeeds.
func (r *Router) RemoveReaction(ctx context.Context, messageID, userID string) (ReactionUpdate, error) {
	return r.updateReaction(ctx, messageID, userID, nil)
}

func (r *Router) updateReaction(ctx context.Context, messageID, userID string, kind *domain.ReactionKind) (ReactionUpdate, error) {
	msg, err := r.store.GetMessage(ctx, messageID)
	if err != nil {
		return ReactionUpdate{}, err
	}
	if !msg.HasParticipant(userID) {
		// Outsiders must not learn the message exists.
		return ReactionUpdate{}, domain.NotFoundf("message %s not found", messageID)
	}

	unlock := r.locks.Lock(msg.ConversationID)
	defer unlock()

	op := "add"
	if kind != nil {
		err = r.store.UpsertReaction(ctx, domain.Reaction{MessageID: messageID, UserID: userID, Kind: *kind})
	} else {
		op = "remove"
		_, err = r.store.DeleteReaction(ctx, messageID, userID)
	}
	if err != nil {
		return ReactionUpdate{}, fmt.Errorf("updating reaction: %w", err)
	}

	reactions, err := r.store.Reactions(ctx, messageID)
	if err != nil {
		return ReactionUpdate{}, err
	}

	update := ReactionUpdate{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Reaction:       kind,
		Reactions:      reactions,
	}
	r.reg.EmitToUsers(EventReactionUpdated, update, msg.SenderID, msg.ReceiverID)

	r.emit(ctx, hooks.EventReactionUpdated, update, map[string]any{
		"op":              op,
		"conversation_id": msg.ConversationID,
		"user_id":         userID,
	})
	return update, nil
}

func (r *Router) emit(ctx context.Context, event string, subject any, data map[string]any) {
	if r.hooks == nil {
		return
	}
	r.hooks.EmitAsync(context.WithoutCancel(ctx), event, subject, data)
}
