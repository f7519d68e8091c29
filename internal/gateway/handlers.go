package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/soyeahso/parley/internal/call"
	"github.com/soyeahso/parley/internal/chat"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/registry"
	"github.com/soyeahso/parley/internal/version"
)

// RequestHandler processes an incoming RPC request frame from a client.
type RequestHandler func(rc *RequestContext)

// RequestContext carries everything a handler needs.
type RequestContext struct {
	Client *Client
	Frame  Frame
	Server *Server

	ctx  context.Context
	code string
}

// Context returns the connection's context.
func (rc *RequestContext) Context() context.Context {
	if rc.ctx == nil {
		return context.Background()
	}
	return rc.ctx
}

// Respond sends a success response.
func (rc *RequestContext) Respond(payload any) {
	if err := rc.Client.Respond(rc.Frame.ID, payload); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send response")
	}
}

// RespondError sends an error response.
func (rc *RequestContext) RespondError(shape ErrorShape) {
	rc.code = shape.Code
	if err := rc.Client.RespondError(rc.Frame.ID, shape); err != nil {
		rc.Server.log.Warn().Err(err).Str("method", rc.Frame.Method).Msg("failed to send error")
	}
}

// Fail maps err to its wire shape and responds with it. details, when
// non-nil, is attached to the error.
func (rc *RequestContext) Fail(err error, details any) {
	shape := errorShape(err)
	shape.Details = details
	if shape.Code == CodeInternal {
		rc.Server.log.Error().Err(err).Str("method", rc.Frame.Method).Msg("request failed")
	}
	rc.RespondError(shape)
}

// Params unmarshals the request params into the given target. Malformed
// params answer the request with invalid_params and return false.
func (rc *RequestContext) Params(target any) bool {
	if len(rc.Frame.Params) == 0 {
		return true
	}
	if err := json.Unmarshal(rc.Frame.Params, target); err != nil {
		rc.RespondError(ErrorShape{Code: CodeInvalidParams, Message: "invalid params: " + err.Error()})
		return false
	}
	return true
}

// recipients accepts a single user id or a list of them.
type recipients []string

func (r *recipients) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*r = nil
		} else {
			*r = recipients{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.New("to must be a user id or a list of user ids")
	}
	*r = many
	return nil
}

// registerRPCHandlers sets up all JSON-RPC method handlers.
func (s *Server) registerRPCHandlers() {
	s.Handle("health", s.rpcHealth)
	s.Handle("join_conversation", s.rpcJoinConversation)
	s.Handle("leave_conversation", s.rpcLeaveConversation)
	s.Handle("send_message", s.rpcSendMessage)
	s.Handle("list_messages", s.rpcListMessages)
	s.Handle("add_reaction", s.rpcAddReaction)
	s.Handle("remove_reaction", s.rpcRemoveReaction)
	s.Handle("typing", s.rpcTyping)
	s.Handle("call_signal", s.rpcCallSignal)
	s.Handle("call_answer", s.rpcCallAnswer)
	s.Handle("call_offer", s.rpcCallOffer)
	s.Handle("call_reject", s.rpcCallReject)
	s.Handle("call_connected", s.rpcCallConnected)
	s.Handle("ice_candidate", s.rpcICECandidate)
	s.Handle("call_end", s.rpcCallEnd)
}

// HealthResponse is returned by health endpoints. The public HTTP endpoint
// only populates Status; the authenticated RPC handler populates all fields.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version,omitempty"`
	Connections int    `json:"connections,omitempty"`
	Users       int    `json:"users,omitempty"`
	ActiveCalls int    `json:"active_calls,omitempty"`
	UptimeMs    int64  `json:"uptime_ms,omitempty"`
}

func (s *Server) rpcHealth(rc *RequestContext) {
	rc.Respond(HealthResponse{
		Status:      "ok",
		Version:     version.Version,
		Connections: s.reg.Count(),
		Users:       s.reg.Users(),
		ActiveCalls: s.calls.ActiveCount(),
		UptimeMs:    time.Since(s.startedAt).Milliseconds(),
	})
}

type conversationParams struct {
	ConversationID string `json:"conversation_id"`
	PeerID         string `json:"peer_id"`
}

// resolve returns the conversation the caller is part of.
func (p conversationParams) resolve(userID string) (string, error) {
	if p.ConversationID == "" {
		if p.PeerID == "" {
			return "", domain.Validationf("conversation_id or peer_id is required")
		}
		if !domain.ValidUserID(p.PeerID) || p.PeerID == userID {
			return "", domain.Validationf("invalid peer id %q", p.PeerID)
		}
		return domain.ConversationKey(userID, p.PeerID), nil
	}
	a, b, err := domain.ParseConversationKey(p.ConversationID)
	if err != nil {
		return "", err
	}
	if a != userID && b != userID {
		return "", domain.NotFoundf("conversation %s", p.ConversationID)
	}
	return p.ConversationID, nil
}

func (s *Server) rpcJoinConversation(rc *RequestContext) {
	var p conversationParams
	if !rc.Params(&p) {
		return
	}
	convID, err := p.resolve(rc.Client.UserID())
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	s.reg.Join(rc.Client, registry.ConversationRoom(convID))
	rc.Respond(map[string]any{"conversation_id": convID, "joined": true})
}

func (s *Server) rpcLeaveConversation(rc *RequestContext) {
	var p conversationParams
	if !rc.Params(&p) {
		return
	}
	convID, err := p.resolve(rc.Client.UserID())
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	s.reg.Leave(rc.Client, registry.ConversationRoom(convID))
	s.typing.SetTyping(convID, rc.Client.UserID(), false)
	rc.Respond(map[string]any{"conversation_id": convID, "joined": false})
}

type sendMessageParams struct {
	ReceiverID    string             `json:"receiver_id"`
	Type          domain.MessageType `json:"type"`
	Content       string             `json:"content"`
	AttachmentRef string             `json:"attachment_ref"`
	ReplyToID     string             `json:"reply_to_id"`
}

func (s *Server) rpcSendMessage(rc *RequestContext) {
	var p sendMessageParams
	if !rc.Params(&p) {
		return
	}
	msg, err := s.router.SendMessage(rc.Context(), chat.SendRequest{
		SenderID:      rc.Client.UserID(),
		ReceiverID:    p.ReceiverID,
		Type:          p.Type,
		Content:       p.Content,
		AttachmentRef: p.AttachmentRef,
		ReplyToID:     p.ReplyToID,
	})
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	// Sending ends the sender's typing indicator.
	s.typing.SetTyping(msg.ConversationID, msg.SenderID, false)
	rc.Respond(msg)
}

type listMessagesParams struct {
	conversationParams
	After string `json:"after"`
	Limit int    `json:"limit"`
}

func (s *Server) rpcListMessages(rc *RequestContext) {
	var p listMessagesParams
	if !rc.Params(&p) {
		return
	}
	convID, err := p.resolve(rc.Client.UserID())
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	page, err := s.router.ListMessages(rc.Context(), convID, chat.Page{After: p.After, Limit: p.Limit})
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(page)
}

type reactionParams struct {
	MessageID string              `json:"message_id"`
	Reaction  domain.ReactionKind `json:"reaction"`
}

func (s *Server) rpcAddReaction(rc *RequestContext) {
	var p reactionParams
	if !rc.Params(&p) {
		return
	}
	upd, err := s.router.AddReaction(rc.Context(), p.MessageID, rc.Client.UserID(), p.Reaction)
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(upd)
}

func (s *Server) rpcRemoveReaction(rc *RequestContext) {
	var p reactionParams
	if !rc.Params(&p) {
		return
	}
	upd, err := s.router.RemoveReaction(rc.Context(), p.MessageID, rc.Client.UserID())
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(upd)
}

type typingParams struct {
	ReceiverID     string `json:"receiver_id"`
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

func (s *Server) rpcTyping(rc *RequestContext) {
	var p typingParams
	if !rc.Params(&p) {
		return
	}
	convID, err := conversationParams{ConversationID: p.ConversationID, PeerID: p.ReceiverID}.resolve(rc.Client.UserID())
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	s.typing.SetTyping(convID, rc.Client.UserID(), p.IsTyping)
	rc.Respond(map[string]any{"conversation_id": convID, "is_typing": p.IsTyping})
}

type callSignalParams struct {
	To                 recipients      `json:"to"`
	Type               domain.CallKind `json:"type"`
	SessionDescription json.RawMessage `json:"session_description"`
}

func (s *Server) rpcCallSignal(rc *RequestContext) {
	var p callSignalParams
	if !rc.Params(&p) {
		return
	}
	sess, err := s.calls.Initiate(rc.Context(), rc.Client, call.InitiateRequest{
		CalleeIDs:          p.To,
		Kind:               p.Type,
		SessionDescription: p.SessionDescription,
	})
	if errors.Is(err, domain.ErrGlare) {
		rc.Fail(err, sess)
		return
	}
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(sess)
}

type describeParams struct {
	SessionID          string          `json:"session_id"`
	To                 string          `json:"to"`
	SessionDescription json.RawMessage `json:"session_description"`
}

func (s *Server) rpcCallAnswer(rc *RequestContext) {
	var p describeParams
	if !rc.Params(&p) {
		return
	}
	sess, err := s.calls.Accept(rc.Context(), rc.Client, p.SessionID, p.To, p.SessionDescription)
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(sess)
}

func (s *Server) rpcCallOffer(rc *RequestContext) {
	var p describeParams
	if !rc.Params(&p) {
		return
	}
	if err := s.calls.Offer(rc.Context(), rc.Client, p.SessionID, p.To, p.SessionDescription); err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(map[string]any{"session_id": p.SessionID, "relayed": true})
}

type sessionParams struct {
	SessionID string `json:"session_id"`
	PeerID    string `json:"peer_id"`
	To        string `json:"to"`
}

func (s *Server) rpcCallReject(rc *RequestContext) {
	var p sessionParams
	if !rc.Params(&p) {
		return
	}
	sess, err := s.calls.Reject(rc.Context(), rc.Client, p.SessionID)
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(sess)
}

func (s *Server) rpcCallConnected(rc *RequestContext) {
	var p sessionParams
	if !rc.Params(&p) {
		return
	}
	sess, err := s.calls.Connected(rc.Context(), rc.Client, p.SessionID, p.PeerID)
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(sess)
}

type candidateParams struct {
	SessionID string          `json:"session_id"`
	To        string          `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

func (s *Server) rpcICECandidate(rc *RequestContext) {
	var p candidateParams
	if !rc.Params(&p) {
		return
	}
	if err := s.calls.Candidate(rc.Context(), rc.Client, p.SessionID, p.To, p.Candidate); err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(map[string]any{"session_id": p.SessionID, "relayed": true})
}

func (s *Server) rpcCallEnd(rc *RequestContext) {
	var p sessionParams
	if !rc.Params(&p) {
		return
	}
	var (
		sess domain.CallSession
		err  error
	)
	switch {
	case p.SessionID != "":
		sess, err = s.calls.Hangup(rc.Context(), rc.Client, p.SessionID)
	case p.To != "":
		sess, err = s.calls.HangupPeer(rc.Context(), rc.Client, p.To)
	default:
		err = domain.Validationf("session_id or to is required")
	}
	if err != nil {
		rc.Fail(err, nil)
		return
	}
	rc.Respond(sess)
}
