package gateway

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/soyeahso/parley/internal/blob"
	"github.com/soyeahso/parley/internal/chat"
	"github.com/soyeahso/parley/internal/domain"
	"github.com/soyeahso/parley/internal/history"
)

// multipartMemory is how much of a multipart upload is held in memory before
// spilling to temp files.
const multipartMemory = 8 << 20

// localBlobs is implemented by blob stores that serve their own files.
type localBlobs interface {
	Handler() http.Handler
	BaseURL() string
}

// Handler builds the HTTP handler serving /ws, REST and metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return isOriginAllowed(origin, s.cfg.Gateway.AllowedOrigins)
		},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-User-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.NotFound(handleNotFound)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.metrics.Handler())
	}
	if lb, ok := s.blobs.(localBlobs); ok {
		base := strings.TrimSuffix(lb.BaseURL(), "/")
		if strings.HasPrefix(base, "/") {
			r.Handle(base+"/*", lb.Handler())
		}
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/messages/{userId}", s.handleListMessages)
		r.Post("/messages", s.handleSendMessage)
		r.Post("/messages/{id}/reaction", s.handleAddReaction)
		r.Delete("/messages/{id}/reaction", s.handleRemoveReaction)
		r.Get("/calls/history/{userId}", s.handleListCalls)
		r.Post("/calls/history", s.handleCreateCall)
		r.Patch("/calls/history/{id}", s.handlePatchCall)
	})
	return r
}

// handleHealth returns the server health status. Only status is exposed
// publicly; detailed info is available via the authenticated RPC health method.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// handleNotFound returns a 404 for unknown routes.
func handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": ErrorShape{Code: CodeNotFound, Message: "not found"},
		"path":  r.URL.Path,
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	convID, err := conversationParams{PeerID: chi.URLParam(r, "userId")}.resolve(id.UserID)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err, 0)
		return
	}
	page, err := s.router.ListMessages(r.Context(), convID, chat.Page{
		After: r.URL.Query().Get("after"),
		Limit: limit,
	})
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleSendMessage accepts either a JSON body or a multipart form with an
// optional attachment file.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	req := chat.SendRequest{SenderID: id.UserID}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := s.readMultipartMessage(w, r, &req); err != nil {
			writeError(w, err, 0)
			return
		}
	} else {
		var p sendMessageParams
		if err := decodeBody(r, &p); err != nil {
			writeError(w, err, 0)
			return
		}
		req.ReceiverID = p.ReceiverID
		req.Type = p.Type
		req.Content = p.Content
		req.AttachmentRef = p.AttachmentRef
		req.ReplyToID = p.ReplyToID
	}

	msg, err := s.router.SendMessage(r.Context(), req)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	s.typing.SetTyping(msg.ConversationID, msg.SenderID, false)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) readMultipartMessage(w http.ResponseWriter, r *http.Request, req *chat.SendRequest) error {
	if s.cfg.Blob.MaxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Blob.MaxBytes+multipartMemory)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return blob.ErrTooLarge
		}
		return domain.Validationf("invalid multipart body: %v", err)
	}
	req.ReceiverID = r.FormValue("receiverId")
	req.Type = domain.MessageType(r.FormValue("messageType"))
	req.Content = r.FormValue("content")
	req.ReplyToID = r.FormValue("replyToMessageId")

	file, header, err := r.FormFile("attachment")
	if errors.Is(err, http.ErrMissingFile) {
		return nil
	}
	if err != nil {
		return domain.Validationf("invalid attachment: %v", err)
	}
	defer file.Close()

	if s.blobs == nil {
		return domain.Validationf("attachments are not enabled")
	}
	contentType := header.Header.Get("Content-Type")
	ref, err := s.blobs.Put(r.Context(), blob.Object{
		Name:        header.Filename,
		ContentType: contentType,
		OwnerID:     req.SenderID,
	}, file)
	if err != nil {
		return err
	}
	req.AttachmentRef = ref
	if req.Type == "" {
		req.Type = attachmentType(contentType)
	}
	return nil
}

// attachmentType infers a message type from an upload's content type.
func attachmentType(contentType string) domain.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return domain.MessageImage
	case strings.HasPrefix(contentType, "audio/"):
		return domain.MessageVoice
	default:
		return domain.MessageDocument
	}
}

func (s *Server) handleAddReaction(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var p reactionParams
	if err := decodeBody(r, &p); err != nil {
		writeError(w, err, 0)
		return
	}
	upd, err := s.router.AddReaction(r.Context(), chi.URLParam(r, "id"), id.UserID, p.Reaction)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, upd)
}

func (s *Server) handleRemoveReaction(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	upd, err := s.router.RemoveReaction(r.Context(), chi.URLParam(r, "id"), id.UserID)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, upd)
}

// handleListCalls lists the caller's calls. Asking for your own id lists all
// of them; any other id filters to calls shared with that user.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	peer := chi.URLParam(r, "userId")
	if peer == id.UserID {
		peer = ""
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err, 0)
		return
	}
	calls, err := s.history.ListFor(r.Context(), id.UserID, peer, limit)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	if calls == nil {
		calls = []domain.CallSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": calls})
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var req history.CreateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err, 0)
		return
	}
	if req.InitiatorID == "" {
		req.InitiatorID = id.UserID
	}
	if req.InitiatorID != id.UserID {
		writeError(w, domain.Validationf("initiator_id must be the authenticated user"), 0)
		return
	}
	sess, err := s.history.Create(r.Context(), req)
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

type patchCallBody struct {
	history.PatchRequest
	PeerID    string `json:"peer_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// handlePatchCall updates a session by id. The id "latest" resolves the
// session from session_id, or the newest call with peer_id.
func (s *Server) handlePatchCall(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	var body patchCallBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err, 0)
		return
	}

	var (
		sess domain.CallSession
		err  error
	)
	if sessionID := chi.URLParam(r, "id"); sessionID == "latest" {
		q := history.LatestQuery{SessionID: body.SessionID}
		if body.SessionID == "" {
			if body.PeerID == "" {
				writeError(w, domain.Validationf("peer_id or session_id is required"), 0)
				return
			}
			q.UserA, q.UserB = id.UserID, body.PeerID
		}
		sess, err = s.history.PatchLatest(r.Context(), id.UserID, q, body.PatchRequest)
	} else {
		sess, err = s.history.Patch(r.Context(), id.UserID, sessionID, body.PatchRequest)
	}
	if err != nil {
		writeError(w, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.Validationf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return domain.Validationf("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return domain.Validationf("invalid JSON body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes err as {"error": {...}}. A zero status derives one from
// the error kind.
func writeError(w http.ResponseWriter, err error, status int) {
	if status == 0 {
		status = httpStatus(err)
	}
	writeJSON(w, status, map[string]any{"error": errorShape(err)})
}
