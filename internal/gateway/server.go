// Package gateway is parley's transport: a WebSocket endpoint speaking the
// req/res/event frame protocol and a REST surface for history and uploads.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/soyeahso/parley/internal/auth"
	"github.com/soyeahso/parley/internal/blob"
	"github.com/soyeahso/parley/internal/call"
	"github.com/soyeahso/parley/internal/chat"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/hooks"
	"github.com/soyeahso/parley/internal/history"
	"github.com/soyeahso/parley/internal/logging"
	"github.com/soyeahso/parley/internal/metrics"
	"github.com/soyeahso/parley/internal/registry"
	"github.com/soyeahso/parley/internal/typing"
	"github.com/soyeahso/parley/internal/version"
)

const handshakeTimeout = 10 * time.Second

// Deps are the components the gateway drives. Blobs, Hooks and Metrics may
// be nil.
type Deps struct {
	Registry *registry.Registry
	Router   *chat.Router
	Typing   *typing.Tracker
	Calls    *call.Engine
	History  *history.Recorder
	Auth     *auth.Verifier
	Blobs    blob.Store
	Hooks    *hooks.Manager
	Metrics  *metrics.Metrics
}

// Server is the parley gateway HTTP + WebSocket server.
type Server struct {
	cfg      config.Config
	log      *logging.Logger
	handlers map[string]RequestHandler

	reg     *registry.Registry
	router  *chat.Router
	typing  *typing.Tracker
	calls   *call.Engine
	history *history.Recorder
	auth    *auth.Verifier
	blobs   blob.Store
	hooks   *hooks.Manager
	metrics *metrics.Metrics
	cancel  func()

	startedAt   time.Time
	httpServer  *http.Server
	upgrader    websocket.Upgrader
	authLimiter *authRateLimiter
	presenceMu  sync.Mutex
}

// New creates a gateway server.
func New(cfg config.Config, deps Deps, log *logging.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		log:         log.Sub("gateway"),
		handlers:    make(map[string]RequestHandler),
		reg:         deps.Registry,
		router:      deps.Router,
		typing:      deps.Typing,
		calls:       deps.Calls,
		history:     deps.History,
		auth:        deps.Auth,
		blobs:       deps.Blobs,
		hooks:       deps.Hooks,
		metrics:     deps.Metrics,
		startedAt:   time.Now(),
		authLimiter: newAuthRateLimiter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkWebSocketOrigin(cfg.Gateway.AllowedOrigins),
		},
	}
	s.cancel = s.reg.OnUnregister("gateway", s.onUnregister)
	s.registerRPCHandlers()
	return s
}

// checkWebSocketOrigin returns a function that validates WebSocket Origin headers.
// Requests without an Origin header (non-browser clients) are always allowed.
func checkWebSocketOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isOriginAllowed(origin, allowed)
	}
}

// isOriginAllowed denies cross-origin requests when no origins are configured.
func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Handle registers an RPC method handler.
func (s *Server) Handle(method string, handler RequestHandler) {
	s.handlers[method] = handler
}

// Methods returns the sorted list of registered RPC method names.
func (s *Server) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods
}

// Events lists the server events a client may receive.
func Events() []string {
	return []string{
		chat.EventNewMessage,
		chat.EventReactionUpdated,
		typing.EventUserTyping,
		call.EventIncomingCall,
		call.EventCallAnswered,
		call.EventCallOffer,
		call.EventICECandidate,
		call.EventCallRejected,
		call.EventCallConnected,
		call.EventParticipantLeft,
		call.EventCallEnded,
	}
}

// resolveBindAddr computes the listen address from config.
func resolveBindAddr(cfg config.GatewayConfig) string {
	switch cfg.Bind {
	case "loopback":
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	case "lan", "auto":
		return fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	case "custom":
		host := cfg.CustomBindHost
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Port)
	default:
		return fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	}
}

// Start begins listening for HTTP and WebSocket connections.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := resolveBindAddr(s.cfg.Gateway)

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
		BaseContext: func(l net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.cfg.Gateway.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.Gateway.TLS.CertPath, s.cfg.Gateway.TLS.KeyPath)
		if err != nil {
			ln.Close()
			return fmt.Errorf("loading TLS certificate: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
		s.log.Info().Msg("TLS enabled")
	} else if s.cfg.Gateway.Bind != "loopback" {
		s.log.Warn().Msg("TLS is not enabled, tokens will be transmitted in cleartext")
	}

	s.startedAt = time.Now()
	go s.authLimiter.run(ctx)

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("bind", s.cfg.Gateway.Bind).
		Str("auth", s.auth.Mode()).
		Int("methods", len(s.handlers)).
		Msg("gateway server ready")

	if s.hooks != nil {
		s.hooks.Emit(ctx, hooks.EventGatewayStart, nil, map[string]any{"addr": ln.Addr().String()})
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("shutting down gateway server")
		s.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes live calls with reason abandoned and disconnects every
// client. Idempotent.
func (s *Server) Shutdown() {
	if s.hooks != nil {
		s.hooks.Emit(context.Background(), hooks.EventGatewayStop, nil, nil)
	}
	s.calls.Close()
	for _, c := range s.reg.All() {
		if cl, ok := c.(*Client); ok {
			cl.Close()
		}
	}
}

// Addr returns the server's listen address, or empty string if not started.
func (s *Server) Addr() string {
	if s.httpServer != nil {
		return s.httpServer.Addr
	}
	return ""
}

// handleWebSocket upgrades HTTP to WebSocket and runs the connection loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authLimiter.allow(r.RemoteAddr) {
		s.log.Warn().Str("remote", r.RemoteAddr).Msg("rate limited, too many failed auth attempts")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(int64(s.maxPayload()))

	client, err := s.handshake(conn)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("handshake failed")
		s.authLimiter.recordFailure(r.RemoteAddr)
		conn.Close()
		return
	}

	s.register(client)
	go client.writePump()
	defer func() {
		s.unregister(client)
		client.Close()
	}()

	s.readLoop(r.Context(), client)
}

// handshake performs the WebSocket authentication handshake.
// Flow: server sends challenge → client sends connect → server validates → sends hello.
func (s *Server) handshake(conn *websocket.Conn) (*Client, error) {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	challenge, err := NewEvent(EventChallenge, map[string]any{
		"nonce": uuid.New().String(),
		"ts":    time.Now().UnixMilli(),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("creating challenge: %w", err)
	}
	if err := conn.WriteJSON(challenge); err != nil {
		return nil, fmt.Errorf("sending challenge: %w", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading connect: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return nil, fmt.Errorf("parsing connect frame: %w", err)
	}
	if frame.Type != FrameTypeRequest || frame.Method != MethodConnect {
		sendErrorAndClose(conn, frame.ID, CodeProtocol, "expected connect request")
		return nil, fmt.Errorf("expected connect request, got type=%s method=%s", frame.Type, frame.Method)
	}

	var params ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		sendErrorAndClose(conn, frame.ID, CodeInvalidParams, "invalid connect params")
		return nil, fmt.Errorf("parsing connect params: %w", err)
	}
	if params.MaxProtocol != 0 && params.MaxProtocol < version.ProtocolVersion ||
		params.MinProtocol > version.ProtocolVersion {
		sendErrorAndClose(conn, frame.ID, CodeProtocol, "unsupported protocol version")
		return nil, fmt.Errorf("protocol mismatch: client %d..%d", params.MinProtocol, params.MaxProtocol)
	}
	if params.Auth == nil {
		sendErrorAndClose(conn, frame.ID, CodeUnauthorized, "no credentials provided")
		return nil, errors.New("auth failed: no credentials")
	}

	id, err := s.auth.Authenticate(auth.Credentials{
		Token:  params.Auth.Token,
		UserID: params.Auth.UserID,
		Name:   params.Auth.Name,
	})
	if err != nil {
		sendErrorAndClose(conn, frame.ID, CodeUnauthorized, err.Error())
		return nil, fmt.Errorf("auth failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	client := NewClient(conn, id, params.Client, s.cfg.Gateway.SendQueue, s.newLimiter(), s.log.Sub("ws"))

	// The hello is queued ahead of any event, and the write pump only starts
	// once the client is registered.
	if err := client.Respond(frame.ID, s.hello(client)); err != nil {
		return nil, fmt.Errorf("queueing hello: %w", err)
	}

	s.log.Info().
		Str("connId", client.ConnID).
		Str("user", id.UserID).
		Str("clientId", params.Client.ID).
		Str("clientVersion", params.Client.Version).
		Str("authMethod", id.Method).
		Msg("client authenticated")
	return client, nil
}

func (s *Server) hello(c *Client) HelloOK {
	ice := s.cfg.Calls.ICEServers
	if ice == nil {
		ice = []config.ICEServer{}
	}
	return HelloOK{
		Protocol: version.ProtocolVersion,
		Server: ServerInfo{
			Version: version.Version,
			Commit:  version.Commit,
			ConnID:  c.ConnID,
		},
		User:     UserInfo{ID: c.Identity.UserID, Name: c.Identity.Name},
		Features: Features{Methods: s.Methods(), Events: Events()},
		Policy: ServerPolicy{
			MaxPayload:       s.maxPayload(),
			SendQueue:        cap(c.send),
			RequestsPerSec:   s.cfg.Gateway.RateLimit.PerSecond,
			RingTimeoutMs:    s.cfg.Calls.RingTimeout().Milliseconds(),
			TypingExpiryMs:   s.cfg.Typing.Expiry().Milliseconds(),
			MaxParticipants:  s.cfg.Calls.MaxParticipants,
			MaxContentLength: s.cfg.Chat.MaxContentLength,
			TickIntervalMs:   int(pingPeriod / time.Millisecond),
		},
		ICEServers: ice,
	}
}

func (s *Server) maxPayload() int {
	if s.cfg.Gateway.MaxPayload > 0 {
		return s.cfg.Gateway.MaxPayload
	}
	return config.DefaultMaxPayload
}

func (s *Server) newLimiter() *rate.Limiter {
	rl := s.cfg.Gateway.RateLimit
	if rl.PerSecond <= 0 {
		return nil
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = int(rl.PerSecond)
	}
	return rate.NewLimiter(rate.Limit(rl.PerSecond), burst)
}

// readLoop processes incoming frames from an authenticated client.
func (s *Server) readLoop(ctx context.Context, client *Client) {
	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Str("connId", client.ConnID).Msg("client closed connection")
			} else {
				s.log.Debug().Err(err).Str("connId", client.ConnID).Msg("read ended")
			}
			return
		}

		if frame.Type != FrameTypeRequest {
			s.log.Debug().Str("type", frame.Type).Msg("ignoring non-request frame")
			continue
		}
		if !client.Allow() {
			client.RespondError(frame.ID, ErrorShape{
				Code:       CodeRateLimited,
				Message:    "too many requests",
				Retryable:  true,
				RetryAfter: 1000,
			})
			s.countRequest(frame.Method, CodeRateLimited)
			continue
		}

		s.dispatch(ctx, client, frame)
	}
}

// dispatch routes a request frame to the appropriate handler.
func (s *Server) dispatch(ctx context.Context, client *Client, frame Frame) {
	handler, ok := s.handlers[frame.Method]
	if !ok {
		client.RespondError(frame.ID, ErrorShape{
			Code:    CodeMethodNotFound,
			Message: "unknown method: " + frame.Method,
		})
		s.countRequest("unknown", CodeMethodNotFound)
		return
	}

	rc := &RequestContext{
		ctx:    ctx,
		Client: client,
		Frame:  frame,
		Server: s,
		code:   "ok",
	}
	handler(rc)
	s.countRequest(frame.Method, rc.code)
}

func (s *Server) countRequest(method, code string) {
	if s.metrics != nil {
		s.metrics.Requests.WithLabelValues(method, code).Inc()
	}
}

// register adds c to the registry and announces the user when this is their
// first connection. Presence transitions are serialized so user_online and
// user_offline are queued in the order the registry changed.
func (s *Server) register(c *Client) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	if s.reg.Register(c) && s.hooks != nil {
		s.hooks.EmitAsync(context.Background(), hooks.EventUserOnline, c.Identity, map[string]any{
			"user_id": c.UserID(),
			"conn_id": c.ConnID,
		})
	}
}

// unregister removes c; onUnregister queues user_offline under the same lock.
func (s *Server) unregister(c *Client) {
	s.presenceMu.Lock()
	defer s.presenceMu.Unlock()
	s.reg.Unregister(c)
}

func (s *Server) onUnregister(c registry.Conn, last bool) {
	if !last || s.hooks == nil {
		return
	}
	s.hooks.EmitAsync(context.Background(), hooks.EventUserOffline, nil, map[string]any{
		"user_id": c.UserID(),
		"conn_id": c.ID(),
	})
}

// Close releases the registry subscription.
func (s *Server) Close() {
	s.cancel()
}

// sendErrorAndClose sends an error response and closes the connection.
func sendErrorAndClose(conn *websocket.Conn, reqID, code, message string) {
	conn.WriteJSON(NewErrorResponse(reqID, ErrorShape{Code: code, Message: message}))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message))
}
