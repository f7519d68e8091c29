package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/parley/internal/chat"
	"github.com/soyeahso/parley/internal/config"
	"github.com/soyeahso/parley/internal/domain"
)

func (e *testEnv) request(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, r)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+testToken)
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

type errorBody struct {
	Error ErrorShape `json:"error"`
}

func TestREST_RequiresBearerToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodGet, "/messages/bob", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, env.ts.URL+"/messages/bob", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set("X-User-ID", "alice")
	wrong, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer wrong.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, wrong.StatusCode)

	var body errorBody
	decodeResponse(t, wrong, &body)
	assert.Equal(t, CodeUnauthorized, body.Error.Code)
}

func TestREST_SendAndListMessages(t *testing.T) {
	env := newTestEnv(t)
	bob := env.dial(t, "bob")

	resp := env.request(t, http.MethodPost, "/messages", "alice", map[string]any{
		"receiver_id": "bob", "content": "hello over rest",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sent domain.Message
	decodeResponse(t, resp, &sent)
	assert.Equal(t, domain.MessageText, sent.Type)

	var pushed domain.Message
	bob.event(chat.EventNewMessage, &pushed)
	assert.Equal(t, sent.ID, pushed.ID)

	resp = env.request(t, http.MethodGet, "/messages/alice", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page chat.PageResult
	decodeResponse(t, resp, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "hello over rest", page.Messages[0].Content)

	resp = env.request(t, http.MethodGet, "/messages/alice?limit=x", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_SendMessageValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/messages", "alice", map[string]any{"receiver_id": "bob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	decodeResponse(t, resp, &body)
	assert.Equal(t, CodeInvalidParams, body.Error.Code)
}

func TestREST_MultipartAttachment(t *testing.T) {
	env := newTestEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("receiverId", "bob"))
	require.NoError(t, mw.WriteField("content", "look"))
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="attachment"; filename="cat.png"`)
	h.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("not really a png"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/messages", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-User-ID", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var msg domain.Message
	decodeResponse(t, resp, &msg)
	assert.Equal(t, domain.MessageImage, msg.Type)
	assert.Equal(t, "look", msg.Content)
	require.True(t, strings.HasPrefix(msg.AttachmentRef, "/blobs/"), msg.AttachmentRef)
	assert.True(t, strings.HasSuffix(msg.AttachmentRef, ".png"))

	file, err := http.Get(env.ts.URL + msg.AttachmentRef)
	require.NoError(t, err)
	defer file.Body.Close()
	require.Equal(t, http.StatusOK, file.StatusCode)
	data, err := io.ReadAll(file.Body)
	require.NoError(t, err)
	assert.Equal(t, "not really a png", string(data))
}

func TestAttachmentType(t *testing.T) {
	assert.Equal(t, domain.MessageImage, attachmentType("image/jpeg"))
	assert.Equal(t, domain.MessageVoice, attachmentType("audio/ogg"))
	assert.Equal(t, domain.MessageDocument, attachmentType("application/pdf"))
	assert.Equal(t, domain.MessageDocument, attachmentType(""))
}

func TestREST_Reactions(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/messages", "alice", map[string]any{"receiver_id": "bob", "content": "hi"})
	var msg domain.Message
	decodeResponse(t, resp, &msg)

	resp = env.request(t, http.MethodPost, "/messages/"+msg.ID+"/reaction", "bob", map[string]any{"reaction": "laugh"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var upd chat.ReactionUpdate
	decodeResponse(t, resp, &upd)
	require.Len(t, upd.Reactions, 1)
	assert.Equal(t, domain.ReactionLaugh, upd.Reactions[0].Kind)

	resp = env.request(t, http.MethodPost, "/messages/"+msg.ID+"/reaction", "carol", map[string]any{"reaction": "laugh"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.request(t, http.MethodDelete, "/messages/"+msg.ID+"/reaction", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &upd)
	assert.Empty(t, upd.Reactions)
}

func TestREST_CallHistory(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/calls/history", "alice", map[string]any{
		"participant_ids": []string{"bob"}, "type": "voice",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sess domain.CallSession
	decodeResponse(t, resp, &sess)
	assert.Equal(t, "alice", sess.InitiatorID)
	assert.Equal(t, domain.CallRinging, sess.Status)

	answered := time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)
	resp = env.request(t, http.MethodPatch, "/calls/history/"+sess.ID, "bob", map[string]any{
		"status": "ongoing", "answered_at": answered,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &sess)
	assert.Equal(t, domain.CallOngoing, sess.Status)

	resp = env.request(t, http.MethodPatch, "/calls/history/latest", "alice", map[string]any{
		"peer_id": "bob", "status": "ended", "ended_at": answered.Add(90 * time.Second),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &sess)
	assert.Equal(t, domain.CallEnded, sess.Status)
	assert.Equal(t, int64(90), sess.DurationSeconds)

	resp = env.request(t, http.MethodPatch, "/calls/history/"+sess.ID, "alice", map[string]any{"status": "ended"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.request(t, http.MethodPatch, "/calls/history/latest", "alice", map[string]any{"status": "ended"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.request(t, http.MethodGet, "/calls/history/alice", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Calls []domain.CallSession `json:"calls"`
	}
	decodeResponse(t, resp, &list)
	require.Len(t, list.Calls, 1)
	assert.Equal(t, sess.ID, list.Calls[0].ID)

	resp = env.request(t, http.MethodGet, "/calls/history/carol", "alice", nil)
	decodeResponse(t, resp, &list)
	assert.Empty(t, list.Calls)
}

func TestREST_CreateCallForSomeoneElse(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/calls/history", "alice", map[string]any{
		"initiator_id": "mallory", "participant_ids": []string{"bob"}, "type": "voice",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestREST_PatchEngineOwnedCallConflicts(t *testing.T) {
	env := newTestEnv(t)
	caller := env.dial(t, "1")
	env.dial(t, "2")

	var sess domain.CallSession
	caller.ok("call_signal", map[string]any{"to": "2", "type": "voice"}, &sess)

	resp := env.request(t, http.MethodPatch, "/calls/history/"+sess.ID, "1", map[string]any{"status": "ended"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body errorBody
	decodeResponse(t, resp, &body)
	assert.Equal(t, CodeConflict, body.Error.Code)
}

func scrape(t *testing.T, env *testEnv) string {
	t.Helper()
	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "alice")
	c.ok("health", nil, nil)
	env.request(t, http.MethodGet, "/health", "", nil)

	// Requests are counted after the response is queued.
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(t, env), `parley_ws_requests_total{code="ok",method="health"} 1`)
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, scrape(t, env), `parley_http_request_duration_seconds_count{route="/health",status="200"} 1`)
}

func TestMetricsEndpointDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Metrics.Enabled = false })

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func preflight(t *testing.T, env *testEnv, origin string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/messages", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCORS_DenyWhenUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	resp := preflight(t, env, "http://evil.example")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORS_AllowConfiguredOrigin(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Gateway.AllowedOrigins = []string{"http://app.example"}
	})
	resp := preflight(t, env, "http://app.example")
	assert.Equal(t, "http://app.example", resp.Header.Get("Access-Control-Allow-Origin"))

	other := preflight(t, env, "http://evil.example")
	assert.Empty(t, other.Header.Get("Access-Control-Allow-Origin"))
}
