package wecom

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/wecom-gw/internal/protocol"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIBase: srv.URL,
		Timeout: 2 * time.Second,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestGetToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/cgi-bin/gettoken", r.URL.Path)
		assert.Equal(t, "corp", r.URL.Query().Get("corpid"))
		assert.Equal(t, "secret", r.URL.Query().Get("corpsecret"))
		_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok","access_token":"tok-1","expires_in":7200}`)
	})

	tok, err := c.GetToken(context.Background(), "corp", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok.Value)
	assert.Equal(t, 7200*time.Second, tok.TTL)
}

func TestGetTokenAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"errcode":40013,"errmsg":"invalid corpid"}`)
	})

	_, err := c.GetToken(context.Background(), "corp", "secret")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 40013, apiErr.ErrCode)
	assert.Contains(t, err.Error(), "invalid corpid")
}

func TestGetTokenHTTPError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.GetToken(context.Background(), "corp", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestSendMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/cgi-bin/message/send", r.URL.Path)
		assert.Equal(t, "tok-1", r.URL.Query().Get("access_token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text", body["msgtype"])
		assert.Equal(t, "alice", body["touser"])

		_, _ = io.WriteString(w, `{"errcode":81013,"errmsg":"user & party & tag all invalid"}`)
	})

	res, err := c.SendMessage(context.Background(), "tok-1", &protocol.OutboundRequest{
		Recipient: protocol.Recipient{ToUser: "alice"},
		MsgType:   "text",
		AgentID:   1,
		Body:      map[string]any{"content": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, 81013, res.ErrCode)
	assert.False(t, res.OK())
}

func TestSendMessageMalformedResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	})

	_, err := c.SendMessage(context.Background(), "tok-1", &protocol.OutboundRequest{
		Recipient: protocol.Recipient{ToUser: "alice"},
		MsgType:   "text",
	})
	require.Error(t, err)
}

func TestSendMessageRedactsTokenOnTransportError(t *testing.T) {
	c := NewClient(Config{APIBase: "http://127.0.0.1:1", Timeout: 500 * time.Millisecond})

	_, err := c.SendMessage(context.Background(), "very-secret-token", &protocol.OutboundRequest{
		Recipient: protocol.Recipient{ToUser: "alice"},
		MsgType:   "text",
	})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "very-secret-token")
}

func TestTokenExpired(t *testing.T) {
	assert.True(t, TokenExpired(40014))
	assert.True(t, TokenExpired(42001))
	assert.True(t, TokenExpired(40001))
	assert.False(t, TokenExpired(0))
	assert.False(t, TokenExpired(81013))
}
