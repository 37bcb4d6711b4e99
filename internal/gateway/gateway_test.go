package gateway

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/wecom-gw/internal/config"
	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

const (
	testToken  = "QDG6eK"
	testAESKey = "jWmYm7qr5nMoAUwZRjGtBxmz3KA1tkAj3ykkR6q2B2C"
	testCorpID = "wx5823bf96d3bd56c7"
)

type platform struct {
	mu         sync.Mutex
	tokenCalls int
	sent       []map[string]any
}

func (p *platform) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		switch r.URL.Path {
		case "/cgi-bin/gettoken":
			p.tokenCalls++
			assert.Equal(t, testCorpID, r.URL.Query().Get("corpid"))
			_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok","access_token":"AT","expires_in":7200}`)
		case "/cgi-bin/message/send":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			p.sent = append(p.sent, body)
			_, _ = io.WriteString(w, `{"errcode":0,"errmsg":"ok","msgid":"m-1"}`)
		default:
			http.NotFound(w, r)
		}
	})
}

func testConfig(platformURL, chatURL string) *config.Config {
	cfg := config.Defaults()
	cfg.WeCom.CorpID = testCorpID
	cfg.WeCom.CorpSecret = "secret"
	cfg.WeCom.AgentID = 1000002
	cfg.WeCom.APIBase = platformURL
	cfg.Callback.Token = testToken
	cfg.Callback.EncodingAESKey = testAESKey
	cfg.Callback.ReceiveID = testCorpID
	cfg.Send.Tokens = []string{"T1"}
	cfg.OpenAI.BaseURL = chatURL
	cfg.OpenAI.APIKey = "sk-test"
	cfg.Handlers = []config.HandlerConfig{
		{Sender: "wzx", Kind: "chat"},
		{Sender: "lee", Kind: "echo"},
	}
	return cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func sealed(t *testing.T, from, content string) (string, string) {
	t.Helper()
	c, err := wxcrypt.New(testToken, testAESKey, testCorpID)
	require.NoError(t, err)

	inner := "<xml><ToUserName><![CDATA[" + testCorpID + "]]></ToUserName><FromUserName><![CDATA[" + from +
		"]]></FromUserName><CreateTime>1348831860</CreateTime><MsgType><![CDATA[text]]></MsgType><Content><![CDATA[" +
		content + "]]></Content><MsgId>1</MsgId><AgentID>1000002</AgentID></xml>"
	ts := "1700000000"
	reply, err := c.EncryptMsg([]byte(inner), ts, "nonce")
	require.NoError(t, err)

	var env struct {
		Encrypt      string `xml:"Encrypt"`
		MsgSignature string `xml:"MsgSignature"`
	}
	require.NoError(t, xml.Unmarshal(reply, &env))
	q := url.Values{"msg_signature": {env.MsgSignature}, "timestamp": {ts}, "nonce": {"nonce"}}
	return "/recv?" + q.Encode(), "<xml><Encrypt><![CDATA[" + env.Encrypt + "]]></Encrypt></xml>"
}

func TestGatewayEndToEnd(t *testing.T) {
	p := &platform{}
	platformSrv := httptest.NewServer(p.handler(t))
	defer platformSrv.Close()

	chatSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"pong"}}]}`)
	}))
	defer chatSrv.Close()

	// Pin the crypto clock next to the sealed timestamp so the skew window holds.
	clock := func() time.Time { return time.Unix(1700000030, 0) }
	g, err := New(testConfig(platformSrv.URL, chatSrv.URL), quietLogger(), WithCryptOptions(wxcrypt.WithClock(clock)))
	require.NoError(t, err)
	assert.Equal(t, []string{"lee", "wzx"}, g.Router.Senders())

	h := g.Server.Handler()

	// Chat handler: ping -> completion -> reply to sender.
	target, body := sealed(t, "wzx", "ping")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	assert.Equal(t, "ok", rec.Body.String())

	// Echo handler.
	target, body = sealed(t, "lee", "hello")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	assert.Equal(t, "ok", rec.Body.String())

	// Unknown sender: dropped, still ok, nothing sent.
	target, body = sealed(t, "stranger", "hi")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	assert.Equal(t, "ok", rec.Body.String())

	// Send endpoint.
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/send", strings.NewReader(`{"to_user":"alice","msg":"hello","token":"T1"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"errcode":0`)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 1, p.tokenCalls, "credential is cached across sends")
	require.Len(t, p.sent, 3)
	assert.Equal(t, "wzx", p.sent[0]["touser"])
	assert.Equal(t, map[string]any{"content": "pong"}, p.sent[0]["text"])
	assert.Equal(t, "lee", p.sent[1]["touser"])
	assert.Equal(t, map[string]any{"content": "hello"}, p.sent[1]["text"])
	assert.Equal(t, "alice", p.sent[2]["touser"])
	assert.EqualValues(t, 1000002, p.sent[2]["agentid"])

	assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics.CredentialRefresh))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.Metrics.Dispatches.WithLabelValues("dropped")))
	assert.True(t, g.Credentials.Snapshot().Cached)
}

func TestGatewayRejectsStaleCallback(t *testing.T) {
	g, err := New(testConfig("http://127.0.0.1:1", "http://127.0.0.1:1"), quietLogger(),
		WithCryptOptions(wxcrypt.WithClock(func() time.Time { return time.Unix(1700009999, 0) })))
	require.NoError(t, err)

	target, body := sealed(t, "wzx", "ping")
	rec := httptest.NewRecorder()
	g.Server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", rec.Body.String())
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	cfg := testConfig("", "")
	cfg.Callback.EncodingAESKey = "short"
	_, err = New(cfg, quietLogger())
	assert.Error(t, err)

	cfg = testConfig("", "")
	cfg.Handlers = append(cfg.Handlers, config.HandlerConfig{Sender: "wzx", Kind: "echo"})
	_, err = New(cfg, quietLogger())
	assert.Error(t, err)
}
