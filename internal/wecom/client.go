// Package wecom is a minimal client for the WeCom server API: token issuing
// and application message sending.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mattjoyce/wecom-gw/internal/protocol"
)

const (
	DefaultAPIBase = "https://qyapi.weixin.qq.com"
	DefaultTimeout = 10 * time.Second

	maxResponseSize = 1 << 20
)

// Platform errcodes that mean the access token must be refreshed.
const (
	ErrCodeInvalidCredential = 40001
	ErrCodeInvalidToken      = 40014
	ErrCodeTokenExpired      = 42001
)

// TokenExpired reports whether errcode signals a stale or invalid access token.
func TokenExpired(errcode int) bool {
	switch errcode {
	case ErrCodeInvalidCredential, ErrCodeInvalidToken, ErrCodeTokenExpired:
		return true
	}
	return false
}

// APIError is a non-zero errcode returned by the platform.
type APIError struct {
	Op      string
	ErrCode int
	ErrMsg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: errcode %d: %s", e.Op, e.ErrCode, e.ErrMsg)
}

// Token is an issued access token and its lifetime.
type Token struct {
	Value string
	TTL   time.Duration
}

// Config configures a Client.
type Config struct {
	APIBase string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client talks to the WeCom server API.
type Client struct {
	apiBase string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient returns a Client with a bounded timeout.
func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		http:    newHTTPClient(cfg.Timeout),
		logger:  cfg.Logger,
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

type tokenResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// GetToken calls cgi-bin/gettoken. A non-zero errcode is returned as *APIError.
func (c *Client) GetToken(ctx context.Context, corpID, corpSecret string) (Token, error) {
	q := url.Values{}
	q.Set("corpid", corpID)
	q.Set("corpsecret", corpSecret)
	endpoint := c.apiBase + "/cgi-bin/gettoken?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Token{}, fmt.Errorf("new request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("gettoken request: %s", redact(err.Error(), corpSecret))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("gettoken returned HTTP %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("decode gettoken response: %w", err)
	}
	if tr.ErrCode != 0 {
		return Token{}, &APIError{Op: "gettoken", ErrCode: tr.ErrCode, ErrMsg: tr.ErrMsg}
	}
	if tr.AccessToken == "" {
		return Token{}, fmt.Errorf("gettoken response missing access_token")
	}
	return Token{Value: tr.AccessToken, TTL: time.Duration(tr.ExpiresIn) * time.Second}, nil
}

// SendMessage calls cgi-bin/message/send. Transport and decoding failures
// return an error; a non-zero errcode is returned in the result, not as an
// error.
func (c *Client) SendMessage(ctx context.Context, accessToken string, out *protocol.OutboundRequest) (*protocol.SendResult, error) {
	var buf bytes.Buffer
	if err := protocol.EncodeOutbound(&buf, out); err != nil {
		return nil, err
	}

	endpoint := c.apiBase + "/cgi-bin/message/send?access_token=" + url.QueryEscape(accessToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, fmt.Errorf("new request: %s", redact(err.Error(), accessToken))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("message/send request: %s", redact(err.Error(), accessToken))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("message/send returned HTTP %d", resp.StatusCode)
	}

	res, err := protocol.DecodeSendResult(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("message/send: %w", err)
	}
	c.logger.Debug("message/send completed", "msgtype", out.MsgType, "errcode", res.ErrCode)
	return res, nil
}

const redacted = "[REDACTED]"

// redact removes secrets from s. Transport errors embed the request URL,
// which carries the access token or corp secret as a query parameter.
func redact(s string, secrets ...string) string {
	for _, v := range secrets {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, redacted)
		s = strings.ReplaceAll(s, url.QueryEscape(v), redacted)
	}
	return s
}
