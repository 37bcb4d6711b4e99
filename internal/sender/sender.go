// Package sender posts application messages to the platform on behalf of
// webhook handlers and the send endpoint.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/metrics"
	"github.com/mattjoyce/wecom-gw/internal/protocol"
	"github.com/mattjoyce/wecom-gw/internal/wecom"
)

// ErrSendFailed wraps transport-level send failures. A platform errcode is
// not a SendFailed; it comes back in the result.
var ErrSendFailed = errors.New("send failed")

// ErrInvalidRecipient means the recipient spec could not be parsed. Nothing
// was sent.
var ErrInvalidRecipient = errors.New("invalid recipient")

// TokenSource supplies the access credential.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// API performs the message/send call.
type API interface {
	SendMessage(ctx context.Context, accessToken string, req *protocol.OutboundRequest) (*protocol.SendResult, error)
}

// Option adjusts top-level fields of one send.
type Option func(map[string]any)

// WithSafe sets the confidentiality flag (0 off, 1 on, 2 watermark).
func WithSafe(v int) Option {
	return func(m map[string]any) { m["safe"] = v }
}

// WithIDTrans enables id translation for third-party apps.
func WithIDTrans(on bool) Option {
	return func(m map[string]any) { m["enable_id_trans"] = boolInt(on) }
}

// WithDuplicateCheck enables platform-side duplicate suppression over
// intervalSeconds (0 uses the platform default).
func WithDuplicateCheck(intervalSeconds int) Option {
	return func(m map[string]any) {
		m["enable_duplicate_check"] = 1
		if intervalSeconds > 0 {
			m["duplicate_check_interval"] = intervalSeconds
		}
	}
}

// Sender builds and posts application messages.
type Sender struct {
	agentID int64
	tokens  TokenSource
	api     API
	events  events.Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New returns a Sender for one application agent. pub and m may be nil.
func New(agentID int64, tokens TokenSource, api API, pub events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Sender {
	if pub == nil {
		pub = events.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		agentID: agentID,
		tokens:  tokens,
		api:     api,
		events:  pub,
		metrics: m,
		logger:  logger,
	}
}

// Send posts a message of msgType to the recipients encoded in recipientSpec
// (see ParseRecipient). The platform's reply is returned unmodified, including
// a non-zero errcode; callers decide whether that is fatal. Errors are
// ErrInvalidRecipient, credential.ErrUnavailable (or the caller's ctx error)
// or ErrSendFailed.
func (s *Sender) Send(ctx context.Context, msgType, recipientSpec string, body map[string]any, opts ...Option) (*protocol.SendResult, error) {
	recipient, err := ParseRecipient(recipientSpec)
	if err != nil {
		return nil, err
	}

	sendID := uuid.NewString()
	logger := s.logger.With("send_id", sendID, "msgtype", msgType)

	token, err := s.tokens.Token(ctx)
	if err != nil {
		logger.Error("no access credential for send", "error", err)
		s.record(msgType, "credential")
		s.events.Publish(events.SendFailed, map[string]any{"send_id": sendID, "msgtype": msgType, "error": err.Error()})
		return nil, err
	}

	extra := make(map[string]any, len(opts))
	for _, opt := range opts {
		opt(extra)
	}

	req := &protocol.OutboundRequest{
		Recipient: recipient,
		MsgType:   msgType,
		AgentID:   s.agentID,
		Body:      body,
		Extra:     extra,
	}

	res, err := s.api.SendMessage(ctx, token, req)
	if err != nil {
		logger.Error("message send failed", "error", err)
		s.record(msgType, "transport")
		s.events.Publish(events.SendFailed, map[string]any{"send_id": sendID, "msgtype": msgType, "error": err.Error()})
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	if wecom.TokenExpired(res.ErrCode) {
		// Next call refreshes; this one is not retried.
		s.tokens.Invalidate()
	}

	result := "ok"
	if !res.OK() {
		result = "errcode"
		logger.Warn("platform rejected message", "errcode", res.ErrCode, "errmsg", res.ErrMsg)
	} else {
		logger.Info("message sent", "touser", recipient.ToUser, "toparty", recipient.ToParty, "totag", recipient.ToTag)
	}
	s.record(msgType, result)
	s.events.Publish(events.MessageSent, map[string]any{
		"send_id": sendID,
		"msgtype": msgType,
		"touser":  recipient.ToUser,
		"toparty": recipient.ToParty,
		"totag":   recipient.ToTag,
		"errcode": res.ErrCode,
	})
	return res, nil
}

// SendText is a convenience for text messages with default options.
func (s *Sender) SendText(ctx context.Context, recipientSpec, content string) (*protocol.SendResult, error) {
	return s.Send(ctx, "text", recipientSpec, TextBody(content))
}

func (s *Sender) record(msgType, result string) {
	if s.metrics == nil {
		return
	}
	s.metrics.MessagesSent.WithLabelValues(msgType, result).Inc()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ TokenSource = (*credential.Cache)(nil)
var _ API = (*wecom.Client)(nil)
