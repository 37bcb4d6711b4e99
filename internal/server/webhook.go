package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/wecom-gw/internal/envelope"
	"github.com/mattjoyce/wecom-gw/internal/events"
)

type callbackQuery struct {
	signature, timestamp, nonce string
}

func queryOf(r *http.Request) callbackQuery {
	q := r.URL.Query()
	return callbackQuery{
		signature: q.Get("msg_signature"),
		timestamp: q.Get("timestamp"),
		nonce:     q.Get("nonce"),
	}
}

// handleVerify answers the platform's URL verification handshake.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := queryOf(r)
	echo, err := s.deps.Codec.VerifyEcho(q.signature, q.timestamp, q.nonce, r.URL.Query().Get("echostr"))
	if err != nil {
		s.reject(r, "verify", err)
		writeText(w, replyFailed)
		return
	}
	s.logger.Info("callback url verified", "request_id", middleware.GetReqID(r.Context()))
	writeText(w, echo)
}

// handleCallback decrypts an inbound message and dispatches it. The platform
// always gets 200 so it does not redeliver.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		s.logger.Warn("failed to read callback body", "error", err)
		s.countRejected("read")
		writeText(w, replyFailed)
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		s.logger.Warn("callback body too large", "limit", s.config.MaxBodySize)
		s.countRejected("too_large")
		writeText(w, replyFailed)
		return
	}

	q := queryOf(r)
	msg, err := s.deps.Codec.Decode(body, q.signature, q.timestamp, q.nonce)
	switch {
	case errors.Is(err, envelope.ErrVerificationFailed), errors.Is(err, envelope.ErrDecryptionFailed):
		s.reject(r, "decrypt", err)
		writeText(w, replyFailed)
		return
	case err != nil:
		// Authentic but unusable; redelivery would not help.
		s.logger.Warn("malformed callback payload", "error", err, "request_id", middleware.GetReqID(r.Context()))
		s.countRejected("malformed")
		writeText(w, replyOK)
		return
	}

	if m := s.deps.Metrics; m != nil {
		m.CallbacksReceived.WithLabelValues(string(msg.Type)).Inc()
	}
	s.logger.Info("callback received",
		"sender", msg.Sender,
		"type", string(msg.Type),
		"raw_type", msg.RawType,
		"request_id", middleware.GetReqID(r.Context()),
	)

	s.deps.Publisher.Publish(events.MessageReceived, map[string]any{
		"sender":   msg.Sender,
		"type":     string(msg.Type),
		"raw_type": msg.RawType,
		"msg_id":   msg.MsgID,
	})

	// Dispatch finishes even if the platform hangs up first.
	ctx := context.WithoutCancel(r.Context())
	s.deps.Dispatcher.Dispatch(ctx, msg)

	writeText(w, replyOK)
}

// reject logs a crypto failure at WARN without any payload content.
func (s *Server) reject(r *http.Request, stage string, err error) {
	attrs := []any{"stage", stage, "error", err, "request_id", middleware.GetReqID(r.Context())}
	var ce *envelope.CodeError
	if errors.As(err, &ce) {
		attrs = append(attrs, "code", ce.Code)
	}
	s.logger.Warn("callback rejected", attrs...)
	s.countRejected(stage)
	s.deps.Publisher.Publish(events.MessageRejected, map[string]any{"stage": stage, "error": err.Error()})
}

func (s *Server) countRejected(reason string) {
	if m := s.deps.Metrics; m != nil {
		m.CallbacksRejected.WithLabelValues(reason).Inc()
	}
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}
