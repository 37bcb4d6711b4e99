// Package handler holds the per-sender message handlers registered with the
// dispatch router.
package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/wecom-gw/internal/protocol"
)

// Kinds accepted in the handlers config section.
const (
	KindChat = "chat"
	KindEcho = "echo"
)

// Completer produces a reply for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Replier sends a text message back through the platform.
type Replier interface {
	SendText(ctx context.Context, recipientSpec, content string) (*protocol.SendResult, error)
}

// ChatHandler answers text messages with a chat completion sent back to the
// sender. Images are acknowledged without a reply; other types are dropped.
type ChatHandler struct {
	chat   Completer
	reply  Replier
	logger *slog.Logger
}

func NewChatHandler(chat Completer, reply Replier, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{chat: chat, reply: reply, logger: logger}
}

func (h *ChatHandler) Handle(ctx context.Context, msg protocol.InboundMessage) error {
	switch msg.Type {
	case protocol.TypeText:
		answer, err := h.chat.Complete(ctx, msg.Content)
		if err != nil {
			return fmt.Errorf("chat completion: %w", err)
		}
		h.logger.Info("chat reply ready", "sender", msg.Sender, "reply_len", len(answer))
		return sendReply(ctx, h.reply, msg.Sender, answer)
	case protocol.TypeImage:
		h.logger.Info("image received", "sender", msg.Sender, "pic_url", msg.Content)
		return nil
	default:
		h.logger.Warn("unhandled message type", "sender", msg.Sender, "raw_type", msg.RawType)
		return nil
	}
}

// EchoHandler sends text messages back verbatim.
type EchoHandler struct {
	reply  Replier
	logger *slog.Logger
}

func NewEchoHandler(reply Replier, logger *slog.Logger) *EchoHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EchoHandler{reply: reply, logger: logger}
}

func (h *EchoHandler) Handle(ctx context.Context, msg protocol.InboundMessage) error {
	if msg.Type != protocol.TypeText {
		h.logger.Debug("echo ignores non-text message", "sender", msg.Sender, "raw_type", msg.RawType)
		return nil
	}
	return sendReply(ctx, h.reply, msg.Sender, msg.Content)
}

func sendReply(ctx context.Context, r Replier, to, content string) error {
	res, err := r.SendText(ctx, to, content)
	if err != nil {
		return fmt.Errorf("reply to %s: %w", to, err)
	}
	if !res.OK() {
		return fmt.Errorf("reply to %s: errcode %d: %s", to, res.ErrCode, res.ErrMsg)
	}
	return nil
}
