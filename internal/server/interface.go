package server

import (
	"context"

	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/protocol"
	"github.com/mattjoyce/wecom-gw/internal/sender"
)

//go:generate mockgen -destination=mocks/mock_server.go -package=mocks github.com/mattjoyce/wecom-gw/internal/server Sender,Dispatcher

// Codec verifies and decodes callback requests.
type Codec interface {
	VerifyEcho(msgSignature, timestamp, nonce, echoStr string) (string, error)
	Decode(rawBody []byte, msgSignature, timestamp, nonce string) (protocol.InboundMessage, error)
}

// Dispatcher routes a decoded message and reports the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg protocol.InboundMessage) string
}

// Sender posts an outbound message.
type Sender interface {
	Send(ctx context.Context, msgType, recipientSpec string, body map[string]any, opts ...sender.Option) (*protocol.SendResult, error)
}

// Authorizer gates externally triggered sends.
type Authorizer interface {
	Authorize(token string) bool
}

// CredentialStatus reports the cached credential for /healthz.
type CredentialStatus interface {
	Snapshot() credential.Snapshot
}

// EventSource is the read side of the event hub.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// HandlerLister lists registered senders for /healthz.
type HandlerLister interface {
	Senders() []string
}
