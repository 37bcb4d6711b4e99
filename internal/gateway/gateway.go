// Package gateway assembles the running gateway from a loaded config. It is
// the only place components are constructed; everything else receives its
// collaborators explicitly.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/wecom-gw/internal/auth"
	"github.com/mattjoyce/wecom-gw/internal/chat"
	"github.com/mattjoyce/wecom-gw/internal/config"
	"github.com/mattjoyce/wecom-gw/internal/credential"
	"github.com/mattjoyce/wecom-gw/internal/dispatch"
	"github.com/mattjoyce/wecom-gw/internal/envelope"
	"github.com/mattjoyce/wecom-gw/internal/events"
	"github.com/mattjoyce/wecom-gw/internal/handler"
	"github.com/mattjoyce/wecom-gw/internal/metrics"
	"github.com/mattjoyce/wecom-gw/internal/sender"
	"github.com/mattjoyce/wecom-gw/internal/server"
	"github.com/mattjoyce/wecom-gw/internal/wecom"
	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

// Gateway holds the immutable config and the process's single credential
// cache, plus every component built from them.
type Gateway struct {
	Config      *config.Config
	Credentials *credential.Cache
	Platform    *wecom.Client
	Sender      *sender.Sender
	Router      *dispatch.Router
	Guard       *auth.Guard
	Events      *events.Hub
	Metrics     *metrics.Metrics
	Server      *server.Server

	logger *slog.Logger
}

// Option adjusts construction, mainly for tests.
type Option func(*options)

type options struct {
	cryptOpts []wxcrypt.Option
}

// WithCryptOptions passes extra options to the callback crypto.
func WithCryptOptions(opts ...wxcrypt.Option) Option {
	return func(o *options) { o.cryptOpts = append(o.cryptOpts, opts...) }
}

// New wires a Gateway. cfg must already be validated.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("gateway: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()
	hub := events.NewHub(cfg.Server.EventsBuffer)

	platform := wecom.NewClient(wecom.Config{
		APIBase: cfg.WeCom.APIBase,
		Timeout: cfg.WeCom.Timeout,
		Logger:  logger.With("component", "wecom"),
	})

	creds := credential.New(platform, cfg.WeCom.CorpID, cfg.WeCom.CorpSecret,
		credential.WithLogger(logger.With("component", "credential")),
		credential.WithRefreshObserver(func(err error) {
			if err != nil {
				m.CredentialFailures.Inc()
				return
			}
			m.CredentialRefresh.Inc()
		}),
	)

	snd := sender.New(cfg.WeCom.AgentID, creds, platform, hub, m, logger.With("component", "sender"))

	cryptOpts := append([]wxcrypt.Option{wxcrypt.WithMaxClockSkew(cfg.Callback.MaxClockSkew)}, o.cryptOpts...)
	crypt, err := wxcrypt.New(cfg.Callback.Token, cfg.Callback.EncodingAESKey, cfg.Callback.ReceiveID, cryptOpts...)
	if err != nil {
		return nil, fmt.Errorf("callback crypto: %w", err)
	}

	router := dispatch.NewRouter(hub, m, logger.With("component", "dispatch"))
	if err := registerHandlers(router, cfg, snd, logger); err != nil {
		return nil, err
	}

	guard := auth.NewGuard(cfg.Send.Tokens)
	if guard.Len() == 0 {
		logger.Warn("no send tokens configured; send endpoint will reject every request")
	}

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr(),
		WebhookPath: cfg.Server.WebhookPath,
		SendPath:    cfg.Server.SendPath,
		MaxBodySize: cfg.Server.MaxBodySize,
	}, server.Deps{
		Codec:      envelope.New(crypt),
		Dispatcher: router,
		Sender:     snd,
		Guard:      guard,
		Metrics:    m,
		Events:     hub,
		Publisher:  hub,
		Credential: creds,
		Handlers:   router,
	}, logger.With("component", "server"))

	return &Gateway{
		Config:      cfg,
		Credentials: creds,
		Platform:    platform,
		Sender:      snd,
		Router:      router,
		Guard:       guard,
		Events:      hub,
		Metrics:     m,
		Server:      srv,
		logger:      logger,
	}, nil
}

// registerHandlers binds each configured sender to its handler kind. Chat
// handlers share one chat client.
func registerHandlers(router *dispatch.Router, cfg *config.Config, snd *sender.Sender, logger *slog.Logger) error {
	var chatClient *chat.Client
	for _, hc := range cfg.Handlers {
		hlog := logger.With("component", "handler", "sender", hc.Sender, "kind", hc.Kind)

		var h dispatch.Handler
		switch hc.Kind {
		case handler.KindChat:
			if chatClient == nil {
				chatClient = chat.NewClient(chat.Config{
					APIKey:       cfg.OpenAI.APIKey,
					BaseURL:      cfg.OpenAI.BaseURL,
					Model:        cfg.OpenAI.Model,
					SystemPrompt: cfg.OpenAI.SystemPrompt,
					Timeout:      cfg.OpenAI.Timeout,
					Logger:       logger.With("component", "chat"),
				})
			}
			h = handler.NewChatHandler(chatClient, snd, hlog)
		case handler.KindEcho:
			h = handler.NewEchoHandler(snd, hlog)
		default:
			return fmt.Errorf("handler for %q: unknown kind %q", hc.Sender, hc.Kind)
		}
		if err := router.Register(hc.Sender, h); err != nil {
			return err
		}
	}
	return nil
}

// Run serves until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("gateway starting",
		"service", g.Config.Service.Name,
		"agent_id", g.Config.WeCom.AgentID,
		"handlers", g.Router.Senders(),
		"send_tokens", g.Guard.Len(),
	)
	return g.Server.Start(ctx)
}
