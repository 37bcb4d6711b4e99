// Package credential caches the platform access token.
//
// The cache holds one immutable snapshot behind an atomic pointer, so readers
// see either the previous credential or a fully refreshed one. Refreshes are
// lazy (triggered by the first caller that finds the credential absent or
// expired) and collapsed with singleflight: concurrent callers that observe
// the same expiry wait on a single fetch.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/wecom-gw/internal/wecom"
)

// RefreshSafetyMargin is subtracted from the issued lifetime so a token is
// never used during its final minutes.
const RefreshSafetyMargin = 300 * time.Second

// ErrUnavailable is returned when no credential can be obtained.
var ErrUnavailable = errors.New("credential unavailable")

// Issuer fetches a new access token.
type Issuer interface {
	GetToken(ctx context.Context, corpID, corpSecret string) (wecom.Token, error)
}

// Credential is one issued token and the time it stops being served.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Snapshot describes the cached credential without exposing its value.
type Snapshot struct {
	Cached    bool
	ExpiresAt time.Time
	Refreshes int64
}

// Cache owns the single process-wide access credential.
type Cache struct {
	issuer     Issuer
	corpID     string
	corpSecret string
	logger     *slog.Logger
	now        func() time.Time
	observe    func(error)

	current   atomic.Pointer[Credential]
	refreshes atomic.Int64
	flight    singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRefreshObserver registers fn to be called after every refresh attempt
// with its outcome.
func WithRefreshObserver(fn func(error)) Option {
	return func(c *Cache) { c.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New returns an empty cache. No fetch happens until the first Token call.
func New(issuer Issuer, corpID, corpSecret string, opts ...Option) *Cache {
	c := &Cache{
		issuer:     issuer,
		corpID:     corpID,
		corpSecret: corpSecret,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns a valid access token, refreshing it if it is absent or
// expired. A caller whose ctx ends while a refresh is in flight gets
// ctx.Err(); the refresh itself carries on for the remaining waiters.
func (c *Cache) Token(ctx context.Context) (string, error) {
	if cred := c.fresh(); cred != nil {
		return cred.Value, nil
	}

	// The fetch is shared, so it must not die with whichever caller started
	// it. The issuer's client timeout bounds it; each caller stops waiting
	// when its own ctx ends.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan("token", func() (any, error) {
		// Another flight may have finished between our check and DoChan.
		if cred := c.fresh(); cred != nil {
			return cred, nil
		}
		return c.refresh(fetchCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		if res.Shared {
			c.logger.Debug("joined in-flight credential refresh")
		}
		return res.Val.(*Credential).Value, nil
	}
}

// Invalidate drops the cached credential so the next Token call refreshes.
// Used when the platform rejects a token before its computed expiry.
func (c *Cache) Invalidate() {
	if old := c.current.Swap(nil); old != nil {
		c.logger.Info("access credential invalidated")
	}
}

// Snapshot reports cache state for health output.
func (c *Cache) Snapshot() Snapshot {
	s := Snapshot{Refreshes: c.refreshes.Load()}
	if cred := c.current.Load(); cred != nil {
		s.Cached = true
		s.ExpiresAt = cred.ExpiresAt
	}
	return s
}

func (c *Cache) fresh() *Credential {
	cred := c.current.Load()
	if cred == nil || !c.now().Before(cred.ExpiresAt) {
		return nil
	}
	return cred
}

func (c *Cache) refresh(ctx context.Context) (*Credential, error) {
	start := c.now()
	tok, err := c.issuer.GetToken(ctx, c.corpID, c.corpSecret)
	if c.observe != nil {
		c.observe(err)
	}
	if err != nil {
		c.logger.Error("access credential refresh failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	cred := &Credential{
		Value:     tok.Value,
		ExpiresAt: start.Add(tok.TTL - RefreshSafetyMargin),
	}
	c.current.Store(cred)
	c.refreshes.Add(1)
	c.logger.Info("access credential refreshed", "expires_at", cred.ExpiresAt.UTC().Format(time.RFC3339))
	return cred, nil
}
