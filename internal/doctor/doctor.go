// Package doctor reports problems in a loaded gateway configuration that the
// loader accepts but that will misbehave at runtime.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/wecom-gw/internal/config"
	"github.com/mattjoyce/wecom-gw/internal/wxcrypt"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor inspects a loaded config.
type Doctor struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateCallbackCrypto(r)
	d.validateURLs(r)
	d.warnSendTokens(r)
	d.warnHandlers(r)
	d.warnReceiveID(r)
	d.warnUnlocked(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateCallbackCrypto builds the callback crypto once so a key that is 43
// characters but not valid base64 is caught before the first callback.
func (d *Doctor) validateCallbackCrypto(r *Result) {
	cb := d.cfg.Callback
	if _, err := wxcrypt.New(cb.Token, cb.EncodingAESKey, cb.ReceiveID); err != nil {
		d.addError(r, "callback", "callback.encoding_aes_key", err.Error())
	}
	if cb.MaxClockSkew == 0 {
		d.addWarning(r, "callback", "callback.max_clock_skew", "timestamp window disabled; replayed callbacks are accepted")
	}
}

func (d *Doctor) validateURLs(r *Result) {
	check := func(field, raw string, required bool) {
		if raw == "" {
			if required {
				d.addError(r, "upstream", field, "is required")
			}
			return
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			d.addError(r, "upstream", field, fmt.Sprintf("not an absolute http(s) URL: %q", raw))
			return
		}
		if u.Scheme == "http" && !isLoopback(u.Hostname()) {
			d.addWarning(r, "upstream", field, "plain http to a non-local host sends credentials in clear text")
		}
	}
	check("wecom.api_base", d.cfg.WeCom.APIBase, true)
	if d.hasKind("chat") {
		check("openai.base_url", d.cfg.OpenAI.BaseURL, true)
	}
}

func (d *Doctor) warnSendTokens(r *Result) {
	if len(d.cfg.Send.Tokens) == 0 {
		d.addWarning(r, "send", "send.tokens", "no tokens configured; every send request will be rejected")
		return
	}
	for i, tok := range d.cfg.Send.Tokens {
		if len(strings.TrimSpace(tok)) < 16 {
			d.addWarning(r, "send", fmt.Sprintf("send.tokens[%d]", i), "token shorter than 16 characters")
		}
	}
}

func (d *Doctor) warnHandlers(r *Result) {
	if len(d.cfg.Handlers) == 0 {
		d.addWarning(r, "handlers", "handlers", "no handlers registered; every inbound message will be dropped")
	}
	if d.hasKind("chat") && d.cfg.OpenAI.APIKey == "" {
		d.addWarning(r, "handlers", "openai.api_key", "chat handlers configured without an API key")
	}
}

func (d *Doctor) warnReceiveID(r *Result) {
	if d.cfg.Callback.ReceiveID != d.cfg.WeCom.CorpID {
		d.addWarning(r, "callback", "callback.receive_id", "differs from wecom.corp_id; only correct for third-party suites")
	}
}

func (d *Doctor) warnUnlocked(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	if _, err := config.LoadChecksums(filepath.Dir(d.cfg.SourcePath)); errors.Is(err, config.ErrNoChecksums) {
		d.addWarning(r, "integrity", "", "config is not locked; run 'wecom-gw config lock'")
	}
}

func (d *Doctor) hasKind(kind string) bool {
	for _, h := range d.cfg.Handlers {
		if h.Kind == kind {
			return true
		}
	}
	return false
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// FormatHuman returns a human-readable summary.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}

	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
