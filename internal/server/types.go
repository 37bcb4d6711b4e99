package server

import "time"

// Plain-text bodies returned to the platform on the webhook path.
const (
	replyOK     = "ok"
	replyFailed = "failed"
)

// SendRequest is the JSON body of the send endpoint.
type SendRequest struct {
	ToUser  string `json:"to_user"`
	Msg     string `json:"msg"`
	Token   string `json:"token"`
	MsgType string `json:"msg_type,omitempty"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status              string     `json:"status"`
	UptimeSeconds       int64      `json:"uptime_seconds"`
	CredentialCached    bool       `json:"credential_cached"`
	CredentialExpiresAt *time.Time `json:"credential_expires_at,omitempty"`
	CredentialRefreshes int64      `json:"credential_refreshes"`
	Handlers            []string   `json:"handlers"`
}
