package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/wecom-gw/internal/auth"
	"github.com/mattjoyce/wecom-gw/internal/sender"
)

// handleSend posts a message on behalf of an authorized client. The token
// may come in the body or, when the body omits it, as a bearer header.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodySize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.config.MaxBodySize {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	var req SendRequest
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "no JSON data provided")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Token == "" {
		if tok, err := auth.ExtractBearerToken(r); err == nil {
			req.Token = tok
		}
	}

	for _, f := range []struct{ name, value string }{
		{"to_user", req.ToUser},
		{"msg", req.Msg},
		{"token", req.Token},
	} {
		if strings.TrimSpace(f.value) == "" {
			writeError(w, http.StatusBadRequest, "missing required field: "+f.name)
			return
		}
	}

	reqID := middleware.GetReqID(r.Context())
	if !s.deps.Guard.Authorize(req.Token) {
		s.logger.Warn("send rejected: token not allowed", "request_id", reqID)
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}

	msgType := req.MsgType
	if msgType == "" {
		msgType = "text"
	}
	content, ok := sender.BodyFor(msgType, req.Msg)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported msg_type %q (want text or markdown)", msgType))
		return
	}
	if _, err := sender.ParseRecipient(req.ToUser); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Sender.Send(r.Context(), msgType, req.ToUser, content)
	if err != nil {
		if errors.Is(err, sender.ErrInvalidRecipient) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("send failed", "error", err, "request_id", reqID)
		msg := err.Error()
		if errors.Is(err, sender.ErrSendFailed) {
			msg = "error sending message: " + msg
		}
		writeError(w, http.StatusInternalServerError, msg)
		return
	}
	if !res.OK() {
		writeError(w, http.StatusInternalServerError, "failed to send message: "+res.ErrMsg)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(res.Raw) > 0 {
		_, _ = w.Write(res.Raw)
		return
	}
	_ = json.NewEncoder(w).Encode(res)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
