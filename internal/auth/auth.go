// Package auth gates the outbound send path. Callers present an opaque send
// token that must be a member of the configured allow-set.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Guard checks send tokens against a fixed allow-set loaded at startup.
type Guard struct {
	tokens [][]byte
}

// NewGuard builds a Guard. Blank and duplicate tokens are ignored.
func NewGuard(tokens []string) *Guard {
	seen := make(map[string]struct{}, len(tokens))
	g := &Guard{tokens: make([][]byte, 0, len(tokens))}
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		g.tokens = append(g.tokens, []byte(t))
	}
	return g
}

// Authorize reports whether token is in the allow-set. Every configured token
// is compared so timing does not reveal which entry matched.
func (g *Guard) Authorize(token string) bool {
	if g == nil || token == "" {
		return false
	}
	presented := []byte(token)
	match := 0
	for _, t := range g.tokens {
		match |= constantTimeEqual(presented, t)
	}
	return match == 1
}

// Len returns the number of configured tokens.
func (g *Guard) Len() int {
	if g == nil {
		return 0
	}
	return len(g.tokens)
}

func constantTimeEqual(a, b []byte) int {
	if subtle.ConstantTimeEq(int32(len(a)), int32(len(b))) != 1 {
		return 0
	}
	return subtle.ConstantTimeCompare(a, b)
}

// ExtractBearerToken reads the token from an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
