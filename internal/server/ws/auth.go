package ws

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/alanyoungcy/hedgecoord/internal/protocol"
)

// TokenValidator checks terminal credentials against a shared secret or its
// bcrypt hash. The hash wins when both are configured.
type TokenValidator struct {
	token []byte
	hash  []byte
}

// NewTokenValidator creates a validator. An empty token and hash reject
// everything.
func NewTokenValidator(token, hash string) *TokenValidator {
	return &TokenValidator{token: []byte(token), hash: []byte(hash)}
}

// Valid reports whether tok is accepted.
func (v *TokenValidator) Valid(tok string) bool {
	if tok == "" {
		return false
	}
	if len(v.hash) > 0 {
		return bcrypt.CompareHashAndPassword(v.hash, []byte(tok)) == nil
	}
	if len(v.token) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(v.token, []byte(tok)) == 1
}

// handshake carries what a terminal presented on the upgrade request.
type handshake struct {
	token     string
	accountID string
	ea        protocol.EAInfo
}

// readHandshake extracts credentials from the upgrade request. The token may
// come from "Authorization: Bearer", X-Auth-Token or the token query
// parameter; the account from X-Account-Id or accountId.
func readHandshake(r *http.Request) handshake {
	h := handshake{}

	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok, ok := strings.CutPrefix(auth, "Bearer "); ok {
			h.token = strings.TrimSpace(tok)
		}
	}
	if h.token == "" {
		h.token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if h.token == "" {
		h.token = strings.TrimSpace(r.URL.Query().Get("token"))
	}

	h.accountID = strings.TrimSpace(r.Header.Get("X-Account-Id"))
	if h.accountID == "" {
		h.accountID = strings.TrimSpace(r.URL.Query().Get("accountId"))
	}

	h.ea = protocol.EAInfo{
		Version:     r.Header.Get("X-EA-Version"),
		Platform:    r.Header.Get("X-EA-Platform"),
		Account:     r.Header.Get("X-EA-Account"),
		ServerName:  r.Header.Get("X-EA-Server"),
		CompanyName: r.Header.Get("X-EA-Company"),
	}
	if h.accountID == "" {
		h.accountID = h.ea.Account
	}
	return h
}

// remoteIP returns the client address without the port, honouring
// X-Forwarded-For from a fronting proxy.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
