package ims

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// AuthenticationAgent computes digest credentials for SIP requests
// challenged with 401/407. One agent is owned per session; the nonce
// captured at registration time may be seeded so the first in-session
// request does not need a fresh challenge round-trip.
type AuthenticationAgent struct {
	mu sync.Mutex

	username string
	password string

	challenge  *digest.Challenge
	headerName string // Authorization or Proxy-Authorization
	lastNonce  string
}

func NewAuthenticationAgent(username, password string) *AuthenticationAgent {
	return &AuthenticationAgent{
		username:   username,
		password:   password,
		headerName: "Authorization",
	}
}

// SeedChallenge installs a cached challenge (typically borrowed from the
// registration dialog) so SetAuthorizationHeader can answer immediately.
func (a *AuthenticationAgent) SeedChallenge(ch *digest.Challenge) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.challenge = ch
	a.headerName = "Authorization"
}

// ReadChallenge captures the challenge carried by a 401 or 407 response.
// It returns false when the response carries no challenge, or when the
// server repeated the exact nonce we already answered: per the retry
// policy the agent permits one resend per distinct challenge.
func (a *AuthenticationAgent) ReadChallenge(res *sip.Response) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	var headerName, authHeaderName string
	switch int(res.StatusCode) {
	case 401:
		headerName, authHeaderName = "WWW-Authenticate", "Authorization"
	case 407:
		headerName, authHeaderName = "Proxy-Authenticate", "Proxy-Authorization"
	default:
		return false
	}
	h := res.GetHeader(headerName)
	if h == nil {
		return false
	}
	ch, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return false
	}
	if ch.Nonce == a.lastNonce && !ch.Stale {
		// Same nonce rejected twice: credentials are wrong, do not loop.
		return false
	}
	a.challenge = ch
	a.headerName = authHeaderName
	return true
}

// SetAuthorizationHeader computes the digest response for the request and
// sets the authorization header, replacing an earlier one when the
// request already carries it. No-op when no challenge is known yet.
func (a *AuthenticationAgent) SetAuthorizationHeader(req *sip.Request) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.challenge == nil {
		return nil
	}
	cred, err := digest.Digest(a.challenge, digest.Options{
		Method:   string(req.Method),
		URI:      req.Recipient.String(),
		Username: a.username,
		Password: a.password,
	})
	if err != nil {
		return NewServiceError(ErrAuthFailed, ErrorCategoryAuth, "digest computation failed").WithCause(err)
	}
	a.lastNonce = a.challenge.Nonce
	setHeader(req, sip.NewHeader(a.headerName, cred.String()))
	return nil
}
