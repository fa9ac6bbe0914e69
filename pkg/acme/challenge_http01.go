package acme

import (
	"context"
	"encoding/base64"
)

// ChallengeTypeHTTP01 identifies the HTTP-based validation mechanism: the
// key authorization is served over plain HTTP at a well-known path derived
// from the token.
const ChallengeTypeHTTP01 = "http-01"

// HTTP01Challenge proves control of a domain by serving the key
// authorization at http://<domain>/.well-known/acme-challenge/<token>.
// Publishing the file is the caller's job; this type only computes the
// proof material.
type HTTP01Challenge struct {
	GenericChallenge
}

// NewHTTP01Challenge returns an http-01 challenge bound to s. Unmarshalling
// a document of any other type into it fails.
func NewHTTP01Challenge(s *Session) *HTTP01Challenge {
	c := &HTTP01Challenge{}
	c.session = s
	c.typ = ChallengeTypeHTTP01
	return c
}

// Token returns the server-issued challenge token.
func (c *HTTP01Challenge) Token() string { return c.token }

// KeyAuthorization returns token.base64url(thumbprint(accountKey)), the
// exact content to serve at the well-known path.
func (c *HTTP01Challenge) KeyAuthorization() (string, error) {
	return keyAuthorization(c.session, c.token)
}

// WellKnownPath returns the URL path the key authorization must appear at.
func (c *HTTP01Challenge) WellKnownPath() string {
	return "/.well-known/acme-challenge/" + c.token
}

// Respond contributes the type and the key authorization to the claim.
func (c *HTTP01Challenge) Respond(cb *ClaimBuilder) error {
	if err := c.GenericChallenge.Respond(cb); err != nil {
		return err
	}
	auth, err := c.KeyAuthorization()
	if err != nil {
		return err
	}
	cb.Put("keyAuthorization", auth)
	return nil
}

// Trigger starts server-side validation of this challenge.
func (c *HTTP01Challenge) Trigger(ctx context.Context) error {
	return c.trigger(ctx, c)
}

// keyAuthorization combines a challenge token with the thumbprint of the
// session's account key.
func keyAuthorization(s *Session, token string) (string, error) {
	if token == "" {
		return "", &ProtocolError{Detail: "challenge has no token"}
	}
	if s == nil {
		return "", &ProtocolError{Detail: "challenge is not bound to a session"}
	}
	thumb, err := Thumbprint(s.key.Public())
	if err != nil {
		return "", err
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumb), nil
}
