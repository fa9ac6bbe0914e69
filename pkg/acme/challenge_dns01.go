package acme

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// ChallengeTypeDNS01 identifies the DNS-based validation mechanism: a digest
// of the key authorization is published as a TXT record under a magic label.
const ChallengeTypeDNS01 = "dns-01"

// dnsRecordPrefix is the label the validation TXT record lives under.
const dnsRecordPrefix = "_acme-challenge."

// DNS01Challenge proves control of a domain by publishing a TXT record.
// Publishing the record is the caller's job; this type only computes the
// record name and value.
type DNS01Challenge struct {
	GenericChallenge
}

// NewDNS01Challenge returns a dns-01 challenge bound to s. Unmarshalling a
// document of any other type into it fails.
func NewDNS01Challenge(s *Session) *DNS01Challenge {
	c := &DNS01Challenge{}
	c.session = s
	c.typ = ChallengeTypeDNS01
	return c
}

// Token returns the server-issued challenge token.
func (c *DNS01Challenge) Token() string { return c.token }

// KeyAuthorization returns token.base64url(thumbprint(accountKey)).
func (c *DNS01Challenge) KeyAuthorization() (string, error) {
	return keyAuthorization(c.session, c.token)
}

// RecordValue returns the TXT record value to publish: the unpadded
// base64url SHA-256 digest of the key authorization.
func (c *DNS01Challenge) RecordValue() (string, error) {
	auth, err := c.KeyAuthorization()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(auth))
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// RecordName returns the fully qualified host the validation TXT record
// must be published at for domain.
func (c *DNS01Challenge) RecordName(domain string) string {
	return DNSRecordName(domain)
}

// Respond contributes the type and the key authorization to the claim.
func (c *DNS01Challenge) Respond(cb *ClaimBuilder) error {
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
func (c *DNS01Challenge) Trigger(ctx context.Context) error {
	return c.trigger(ctx, c)
}

// DNSRecordName returns the fully qualified host the validation TXT record
// must be published at for domain.
func DNSRecordName(domain string) string {
	return dnsRecordPrefix + strings.TrimSuffix(domain, ".")
}
