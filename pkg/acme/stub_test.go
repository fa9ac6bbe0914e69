package acme_test

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tdowling7/acmewire/pkg/acme"
)

const (
	testDirectoryURL = "https://ca.example.com/directory"
	testNewRegURL    = "https://ca.example.com/acme/new-reg"
)

// stubResponse is one scripted server response.
type stubResponse struct {
	status   int
	body     map[string]any
	location string
	links    map[string]string
	retryAt  time.Time
	hasRetry bool
	nonce    string
	err      error
}

// postRecord captures one signed request as it hit the wire.
type postRecord struct {
	uri  string
	body []byte
}

// stubConn is a scripted Connection: every Get or PostSigned consumes the
// next queued response, and the accessors reflect the one consumed last.
type stubConn struct {
	t     *testing.T
	queue []stubResponse
	cur   stubResponse

	gets  []string
	posts []postRecord
}

func newStubConn(t *testing.T, responses ...stubResponse) *stubConn {
	t.Helper()
	return &stubConn{t: t, queue: responses}
}

func (c *stubConn) next(kind, uri string) (int, error) {
	if len(c.queue) == 0 {
		c.t.Fatalf("unexpected %s %s: no scripted response left", kind, uri)
	}
	c.cur = c.queue[0]
	c.queue = c.queue[1:]
	if c.cur.err != nil {
		return 0, c.cur.err
	}
	return c.cur.status, nil
}

func (c *stubConn) Get(_ context.Context, uri string) (int, error) {
	c.gets = append(c.gets, uri)
	return c.next("GET", uri)
}

func (c *stubConn) PostSigned(_ context.Context, uri string, body []byte) (int, error) {
	c.posts = append(c.posts, postRecord{uri: uri, body: body})
	return c.next("POST", uri)
}

func (c *stubConn) ReadJSON() (map[string]any, error) {
	if c.cur.body == nil {
		return nil, fmt.Errorf("response has no body")
	}
	doc := make(map[string]any, len(c.cur.body))
	for k, v := range c.cur.body {
		doc[k] = v
	}
	return doc, nil
}

func (c *stubConn) Location() string { return c.cur.location }

func (c *stubConn) Link(rel string) string { return c.cur.links[rel] }

func (c *stubConn) RetryAfter() (time.Time, bool) { return c.cur.retryAt, c.cur.hasRetry }

func (c *stubConn) Nonce() string { return c.cur.nonce }

// directoryResponse scripts a directory fetch carrying the given nonce.
func directoryResponse(nonce string) stubResponse {
	return stubResponse{
		status: 200,
		nonce:  nonce,
		body: map[string]any{
			"new-reg":     testNewRegURL,
			"new-authz":   "https://ca.example.com/acme/new-authz",
			"new-cert":    "https://ca.example.com/acme/new-cert",
			"revoke-cert": "https://ca.example.com/acme/revoke-cert",
		},
	}
}

func newTestSession(t *testing.T, key crypto.Signer, conn acme.Connection, opts ...acme.SessionOption) *acme.Session {
	t.Helper()
	s, err := acme.NewSession(testDirectoryURL, key, conn, opts...)
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	return s
}

// Key generation is the slow part of this suite; the RSA key is shared.
var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
	rsaKeyErr  error
)

func newRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		rsaKey, rsaKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if rsaKeyErr != nil {
		t.Fatalf("generate RSA key: %v", rsaKeyErr)
	}
	return rsaKey
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ECDSA key: %v", err)
	}
	return key
}

// envelope mirrors the flattened signed-request serialization.
type envelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// decodeEnvelope unpacks a captured signed request into its protected header
// map and raw payload bytes.
func decodeEnvelope(t *testing.T, body []byte) (protected map[string]any, payload []byte, env envelope) {
	t.Helper()
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	header, err := base64.RawURLEncoding.DecodeString(env.Protected)
	if err != nil {
		t.Fatalf("decode protected header: %v", err)
	}
	if err := json.Unmarshal(header, &protected); err != nil {
		t.Fatalf("parse protected header: %v", err)
	}
	payload, err = base64.RawURLEncoding.DecodeString(env.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return protected, payload, env
}

// thumbprintB64 is the base64url thumbprint of pub, fataling on error.
func thumbprintB64(t *testing.T, pub crypto.PublicKey) string {
	t.Helper()
	thumb, err := acme.Thumbprint(pub)
	if err != nil {
		t.Fatalf("Thumbprint() error: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb)
}
