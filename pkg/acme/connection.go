package acme

import (
	"context"
	"time"
)

// Resource is a logical server resource name as published in the directory.
type Resource string

const (
	ResourceNewReg     Resource = "new-reg"
	ResourceReg        Resource = "reg"
	ResourceNewAuthz   Resource = "new-authz"
	ResourceNewCert    Resource = "new-cert"
	ResourceRevokeCert Resource = "revoke-cert"
	ResourceChallenge  Resource = "challenge"
	// ResourceNewNonce is optional; servers without it hand out nonces on
	// every response, including the directory itself.
	ResourceNewNonce Resource = "new-nonce"
)

// Protocol headers and link relations.
const (
	HeaderReplayNonce = "Replay-Nonce"
	HeaderRetryAfter  = "Retry-After"
	HeaderLocation    = "Location"
	HeaderLink        = "Link"

	LinkTermsOfService = "terms-of-service"
)

// Connection is the transport boundary of the engine. Implementations perform
// the actual HTTP/TLS work; the engine only ever sees status codes, decoded
// JSON bodies and a handful of response headers.
//
// A Connection is stateful: the accessor methods refer to the most recent
// response produced by Get or PostSigned. It is not safe for concurrent use;
// confine a Connection (and the Session holding it) to one logical task.
type Connection interface {
	// Get performs a plain GET against uri and returns the HTTP status code.
	// Network-level failures are returned as *TransportError.
	Get(ctx context.Context, uri string) (int, error)

	// PostSigned posts an already-signed request body to uri and returns the
	// HTTP status code. Network-level failures are *TransportError.
	PostSigned(ctx context.Context, uri string, body []byte) (int, error)

	// ReadJSON decodes the body of the last response into a generic map.
	ReadJSON() (map[string]any, error)

	// Location returns the Location header of the last response, resolved to
	// an absolute URI, or "" when absent.
	Location() string

	// Link returns the URI of the Link header with the given relation on the
	// last response, or "" when absent.
	Link(relation string) string

	// RetryAfter returns the Retry-After hint of the last response as an
	// absolute timestamp. Implementations normalize both the delta-seconds
	// and the HTTP-date wire forms.
	RetryAfter() (time.Time, bool)

	// Nonce returns the replay nonce supplied with the last response, or ""
	// when the server did not rotate one.
	Nonce() string
}
