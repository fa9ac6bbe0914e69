package acme

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Challenge is one server-issued validation mechanism, dispatched by its
// declared wire type. Concrete variants (HTTP01Challenge, DNS01Challenge)
// add proof material on top; unknown types fall back to GenericChallenge,
// which still exposes status, location and validation time.
type Challenge interface {
	// Type returns the wire type tag, e.g. "http-01".
	Type() string
	// Status returns the normalized three-state status.
	Status() Status
	// WireStatus returns the raw status string as the server sent it.
	WireStatus() string
	// Location returns the resource URI this challenge is polled at.
	Location() string
	// Validated returns the server-reported validation time, when present.
	Validated() (time.Time, bool)
	// Respond appends this challenge's contribution to an outgoing claim.
	Respond(cb *ClaimBuilder) error
	// Unmarshal populates the challenge from a server-provided document.
	Unmarshal(doc map[string]any) error
	// Trigger tells the server to start validating this challenge.
	Trigger(ctx context.Context) error
	// Update polls the challenge and applies the response to local state.
	// A *RetryAfterError return is not a failure; see its documentation.
	Update(ctx context.Context) error
	// Snapshot captures the challenge state in a stable, versioned record.
	Snapshot() *ChallengeSnapshot

	base() *GenericChallenge
}

// ChallengeFactory produces an empty challenge instance for one wire type.
type ChallengeFactory func(s *Session) Challenge

var (
	challengeMu    sync.RWMutex
	challengeTypes = make(map[string]ChallengeFactory)
)

// RegisterChallengeType adds a challenge variant to the dispatch table used
// by Bind and RestoreChallenge. Registering an already-known type replaces
// the previous factory.
func RegisterChallengeType(typ string, factory ChallengeFactory) {
	challengeMu.Lock()
	defer challengeMu.Unlock()
	challengeTypes[typ] = factory
}

func init() {
	RegisterChallengeType(ChallengeTypeHTTP01, func(s *Session) Challenge { return NewHTTP01Challenge(s) })
	RegisterChallengeType(ChallengeTypeDNS01, func(s *Session) Challenge { return NewDNS01Challenge(s) })
}

// newChallenge picks the variant registered for typ, or a GenericChallenge
// when the type is unknown.
func newChallenge(s *Session, typ string) Challenge {
	challengeMu.RLock()
	factory, ok := challengeTypes[typ]
	challengeMu.RUnlock()
	if ok {
		return factory(s)
	}
	return NewGenericChallenge(s)
}

// Bind fetches the challenge at locationURI and dispatches it to the variant
// matching its declared type. Callers expecting a specific variant should
// type-assert the result.
func Bind(ctx context.Context, s *Session, locationURI string) (Challenge, error) {
	if s == nil {
		return nil, fmt.Errorf("acme: session must not be nil")
	}
	status, err := s.conn.Get(ctx, locationURI)
	if err != nil {
		return nil, err
	}
	s.storeNonce(s.conn.Nonce())
	if status != http.StatusOK && status != http.StatusAccepted {
		return nil, problemError(status, readBodyQuietly(s.conn))
	}
	doc, err := s.conn.ReadJSON()
	if err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("malformed challenge document: %v", err), StatusCode: status}
	}

	typ, _ := doc["type"].(string)
	ch := newChallenge(s, typ)
	ch.base().adoptLocation(locationURI)
	if err := ch.Unmarshal(doc); err != nil {
		return nil, err
	}
	return ch, nil
}

// GenericChallenge is the fallback variant for unrecognized challenge types
// and the shared state of every concrete variant. It exposes status,
// location and validation time but no type-specific proof material.
type GenericChallenge struct {
	session  *Session
	location string

	typ        string
	wireStatus string
	validated  time.Time
	hasValid   bool
	uri        string
	token      string
	doc        map[string]any
}

// NewGenericChallenge returns a challenge that accepts any wire type on its
// first Unmarshal and locks it from then on.
func NewGenericChallenge(s *Session) *GenericChallenge {
	return &GenericChallenge{session: s}
}

func (c *GenericChallenge) base() *GenericChallenge { return c }

// Type returns the challenge's wire type, or "" before the first Unmarshal.
func (c *GenericChallenge) Type() string { return c.typ }

// Status returns the normalized status; the default is StatusPending.
func (c *GenericChallenge) Status() Status { return normalizeStatus(c.wireStatus) }

// WireStatus returns the raw status string, or "" before the first Unmarshal.
func (c *GenericChallenge) WireStatus() string { return c.wireStatus }

// Location returns the URI this challenge is polled at, or "" when unbound.
func (c *GenericChallenge) Location() string { return c.location }

// Validated returns the validation timestamp; it is only present once the
// challenge reached StatusValid.
func (c *GenericChallenge) Validated() (time.Time, bool) { return c.validated, c.hasValid }

// adoptLocation sets the location exactly once; later calls are ignored.
func (c *GenericChallenge) adoptLocation(uri string) {
	if c.location == "" && uri != "" {
		c.location = uri
	}
}

// Unmarshal populates the challenge from a server document. The declared
// type must match the variant's expected type (or the type seen on a prior
// Unmarshal); a terminal status never regresses to pending.
func (c *GenericChallenge) Unmarshal(doc map[string]any) error {
	typ, _ := doc["type"].(string)
	if typ == "" {
		return &ProtocolError{Detail: "challenge document has no type"}
	}
	if c.typ != "" && typ != c.typ {
		return &ProtocolError{Detail: fmt.Sprintf("challenge type mismatch: got %q, want %q", typ, c.typ)}
	}
	c.typ = typ

	if wire, ok := doc["status"].(string); ok {
		// The server is trusted to move status forward only; if it ever
		// reports pending after a terminal state, keep the terminal state
		// rather than synthesize a regression.
		if !(c.Status().terminal() && !normalizeStatus(wire).terminal()) {
			c.wireStatus = wire
		}
	}

	if uri, ok := doc["uri"].(string); ok && uri != "" {
		c.uri = uri
		c.adoptLocation(uri)
	}
	if token, ok := doc["token"].(string); ok {
		c.token = token
	}
	if raw, ok := doc["validated"].(string); ok && raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return &ProtocolError{Detail: fmt.Sprintf("invalid validated timestamp %q", raw)}
		}
		c.validated = ts
		c.hasValid = true
	}

	c.doc = make(map[string]any, len(doc))
	for k, v := range doc {
		c.doc[k] = v
	}
	return nil
}

// Respond contributes the challenge's type to an outgoing claim. Variants
// with proof material extend this.
func (c *GenericChallenge) Respond(cb *ClaimBuilder) error {
	if c.typ == "" {
		return &ProtocolError{Detail: "challenge has no type to respond with"}
	}
	cb.Put("type", c.typ)
	return nil
}

// Trigger starts server-side validation of this challenge.
func (c *GenericChallenge) Trigger(ctx context.Context) error {
	return c.trigger(ctx, c)
}

// trigger is the shared implementation behind every variant's Trigger. The
// self parameter routes Respond to the concrete variant.
func (c *GenericChallenge) trigger(ctx context.Context, self Challenge) error {
	if c.session == nil {
		return fmt.Errorf("acme: challenge is not bound to a session")
	}
	target := c.uri
	if target == "" {
		target = c.location
	}
	if target == "" {
		return &ProtocolError{Detail: "challenge has no resource URI to trigger"}
	}

	claims := NewClaimBuilder().Resource(ResourceChallenge)
	if err := self.Respond(claims); err != nil {
		return err
	}

	status, err := c.session.SendSigned(ctx, target, claims)
	if err != nil {
		return err
	}
	if status != http.StatusAccepted {
		return problemError(status, readBodyQuietly(c.session.conn))
	}

	c.adoptLocation(c.session.conn.Location())
	doc, err := c.session.conn.ReadJSON()
	if err != nil {
		return &ProtocolError{Detail: fmt.Sprintf("malformed challenge document: %v", err), StatusCode: status}
	}
	return c.Unmarshal(doc)
}

// Update polls the challenge's location and applies the response body to
// local state. On HTTP 202 with a Retry-After hint the body is applied
// first and then a *RetryAfterError carrying the suggested resume time is
// returned, so callers that only look at the error still observe current
// state through the accessors. This method never sleeps or retries.
func (c *GenericChallenge) Update(ctx context.Context) error {
	if c.session == nil {
		return fmt.Errorf("acme: challenge is not bound to a session")
	}
	if c.location == "" {
		return &ProtocolError{Detail: "challenge has no location to poll"}
	}

	status, err := c.session.conn.Get(ctx, c.location)
	if err != nil {
		return err
	}
	c.session.storeNonce(c.session.conn.Nonce())

	switch status {
	case http.StatusOK, http.StatusAccepted:
		doc, err := c.session.conn.ReadJSON()
		if err != nil {
			return &ProtocolError{Detail: fmt.Sprintf("malformed challenge document: %v", err), StatusCode: status}
		}
		if err := c.Unmarshal(doc); err != nil {
			return err
		}
		if status == http.StatusAccepted {
			if resume, ok := c.session.conn.RetryAfter(); ok {
				return &RetryAfterError{RetryAfter: resume, Status: c.Status()}
			}
		}
		return nil
	default:
		return problemError(status, readBodyQuietly(c.session.conn))
	}
}
