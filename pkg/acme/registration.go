package acme

import (
	"context"
	"fmt"
	"net/http"
)

// Registration is the account resource created for an account key. Its
// location doubles as the account identifier for key-ID signed requests.
type Registration struct {
	session   *Session
	location  string
	contacts  []string
	agreement string
}

// Location returns the account resource URI.
func (r *Registration) Location() string { return r.location }

// Contacts returns the contact URIs attached to the account.
func (r *Registration) Contacts() []string {
	out := make([]string, len(r.contacts))
	copy(out, r.contacts)
	return out
}

// Agreement returns the terms-of-service URI the server linked to the
// account, or "" when the server did not offer one.
func (r *Registration) Agreement() string { return r.agreement }

// unmarshal applies an account document returned by the server. None of the
// fields are required; the server may return an empty body.
func (r *Registration) unmarshal(doc map[string]any) {
	if doc == nil {
		return
	}
	if raw, ok := doc["contact"].([]any); ok {
		contacts := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				contacts = append(contacts, s)
			}
		}
		r.contacts = contacts
	}
	if agr, ok := doc["agreement"].(string); ok && agr != "" {
		r.agreement = agr
	}
}

// Update pushes the current contact list (and agreement, when set) to the
// account resource and applies the server's view of the account back.
func (r *Registration) Update(ctx context.Context) error {
	claims := NewClaimBuilder().Resource(ResourceReg)
	if len(r.contacts) > 0 {
		claims.Put("contact", r.contacts)
	}
	if r.agreement != "" {
		claims.Put("agreement", r.agreement)
	}

	status, err := r.session.SendSigned(ctx, r.location, claims)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return problemError(status, readBodyQuietly(r.session.conn))
	}
	r.unmarshal(readBodyQuietly(r.session.conn))
	if agr := r.session.conn.Link(LinkTermsOfService); agr != "" {
		r.agreement = agr
	}
	return nil
}

// AgreeToTerms records acceptance of the terms of service at termsURI by
// sending a signed account update.
func (r *Registration) AgreeToTerms(ctx context.Context, termsURI string) error {
	if termsURI == "" {
		return fmt.Errorf("acme: terms URI must not be empty")
	}
	r.agreement = termsURI
	return r.Update(ctx)
}

// BindRegistration attaches an existing account resource at locationURI to
// the session without contacting the server. The fields materialize lazily
// on the first Update.
func BindRegistration(s *Session, locationURI string) (*Registration, error) {
	if s == nil {
		return nil, fmt.Errorf("acme: session must not be nil")
	}
	if locationURI == "" {
		return nil, fmt.Errorf("acme: registration location must not be empty")
	}
	return &Registration{session: s, location: locationURI}, nil
}

// RegistrationBuilder accumulates account properties and creates the account
// resource through the signed-request protocol.
type RegistrationBuilder struct {
	session  *Session
	contacts []string
}

// NewRegistrationBuilder returns a builder bound to s.
func NewRegistrationBuilder(s *Session) *RegistrationBuilder {
	return &RegistrationBuilder{session: s}
}

// AddContact appends a contact URI (e.g. "mailto:admin@example.com").
func (b *RegistrationBuilder) AddContact(contact string) *RegistrationBuilder {
	b.contacts = append(b.contacts, contact)
	return b
}

// Create registers a new account. The server must answer 201 Created; the
// new account's location is taken from the Location header and the
// terms-of-service URI, when offered, from the correspondingly tagged Link
// header. Any other status surfaces the server's problem details.
func (b *RegistrationBuilder) Create(ctx context.Context) (*Registration, error) {
	if b.session == nil {
		return nil, fmt.Errorf("acme: builder is not bound to a session")
	}
	uri, err := b.session.ResourceURL(ctx, ResourceNewReg)
	if err != nil {
		return nil, err
	}

	claims := NewClaimBuilder().Resource(ResourceNewReg)
	if len(b.contacts) > 0 {
		claims.Put("contact", b.contacts)
	}

	status, err := b.session.SendSigned(ctx, uri, claims)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, problemError(status, readBodyQuietly(b.session.conn))
	}

	location := b.session.conn.Location()
	if location == "" {
		return nil, &ProtocolError{Detail: "registration response has no Location header", StatusCode: status}
	}

	reg := &Registration{
		session:  b.session,
		location: location,
		contacts: append([]string(nil), b.contacts...),
	}
	reg.unmarshal(readBodyQuietly(b.session.conn))
	if agr := b.session.conn.Link(LinkTermsOfService); agr != "" {
		reg.agreement = agr
	}
	return reg, nil
}
