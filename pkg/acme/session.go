package acme

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// Session binds a Connection and an account key pair for one client run.
// It owns the replay-nonce lifecycle and the directory of resource URIs.
//
// A Session is not safe for unsynchronized concurrent use: the protocol
// allows exactly one in-flight signed request, which consumes and replaces
// the single current nonce. Confine a Session to one logical task, or
// serialize access externally.
type Session struct {
	conn         Connection
	key          crypto.Signer
	keyID        string
	directoryURL string
	logger       *zap.Logger

	mu        sync.Mutex
	nonce     string
	directory map[Resource]string
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the logger used for protocol-level debug output.
func WithLogger(logger *zap.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithKeyID switches signed requests from embedding the full account JWK to
// referencing the account by its URL. Use this once the account exists; new
// account registration must run without it.
func WithKeyID(accountURL string) SessionOption {
	return func(s *Session) { s.keyID = accountURL }
}

// NewSession creates a Session for the server whose directory lives at
// directoryURL. The account key must be RSA or ECDSA; anything else is
// rejected here rather than on first use.
func NewSession(directoryURL string, key crypto.Signer, conn Connection, opts ...SessionOption) (*Session, error) {
	if directoryURL == "" {
		return nil, fmt.Errorf("acme: directory URL must not be empty")
	}
	if conn == nil {
		return nil, fmt.Errorf("acme: connection must not be nil")
	}
	if key == nil {
		return nil, fmt.Errorf("acme: account key must not be nil")
	}
	if _, err := signingMethodFor(key); err != nil {
		return nil, err
	}

	s := &Session{
		conn:         conn,
		key:          key,
		directoryURL: directoryURL,
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Key returns the account key pair bound to this session.
func (s *Session) Key() crypto.Signer { return s.key }

// Connection returns the transport this session operates on.
func (s *Session) Connection() Connection { return s.conn }

// ResourceURL resolves a logical resource name to its URI via the server
// directory. The directory is fetched lazily on first use and cached for the
// lifetime of the session.
func (s *Session) ResourceURL(ctx context.Context, r Resource) (string, error) {
	dir, err := s.loadDirectory(ctx)
	if err != nil {
		return "", err
	}
	uri, ok := dir[r]
	if !ok {
		return "", &ProtocolError{Detail: fmt.Sprintf("directory has no %q resource", r)}
	}
	return uri, nil
}

func (s *Session) loadDirectory(ctx context.Context) (map[Resource]string, error) {
	s.mu.Lock()
	cached := s.directory
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	status, err := s.conn.Get(ctx, s.directoryURL)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, problemError(status, readBodyQuietly(s.conn))
	}
	doc, err := s.conn.ReadJSON()
	if err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("malformed directory: %v", err), StatusCode: status}
	}

	dir := make(map[Resource]string, len(doc))
	for name, v := range doc {
		if uri, ok := v.(string); ok {
			dir[Resource(name)] = uri
		}
	}

	s.mu.Lock()
	s.directory = dir
	s.mu.Unlock()
	s.storeNonce(s.conn.Nonce())
	s.logger.Debug("directory loaded",
		zap.String("url", s.directoryURL),
		zap.Int("resources", len(dir)),
	)
	return dir, nil
}

// SendSigned wraps the claim in a signed envelope carrying the current nonce
// and dispatches it as a POST to uri. The replay nonce of the response is
// stored for the next call even when the response status denotes an error,
// because the server rotates it on every response. The status code is
// returned as-is; interpreting non-2xx codes is the caller's judgment.
func (s *Session) SendSigned(ctx context.Context, uri string, claims *ClaimBuilder) (int, error) {
	payload, err := claims.JSON()
	if err != nil {
		return 0, fmt.Errorf("acme: serialize claims: %w", err)
	}

	nonce, err := s.takeNonce(ctx)
	if err != nil {
		return 0, err
	}

	method, err := signingMethodFor(s.key)
	if err != nil {
		return 0, err
	}

	protected := NewClaimBuilder().
		Put("alg", method.Alg()).
		Put("nonce", nonce).
		Put("url", uri)
	if s.keyID != "" {
		protected.Put("kid", s.keyID)
	} else {
		jwk, err := JWKMap(s.key.Public())
		if err != nil {
			return 0, err
		}
		protected.Object("jwk").PutAll(jwk)
	}

	body, err := signRequest(s.key, protected, payload)
	if err != nil {
		return 0, err
	}

	status, err := s.conn.PostSigned(ctx, uri, body)
	if err != nil {
		return 0, err
	}
	s.storeNonce(s.conn.Nonce())
	s.logger.Debug("signed request sent",
		zap.String("url", uri),
		zap.Int("status", status),
	)
	return status, nil
}

// takeNonce consumes the current nonce, fetching a fresh one from the server
// when none is on hand. Take-and-replace happens in exactly one place so the
// rotation invariant cannot drift.
func (s *Session) takeNonce(ctx context.Context) (string, error) {
	s.mu.Lock()
	nonce := s.nonce
	s.nonce = ""
	s.mu.Unlock()
	if nonce != "" {
		return nonce, nil
	}

	if err := s.fetchNonce(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	nonce = s.nonce
	s.nonce = ""
	s.mu.Unlock()
	if nonce == "" {
		return "", &ProtocolError{Detail: "server did not supply a replay nonce"}
	}
	return nonce, nil
}

func (s *Session) fetchNonce(ctx context.Context) error {
	// Prefer a dedicated nonce resource when the directory publishes one;
	// any response carries a fresh nonce otherwise, so the directory URL
	// itself is a valid fallback.
	target := s.directoryURL
	if dir, err := s.loadDirectory(ctx); err == nil {
		if uri, ok := dir[ResourceNewNonce]; ok {
			target = uri
		}
	}

	s.mu.Lock()
	nonce := s.nonce
	s.mu.Unlock()
	if nonce != "" {
		// Loading the directory already rotated one in.
		return nil
	}

	if _, err := s.conn.Get(ctx, target); err != nil {
		return err
	}
	s.storeNonce(s.conn.Nonce())
	return nil
}

func (s *Session) storeNonce(nonce string) {
	if nonce == "" {
		return
	}
	s.mu.Lock()
	s.nonce = nonce
	s.mu.Unlock()
}

// readBodyQuietly tries to decode a problem document from the last response,
// returning nil when there is none.
func readBodyQuietly(conn Connection) map[string]any {
	doc, err := conn.ReadJSON()
	if err != nil {
		return nil
	}
	return doc
}
