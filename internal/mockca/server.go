// Package mockca is a small in-process certificate authority speaking the
// wire protocol the engine implements. It exists for local development and
// integration tests: no real validation happens, challenges simply become
// valid after a configurable number of polls.
package mockca

import (
	"crypto"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server holds the mock CA state. All state lives in memory and is lost on
// restart.
type Server struct {
	logger     *zap.Logger
	engine     *gin.Engine
	middleware []gin.HandlerFunc

	// baseURL is set once the external address is known; URLs in responses
	// are built from it.
	baseURL string

	termsURL        string
	pollsUntilValid int
	retryAfter      time.Duration

	mu         sync.Mutex
	nonces     map[string]struct{}
	accounts   map[string]*account
	challenges map[string]*challenge
}

type account struct {
	id       string
	key      crypto.PublicKey
	contacts []string
	agreed   string
}

type challenge struct {
	id        string
	typ       string
	token     string
	status    string
	validated time.Time
	triggered bool
	polls     int
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTermsURL sets the terms-of-service URI linked on new registrations.
func WithTermsURL(u string) Option {
	return func(s *Server) { s.termsURL = u }
}

// WithPollsUntilValid sets how many polls a triggered challenge stays
// pending before turning valid.
func WithPollsUntilValid(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.pollsUntilValid = n
		}
	}
}

// WithRetryAfter sets the Retry-After hint attached to still-pending polls.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) { s.retryAfter = d }
}

// WithMiddleware installs extra gin middleware (e.g. CORS for a dev UI)
// ahead of the protocol routes.
func WithMiddleware(mw ...gin.HandlerFunc) Option {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// New builds a mock CA.
func New(opts ...Option) *Server {
	s := &Server{
		logger:          zap.NewNop(),
		termsURL:        "https://mockca.invalid/terms",
		pollsUntilValid: 1,
		retryAfter:      2 * time.Second,
		nonces:          make(map[string]struct{}),
		accounts:        make(map[string]*account),
		challenges:      make(map[string]*challenge),
	}
	for _, o := range opts {
		o(s)
	}
	s.engine = s.buildRouter()
	return s
}

// SetBaseURL fixes the external base URL used in directory entries and
// Location headers. Call it once the listener address is known.
func (s *Server) SetBaseURL(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseURL = base
}

// Handler returns the HTTP handler serving the mock CA.
func (s *Server) Handler() http.Handler { return s.engine }

// CreateChallenge registers a fresh pending challenge of the given wire type
// and returns its URL. Tests and the dev endpoint use it to mint pollable
// challenges without a full authorization flow.
func (s *Server) CreateChallenge(typ string) string {
	ch := &challenge{
		id:     uuid.NewString(),
		typ:    typ,
		token:  uuid.NewString(),
		status: "pending",
	}
	s.mu.Lock()
	s.challenges[ch.id] = ch
	base := s.baseURL
	s.mu.Unlock()
	return base + "/acme/challenge/" + ch.id
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.middleware...)
	r.Use(s.replayNonce())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/directory", s.directory)
	r.GET("/acme/new-nonce", s.newNonce)
	r.POST("/acme/new-reg", s.newRegistration)
	r.POST("/acme/reg/:id", s.updateRegistration)
	r.GET("/acme/challenge/:id", s.pollChallenge)
	r.POST("/acme/challenge/:id", s.triggerChallenge)

	r.POST("/dev/challenges", s.devCreateChallenge)
	return r
}

// replayNonce issues a fresh single-use nonce with every response.
func (s *Server) replayNonce() gin.HandlerFunc {
	return func(c *gin.Context) {
		nonce := uuid.NewString()
		s.mu.Lock()
		s.nonces[nonce] = struct{}{}
		s.mu.Unlock()
		c.Header("Replay-Nonce", nonce)
		c.Next()
	}
}

func (s *Server) consumeNonce(nonce string) bool {
	if nonce == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nonces[nonce]; !ok {
		return false
	}
	delete(s.nonces, nonce)
	return true
}

func (s *Server) base() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseURL
}

func (s *Server) directory(c *gin.Context) {
	base := s.base()
	c.JSON(http.StatusOK, gin.H{
		"new-reg":     base + "/acme/new-reg",
		"new-authz":   base + "/acme/new-authz",
		"new-cert":    base + "/acme/new-cert",
		"revoke-cert": base + "/acme/revoke-cert",
		"new-nonce":   base + "/acme/new-nonce",
	})
}

func (s *Server) newNonce(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{})
}

// readSigned decodes and checks the signed envelope of the request,
// enforcing single-use nonces. It writes the error response itself and
// returns nil when the request was rejected.
func (s *Server) readSigned(c *gin.Context) *signedRequest {
	body, err := c.GetRawData()
	if err != nil {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:malformed", "unreadable request body")
		return nil
	}
	req, err := decodeSigned(body, s.lookupAccountKey)
	if err != nil {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:malformed", err.Error())
		return nil
	}
	if !s.consumeNonce(req.Nonce) {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:badNonce", "unknown or reused nonce")
		return nil
	}
	return req
}

func (s *Server) lookupAccountKey(kid string) (crypto.PublicKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		if s.baseURL+"/acme/reg/"+acct.id == kid {
			return acct.key, true
		}
	}
	return nil, false
}

func (s *Server) problem(c *gin.Context, status int, typ, detail string) {
	s.logger.Debug("request rejected",
		zap.Int("status", status),
		zap.String("detail", detail),
	)
	c.JSON(status, gin.H{"type": typ, "detail": detail})
}

func (s *Server) newRegistration(c *gin.Context) {
	req := s.readSigned(c)
	if req == nil {
		return
	}
	if res, _ := req.Payload["resource"].(string); res != "new-reg" {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:malformed", "payload resource must be new-reg")
		return
	}
	if req.Key == nil || req.JWK == nil {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:malformed", "new registrations must embed the account jwk")
		return
	}

	acct := &account{id: uuid.NewString(), key: req.Key}
	if raw, ok := req.Payload["contact"].([]any); ok {
		for _, v := range raw {
			if contact, ok := v.(string); ok {
				acct.contacts = append(acct.contacts, contact)
			}
		}
	}
	s.mu.Lock()
	s.accounts[acct.id] = acct
	s.mu.Unlock()

	location := s.base() + "/acme/reg/" + acct.id
	c.Header("Location", location)
	c.Header("Link", `<`+s.termsURL+`>;rel="terms-of-service"`)
	s.logger.Info("registration created",
		zap.String("account", acct.id),
		zap.Int("contacts", len(acct.contacts)),
	)
	c.JSON(http.StatusCreated, gin.H{
		"resource": "new-reg",
		"contact":  acct.contacts,
	})
}

func (s *Server) updateRegistration(c *gin.Context) {
	req := s.readSigned(c)
	if req == nil {
		return
	}
	s.mu.Lock()
	acct, ok := s.accounts[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		s.problem(c, http.StatusNotFound, "urn:acme:error:unknown", "no such registration")
		return
	}
	if res, _ := req.Payload["resource"].(string); res != "reg" {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:malformed", "payload resource must be reg")
		return
	}

	s.mu.Lock()
	if raw, ok := req.Payload["contact"].([]any); ok {
		acct.contacts = acct.contacts[:0]
		for _, v := range raw {
			if contact, ok := v.(string); ok {
				acct.contacts = append(acct.contacts, contact)
			}
		}
	}
	if agreed, ok := req.Payload["agreement"].(string); ok {
		acct.agreed = agreed
	}
	contacts := append([]string(nil), acct.contacts...)
	agreed := acct.agreed
	s.mu.Unlock()

	c.Header("Link", `<`+s.termsURL+`>;rel="terms-of-service"`)
	c.JSON(http.StatusAccepted, gin.H{
		"resource":  "reg",
		"contact":   contacts,
		"agreement": agreed,
	})
}

func (s *Server) pollChallenge(c *gin.Context) {
	s.mu.Lock()
	ch, ok := s.challenges[c.Param("id")]
	if ok && ch.triggered && ch.status == "pending" {
		ch.polls++
		if ch.polls >= s.pollsUntilValid {
			ch.status = "valid"
			ch.validated = time.Now().UTC()
		}
	}
	var doc gin.H
	var pending bool
	if ok {
		doc = s.challengeDoc(ch)
		pending = ch.status == "pending"
	}
	retryAfter := s.retryAfter
	s.mu.Unlock()

	if !ok {
		s.problem(c, http.StatusNotFound, "urn:acme:error:unknown", "no such challenge")
		return
	}
	if pending {
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
		c.JSON(http.StatusAccepted, doc)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) triggerChallenge(c *gin.Context) {
	req := s.readSigned(c)
	if req == nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.challenges[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		s.problem(c, http.StatusNotFound, "urn:acme:error:unknown", "no such challenge")
		return
	}
	if res, _ := req.Payload["resource"].(string); res != "challenge" {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:malformed", "payload resource must be challenge")
		return
	}
	if typ, _ := req.Payload["type"].(string); typ != ch.typ {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:malformed", "challenge type mismatch")
		return
	}

	s.mu.Lock()
	ch.triggered = true
	doc := s.challengeDoc(ch)
	s.mu.Unlock()

	c.Header("Location", s.base()+"/acme/challenge/"+ch.id)
	s.logger.Info("challenge triggered",
		zap.String("challenge", ch.id),
		zap.String("type", ch.typ),
	)
	c.JSON(http.StatusAccepted, doc)
}

// devCreateChallenge mints a pending challenge outside the protocol so local
// flows can be exercised without an authorization endpoint.
func (s *Server) devCreateChallenge(c *gin.Context) {
	var req struct {
		Type string `json:"type" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.problem(c, http.StatusBadRequest, "urn:acme:error:malformed", err.Error())
		return
	}
	url := s.CreateChallenge(req.Type)
	c.JSON(http.StatusCreated, gin.H{"url": url})
}

// challengeDoc renders the wire form of a challenge. Callers hold s.mu.
func (s *Server) challengeDoc(ch *challenge) gin.H {
	doc := gin.H{
		"type":   ch.typ,
		"status": ch.status,
		"uri":    s.baseURL + "/acme/challenge/" + ch.id,
		"token":  ch.token,
	}
	if !ch.validated.IsZero() {
		doc["validated"] = ch.validated.Format(time.RFC3339Nano)
	}
	return doc
}
