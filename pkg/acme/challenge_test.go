package acme_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tdowling7/acmewire/pkg/acme"
)

func challengeDoc(typ, status, uri, token string) map[string]any {
	doc := map[string]any{"type": typ, "uri": uri, "token": token}
	if status != "" {
		doc["status"] = status
	}
	return doc
}

// ── Bind ──────────────────────────────────────────────────────────────────────

func TestBind_dispatchesByType(t *testing.T) {
	location := "https://ca.example.com/acme/challenge/1"

	cases := []struct {
		typ   string
		check func(t *testing.T, ch acme.Challenge)
	}{
		{"http-01", func(t *testing.T, ch acme.Challenge) {
			if _, ok := ch.(*acme.HTTP01Challenge); !ok {
				t.Errorf("got %T, want *HTTP01Challenge", ch)
			}
		}},
		{"dns-01", func(t *testing.T, ch acme.Challenge) {
			if _, ok := ch.(*acme.DNS01Challenge); !ok {
				t.Errorf("got %T, want *DNS01Challenge", ch)
			}
		}},
		{"tls-sni-01", func(t *testing.T, ch acme.Challenge) {
			if _, ok := ch.(*acme.GenericChallenge); !ok {
				t.Errorf("got %T, want *GenericChallenge fallback", ch)
			}
		}},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.typ, func(t *testing.T) {
			conn := newStubConn(t, stubResponse{
				status: 200,
				body:   challengeDoc(tc.typ, "pending", location, "tok-1"),
			})
			s := newTestSession(t, newECKey(t), conn)

			ch, err := acme.Bind(context.Background(), s, location)
			if err != nil {
				t.Fatalf("Bind() error: %v", err)
			}
			tc.check(t, ch)
			if ch.Type() != tc.typ {
				t.Errorf("Type: got %q", ch.Type())
			}
			if ch.Location() != location {
				t.Errorf("Location: got %q", ch.Location())
			}
			if ch.Status() != acme.StatusPending {
				t.Errorf("Status: got %q", ch.Status())
			}
		})
	}
}

func TestBind_accepts202(t *testing.T) {
	location := "https://ca.example.com/acme/challenge/1"
	conn := newStubConn(t, stubResponse{
		status: 202,
		body:   challengeDoc("http-01", "pending", location, "tok-1"),
	})
	s := newTestSession(t, newECKey(t), conn)

	if _, err := acme.Bind(context.Background(), s, location); err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
}

func TestBind_problemResponse(t *testing.T) {
	conn := newStubConn(t, stubResponse{
		status: 404,
		body:   map[string]any{"type": "urn:acme:error:unknown", "detail": "no such challenge"},
	})
	s := newTestSession(t, newECKey(t), conn)

	_, err := acme.Bind(context.Background(), s, "https://ca.example.com/acme/challenge/gone")
	var pe *acme.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if pe.StatusCode != 404 || pe.Type != "urn:acme:error:unknown" {
		t.Errorf("problem details: got %+v", pe)
	}
}

// ── Unmarshal ─────────────────────────────────────────────────────────────────

func TestUnmarshal_missingType(t *testing.T) {
	ch := acme.NewGenericChallenge(nil)
	err := ch.Unmarshal(map[string]any{"status": "pending"})
	var pe *acme.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestUnmarshal_typeMismatch(t *testing.T) {
	ch := acme.NewHTTP01Challenge(nil)
	err := ch.Unmarshal(challengeDoc("dns-01", "pending", "", "tok"))
	var pe *acme.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
}

func TestUnmarshal_locksTypeOnFirstUse(t *testing.T) {
	ch := acme.NewGenericChallenge(nil)
	if err := ch.Unmarshal(challengeDoc("tls-sni-01", "pending", "", "tok")); err != nil {
		t.Fatal(err)
	}
	if err := ch.Unmarshal(challengeDoc("http-01", "pending", "", "tok")); err == nil {
		t.Error("expected type mismatch after first unmarshal locked the type")
	}
}

func TestUnmarshal_statusNormalization(t *testing.T) {
	cases := []struct {
		wire string
		want acme.Status
	}{
		{"pending", acme.StatusPending},
		{"processing", acme.StatusPending},
		{"unknown", acme.StatusPending},
		{"", acme.StatusPending},
		{"valid", acme.StatusValid},
		{"invalid", acme.StatusInvalid},
	}

	for _, tc := range cases {
		tc := tc
		name := tc.wire
		if name == "" {
			name = "absent"
		}
		t.Run(name, func(t *testing.T) {
			ch := acme.NewGenericChallenge(nil)
			if err := ch.Unmarshal(challengeDoc("http-01", tc.wire, "", "tok")); err != nil {
				t.Fatal(err)
			}
			if got := ch.Status(); got != tc.want {
				t.Errorf("Status: got %q, want %q", got, tc.want)
			}
			if got := ch.WireStatus(); got != tc.wire {
				t.Errorf("WireStatus: got %q, want %q", got, tc.wire)
			}
		})
	}
}

func TestUnmarshal_terminalStatusNeverRegresses(t *testing.T) {
	ch := acme.NewGenericChallenge(nil)
	if err := ch.Unmarshal(challengeDoc("http-01", "valid", "", "tok-1")); err != nil {
		t.Fatal(err)
	}
	// A later document claiming pending must not roll the status back, but
	// the rest of the document still applies.
	if err := ch.Unmarshal(challengeDoc("http-01", "pending", "", "tok-2")); err != nil {
		t.Fatal(err)
	}
	if ch.Status() != acme.StatusValid {
		t.Errorf("Status regressed to %q", ch.Status())
	}
	if ch.WireStatus() != "valid" {
		t.Errorf("WireStatus regressed to %q", ch.WireStatus())
	}
}

func TestUnmarshal_idempotent(t *testing.T) {
	doc := challengeDoc("http-01", "pending", "https://ca.example.com/acme/challenge/1", "tok")
	ch := acme.NewGenericChallenge(nil)
	for i := 0; i < 3; i++ {
		if err := ch.Unmarshal(doc); err != nil {
			t.Fatalf("Unmarshal() #%d error: %v", i+1, err)
		}
	}
	if ch.Type() != "http-01" || ch.Status() != acme.StatusPending {
		t.Errorf("state after repeated unmarshal: %q/%q", ch.Type(), ch.Status())
	}
}

func TestUnmarshal_validatedTimestamp(t *testing.T) {
	doc := challengeDoc("http-01", "valid", "", "tok")
	doc["validated"] = "2026-08-27T10:15:30.5Z"

	ch := acme.NewGenericChallenge(nil)
	if err := ch.Unmarshal(doc); err != nil {
		t.Fatal(err)
	}
	ts, ok := ch.Validated()
	if !ok {
		t.Fatal("Validated: not present")
	}
	want := time.Date(2026, 8, 27, 10, 15, 30, 500000000, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("Validated: got %s", ts)
	}

	doc["validated"] = "not-a-timestamp"
	err := acme.NewGenericChallenge(nil).Unmarshal(doc)
	var pe *acme.ProtocolError
	if !errors.As(err, &pe) {
		t.Errorf("expected *ProtocolError for bad timestamp, got %v", err)
	}
}

// ── Respond ───────────────────────────────────────────────────────────────────

func TestGenericRespond_typeOnly(t *testing.T) {
	ch := acme.NewGenericChallenge(nil)
	if err := ch.Unmarshal(challengeDoc("generic-01", "pending", "", "tok")); err != nil {
		t.Fatal(err)
	}

	cb := acme.NewClaimBuilder()
	if err := ch.Respond(cb); err != nil {
		t.Fatalf("Respond() error: %v", err)
	}
	if got := cb.String(); got != `{"type":"generic-01"}` {
		t.Errorf("claim: got %s", got)
	}
}

func TestGenericRespond_withoutType(t *testing.T) {
	ch := acme.NewGenericChallenge(nil)
	if err := ch.Respond(acme.NewClaimBuilder()); err == nil {
		t.Error("expected error for challenge without a type")
	}
}

// ── Trigger ───────────────────────────────────────────────────────────────────

func TestTrigger(t *testing.T) {
	key := newECKey(t)
	challengeURI := "https://ca.example.com/acme/challenge/7"

	conn := newStubConn(t,
		directoryResponse("nonce-1"),
		stubResponse{
			status:   202,
			nonce:    "nonce-2",
			location: challengeURI,
			body:     challengeDoc("http-01", "pending", challengeURI, "tok-7"),
		},
	)
	s := newTestSession(t, key, conn)

	// Restore a challenge that knows its resource URI but was never bound,
	// so the trigger response's Location header supplies the poll target.
	ch, err := acme.RestoreChallenge(s, &acme.ChallengeSnapshot{
		Version: acme.SnapshotVersion,
		Type:    "http-01",
		URI:     challengeURI,
		Token:   "tok-7",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := ch.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger() error: %v", err)
	}

	if len(conn.posts) != 1 || conn.posts[0].uri != challengeURI {
		t.Fatalf("posts: %+v", conn.posts)
	}
	_, payload, _ := decodeEnvelope(t, conn.posts[0].body)
	want := `{"resource":"challenge","type":"http-01","keyAuthorization":"tok-7.` + thumbprintB64(t, key.Public()) + `"}`
	if string(payload) != want {
		t.Errorf("trigger claim:\ngot  %s\nwant %s", payload, want)
	}

	if ch.Location() != challengeURI {
		t.Errorf("Location after trigger: got %q", ch.Location())
	}
	if ch.Status() != acme.StatusPending {
		t.Errorf("Status after trigger: got %q", ch.Status())
	}
}

func TestTrigger_non202(t *testing.T) {
	challengeURI := "https://ca.example.com/acme/challenge/7"
	conn := newStubConn(t,
		directoryResponse("nonce-1"),
		stubResponse{
			status: 400,
			nonce:  "nonce-2",
			body:   map[string]any{"type": "urn:acme:error:malformed", "detail": "challenge type mismatch"},
		},
	)
	s := newTestSession(t, newECKey(t), conn)

	ch, err := acme.RestoreChallenge(s, &acme.ChallengeSnapshot{
		Version: acme.SnapshotVersion,
		Type:    "http-01",
		URI:     challengeURI,
		Token:   "tok-7",
	})
	if err != nil {
		t.Fatal(err)
	}

	err = ch.Trigger(context.Background())
	var pe *acme.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if pe.StatusCode != 400 || pe.Detail != "challenge type mismatch" {
		t.Errorf("problem details: got %+v", pe)
	}
}

func TestTrigger_withoutTarget(t *testing.T) {
	conn := newStubConn(t)
	s := newTestSession(t, newECKey(t), conn)

	ch, err := acme.RestoreChallenge(s, &acme.ChallengeSnapshot{
		Version: acme.SnapshotVersion,
		Type:    "http-01",
		Token:   "tok",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := ch.Trigger(context.Background()); err == nil {
		t.Error("expected error for challenge without a resource URI")
	}
}

// ── Update ────────────────────────────────────────────────────────────────────

func bindTestChallenge(t *testing.T, conn *stubConn, s *acme.Session, location string) acme.Challenge {
	t.Helper()
	conn.queue = append([]stubResponse{{
		status: 200,
		body:   challengeDoc("http-01", "pending", location, "tok-1"),
	}}, conn.queue...)
	ch, err := acme.Bind(context.Background(), s, location)
	if err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	return ch
}

func TestUpdate_retryAfterIsNotAFailure(t *testing.T) {
	location := "https://ca.example.com/acme/challenge/1"
	resume := time.Now().Add(30 * time.Second).Truncate(time.Second)

	conn := newStubConn(t, stubResponse{
		status:   202,
		body:     challengeDoc("http-01", "pending", location, "tok-2"),
		retryAt:  resume,
		hasRetry: true,
	})
	s := newTestSession(t, newECKey(t), conn)
	ch := bindTestChallenge(t, conn, s, location)

	err := ch.Update(context.Background())
	ra, ok := acme.IsRetryAfter(err)
	if !ok {
		t.Fatalf("expected *RetryAfterError, got %v", err)
	}
	if !ra.RetryAfter.Equal(resume) {
		t.Errorf("RetryAfter: got %s, want %s", ra.RetryAfter, resume)
	}
	if ra.Status != acme.StatusPending {
		t.Errorf("carried status: got %q", ra.Status)
	}

	// The response body was applied before the error was raised.
	if ch.(*acme.HTTP01Challenge).Token() != "tok-2" {
		t.Errorf("token after partial update: got %q", ch.(*acme.HTTP01Challenge).Token())
	}
}

func TestUpdate_retryAfterWithTerminalStatus(t *testing.T) {
	location := "https://ca.example.com/acme/challenge/1"
	conn := newStubConn(t, stubResponse{
		status:   202,
		body:     challengeDoc("http-01", "valid", location, "tok-1"),
		retryAt:  time.Now().Add(5 * time.Second),
		hasRetry: true,
	})
	s := newTestSession(t, newECKey(t), conn)
	ch := bindTestChallenge(t, conn, s, location)

	err := ch.Update(context.Background())
	ra, ok := acme.IsRetryAfter(err)
	if !ok {
		t.Fatalf("expected *RetryAfterError, got %v", err)
	}
	if ra.Status != acme.StatusValid {
		t.Errorf("carried status: got %q, want valid", ra.Status)
	}
}

func TestUpdate_reachesValid(t *testing.T) {
	location := "https://ca.example.com/acme/challenge/1"
	doc := challengeDoc("http-01", "valid", location, "tok-1")
	doc["validated"] = "2026-08-27T10:00:00Z"

	conn := newStubConn(t, stubResponse{status: 200, body: doc})
	s := newTestSession(t, newECKey(t), conn)
	ch := bindTestChallenge(t, conn, s, location)

	if err := ch.Update(context.Background()); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if ch.Status() != acme.StatusValid {
		t.Errorf("Status: got %q", ch.Status())
	}
	if _, ok := ch.Validated(); !ok {
		t.Error("Validated: not present after valid update")
	}
}

func TestUpdate_problemResponse(t *testing.T) {
	location := "https://ca.example.com/acme/challenge/1"
	conn := newStubConn(t, stubResponse{
		status: 404,
		body:   map[string]any{"type": "urn:acme:error:unknown", "detail": "no such challenge"},
	})
	s := newTestSession(t, newECKey(t), conn)
	ch := bindTestChallenge(t, conn, s, location)

	err := ch.Update(context.Background())
	var pe *acme.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ProtocolError, got %v", err)
	}
	if pe.StatusCode != 404 {
		t.Errorf("StatusCode: got %d", pe.StatusCode)
	}
}

func TestUpdate_withoutLocation(t *testing.T) {
	conn := newStubConn(t)
	s := newTestSession(t, newECKey(t), conn)
	ch := acme.NewGenericChallenge(s)

	if err := ch.Update(context.Background()); err == nil {
		t.Error("expected error for unbound challenge")
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

type loopbackChallenge struct {
	*acme.GenericChallenge
}

func TestRegisterChallengeType_customVariant(t *testing.T) {
	acme.RegisterChallengeType("loopback-01", func(s *acme.Session) acme.Challenge {
		return &loopbackChallenge{acme.NewGenericChallenge(s)}
	})

	location := "https://ca.example.com/acme/challenge/9"
	conn := newStubConn(t, stubResponse{
		status: 200,
		body:   challengeDoc("loopback-01", "pending", location, "tok-9"),
	})
	s := newTestSession(t, newECKey(t), conn)

	ch, err := acme.Bind(context.Background(), s, location)
	if err != nil {
		t.Fatalf("Bind() error: %v", err)
	}
	if _, ok := ch.(*loopbackChallenge); !ok {
		t.Errorf("got %T, want *loopbackChallenge", ch)
	}
}
