package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tdowling7/acmewire/internal/transport"
	"github.com/tdowling7/acmewire/pkg/acme"
)

func TestGet_readsBodyAndNonce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method: got %s", r.Method)
		}
		if got := r.Header.Get("Accept"); got != "application/json" {
			t.Errorf("Accept: got %q", got)
		}
		w.Header().Set("Replay-Nonce", "nonce-xyz")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"new-reg":"/acme/new-reg"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	conn := transport.New()
	status, err := conn.Get(context.Background(), srv.URL+"/directory")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status: got %d", status)
	}

	doc, err := conn.ReadJSON()
	if err != nil {
		t.Fatalf("ReadJSON() error: %v", err)
	}
	if doc["new-reg"] != "/acme/new-reg" {
		t.Errorf("body: got %v", doc)
	}
	if conn.Nonce() != "nonce-xyz" {
		t.Errorf("Nonce: got %q", conn.Nonce())
	}
}

func TestPostSigned_contentType(t *testing.T) {
	var gotCT, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	conn := transport.New(transport.WithUserAgent("acmewire-test/1"))
	status, err := conn.PostSigned(context.Background(), srv.URL, []byte(`{"protected":"x"}`))
	if err != nil {
		t.Fatalf("PostSigned() error: %v", err)
	}
	if status != http.StatusAccepted {
		t.Errorf("status: got %d", status)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type: got %q", gotCT)
	}
	if gotUA != "acmewire-test/1" {
		t.Errorf("User-Agent: got %q", gotUA)
	}
}

func TestLocation_resolvesRelative(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/acme/reg/7")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	conn := transport.New()
	if _, err := conn.Get(context.Background(), srv.URL+"/acme/new-reg"); err != nil {
		t.Fatal(err)
	}
	if got, want := conn.Location(), srv.URL+"/acme/reg/7"; got != want {
		t.Errorf("Location: got %q, want %q", got, want)
	}
}

func TestLink_parsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Two link-values in one header plus a second header line.
		w.Header().Add("Link", `</acme/new-authz>;rel="next", <https://ca.example.com/terms>;rel="terms-of-service"`)
		w.Header().Add("Link", `<https://ca.example.com/help>;rel=help`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := transport.New()
	if _, err := conn.Get(context.Background(), srv.URL+"/acme/reg/7"); err != nil {
		t.Fatal(err)
	}

	if got := conn.Link("terms-of-service"); got != "https://ca.example.com/terms" {
		t.Errorf(`Link("terms-of-service"): got %q`, got)
	}
	if got, want := conn.Link("next"), srv.URL+"/acme/new-authz"; got != want {
		t.Errorf(`Link("next"): got %q, want %q`, got, want)
	}
	// Unquoted rel parameters are accepted too.
	if got := conn.Link("help"); got != "https://ca.example.com/help" {
		t.Errorf(`Link("help"): got %q`, got)
	}
	if got := conn.Link("up"); got != "" {
		t.Errorf(`Link("up"): got %q, want ""`, got)
	}
}

func TestRetryAfter_deltaSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	conn := transport.New()
	before := time.Now()
	if _, err := conn.Get(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	after := time.Now()

	when, ok := conn.RetryAfter()
	if !ok {
		t.Fatal("RetryAfter: not present")
	}
	if when.Before(before.Add(59*time.Second)) || when.After(after.Add(61*time.Second)) {
		t.Errorf("RetryAfter: got %s, want ~60s from now", when)
	}
}

func TestRetryAfter_httpDate(t *testing.T) {
	when := time.Now().Add(2 * time.Minute).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", when.Format(http.TimeFormat))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	conn := transport.New()
	if _, err := conn.Get(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}

	got, ok := conn.RetryAfter()
	if !ok {
		t.Fatal("RetryAfter: not present")
	}
	if !got.Equal(when) {
		t.Errorf("RetryAfter: got %s, want %s", got, when)
	}
}

func TestRetryAfter_absent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	conn := transport.New()
	if _, err := conn.Get(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	if _, ok := conn.RetryAfter(); ok {
		t.Error("RetryAfter present without header")
	}
}

func TestGet_transportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	conn := transport.New()
	_, err := conn.Get(context.Background(), srv.URL)

	var te *acme.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if te.URL != srv.URL {
		t.Errorf("URL: got %q", te.URL)
	}
	if te.Unwrap() == nil {
		t.Error("TransportError does not carry the cause")
	}
}

func TestReadJSON_emptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	conn := transport.New()
	if _, err := conn.Get(context.Background(), srv.URL); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.ReadJSON(); err == nil {
		t.Error("expected error for empty body")
	}
}
