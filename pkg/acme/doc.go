// Package acme implements the client side of an automated
// certificate-issuance protocol: account registration, domain-validation
// challenges and the signed-request envelope that authenticates every
// mutation with the account key.
//
// The package talks to the server exclusively through the Connection
// interface, so the HTTP/TLS transport is injectable; internal/transport
// ships the default implementation. A typical flow:
//
//	conn := transport.New()
//	session, err := acme.NewSession(directoryURL, accountKey, conn)
//	reg, err := acme.NewRegistrationBuilder(session).
//	    AddContact("mailto:admin@example.com").
//	    Create(ctx)
//
//	ch, err := acme.Bind(ctx, session, challengeURL)
//	httpCh := ch.(*acme.HTTP01Challenge)
//	// ... publish httpCh.KeyAuthorization() at httpCh.WellKnownPath() ...
//	err = httpCh.Trigger(ctx)
//
//	for {
//	    err := httpCh.Update(ctx)
//	    if ra, ok := acme.IsRetryAfter(err); ok {
//	        // state is already updated; resume no earlier than ra.RetryAfter
//	    }
//	    ...
//	}
//
// No operation retries or sleeps internally. Update reports the server's
// Retry-After hint through *RetryAfterError after applying the partial
// update, leaving scheduling entirely to the caller (see internal/poller
// for a ready-made loop).
package acme
