// Package client is the Go SDK for a ledgerd audit ledger.
//
// It covers the HTTP API (appending events, reading and verifying receipts,
// chain audits, exports) and offline receipt verification against the
// ledger's published JWK set.
//
// # Recording an event
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	rcpt, err := c.Append(ctx, ledger.Event{
//	    EventID:   uuid.NewString(),
//	    EventType: "consent",
//	    Operation: "grant",
//	})
//
// # Verifying a receipt without trusting the server
//
// VerifySignature checks a receipt's Ed25519 signature against a key set.
// Fetch the set once from /.well-known/jwks.json and pin it:
//
//	set, err := c.KeySet(ctx)
//	res := client.VerifySignature(*rcpt, set)
//	if !res.Valid {
//	    log.Printf("receipt rejected: %s", res.Message)
//	}
//
// Inclusion proofs are checked by the ledger itself with VerifyReceipt.
//
// # Busy ledgers
//
// Appends that cannot take the ledger lock in time fail with a 503 and a
// Retry-After header. IsBusy reports that case so callers can retry.
package client
