// Package client is the Go SDK for the rentledger HTTP API.
//
// # Recording a payment
//
//	c, err := client.New("http://localhost:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.AppendEvent(ctx, client.AppendRequest{
//	    EventType: "PaymentRecorded",
//	    SubjectID: "tenant-42",
//	    Data:      json.RawMessage(`{"payment_id":"p-1","amount_cents":120000,...}`),
//	})
//
// # Retrying safely
//
// Errors for which IsRetryable returns true mean the ledger store was
// unavailable. Resend the same request with EventID set to the id of the
// first attempt; the server treats an identical resend as a replay and
// answers with Replayed set instead of writing a second event.
//
// # Verifying a tenant's history
//
//	vr, err := c.Verify(ctx, "tenant-42")
//	if err == nil && !vr.OK {
//	    log.Printf("history altered at block %d", *vr.BrokenAtIndex)
//	}
package client
