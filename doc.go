// Package driftline is a client-side analytics SDK: consent-gated event
// tracking with durable identity and session management and a resilient
// delivery pipeline.
//
// The client stamps every event with identity, session and page context at
// call time, gates collection on a consent state machine
// (pending/granted/denied/dismissed), and drains queued events to the
// ingestion API in batches with exponential-backoff retry. Delivery prefers
// a fire-and-forget beacon leg and falls back to an abortable HTTP request;
// tracking calls never fail due to network conditions. The identity record
// persists across runs through a pluggable storage backend
// (file, memory, redis, or a file+memory composite) with capability probing
// and graceful degradation.
//
// Basic usage:
//
//	cfg := driftline.DefaultConfig().WithAPIKey("dl_live_123")
//	client, err := driftline.NewClient(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := client.Init(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.Track(ctx, "signup_completed", map[string]any{"plan": "pro"})
//	client.Identify(ctx, "user-42", map[string]any{"email": "u@example.com"})
//
// Delivery is at-least-once best-effort: after bounded retries an event is
// dropped and the drop reported through the logger and the configured
// Observer, never silently.
package driftline

// Version is the SDK version reported in the User-Agent header.
const Version = "1.0.0"
