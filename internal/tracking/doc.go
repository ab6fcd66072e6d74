// Package tracking implements the delivery-event ingestion pipeline.
//
// A provider event travels: signature check (Verifier) → tenant check →
// idempotency by provider event id → tracking record lookup → kind mapping
// (MapEvent) → metadata extraction (ExtractMetadata) → dedup window
// (DedupGuard) → state transition (Machine). Webhooks and manual polling
// share everything after the signature check.
//
// The package depends on the Store contract defined here. Implementations
// live in repository/postgres/ and repository/memory/.
package tracking
