// Package store provides SQLite-backed durable storage for the metadata
// store and the visitations that run over it.
//
// The store holds:
//   - Objects: per-replica, per-bucket keyed bodies with content addresses
//   - Listing epochs: the generation stamped into every listing token
//   - Index documents: the search documents derived from bundle manifests
//   - Notifications: an outbox of index changes for subscribers
//   - Executions and checkpoints: the local workflow engine's state
//
// # Critical Patterns
//
// Idempotent writes:
//   - Object and index writes are upserts; writing the same content twice
//     changes nothing and emits no notification
//   - Re-processing a listing page is always safe
//
// Deterministic listings:
//   - Keys are returned ORDER BY key COLLATE BINARY, which matches Go
//     string ordering
//   - Tokens carry the bucket's listing epoch; InvalidateListings bumps it
//     and outstanding tokens fail with blobstore.ErrListingInvalidated
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
