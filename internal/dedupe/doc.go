// ABOUTME: Package documentation for the dedupe package
// ABOUTME: Describes the TTL cache guarding against replayed trade events

// Package dedupe provides a TTL cache for suppressing duplicate events.
//
// Terminals resend closed-trade notifications when an agent reconnects
// mid-session. The gateway keys the cache by "<ticket>:closed" so a
// replayed close updates the trade row (idempotent) without incrementing
// the owning user's aggregate stats a second time.
package dedupe
