// Package store provides persistence for agents, trades, and commands.
//
// # Overview
//
// The connection core touches persistence only through the Store
// interface: credential resolution, debounced liveness writes, trade
// upserts, user stat increments, and command outcome persistence. The
// SQLite implementation backs production; MockStore backs tests.
//
// # Schema
//
// SQLiteStore manages four tables:
//
//   - agents: one row per provisioned agent, including its credential
//     token, machine binding, and last reported liveness fields
//   - trades: one row per trade ticket; upserts refresh mutable fields
//     and never rewrite identity
//   - user_stats: aggregate win/loss counters and total profit per user
//   - command_queue: the polling-based command path; resolved websocket
//     command outcomes are written back here when the id matches
//
// # Write Semantics
//
// UpsertAgentLiveness treats empty string fields and nil pointer fields as
// "leave unchanged", so a bare heartbeat flush does not erase the EA status
// or host metrics a richer frame wrote earlier. UpsertTrade is idempotent
// per ticket and its closed state is monotonic: a stale opened replay never
// reopens a closed row. PersistCommandOutcome returns ErrNotFound when the
// command was never queued, which callers on the websocket path expect and
// swallow.
package store
