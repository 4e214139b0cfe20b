// ABOUTME: Package documentation for the auth package
// ABOUTME: Describes JWT verification for the operator API

// Package auth provides JWT verification for the operator HTTP API.
//
// Agents never use JWTs; their handshake presents an opaque credential
// token resolved by the store. This package only guards the HTTP surface
// operators and dashboards call.
package auth
