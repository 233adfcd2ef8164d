// Package exparo is the Go client SDK for the Exparo experimentation
// platform.
//
// The client is built from five cooperating pieces:
//  1. Durable Store - caches the user identity, device identifier, and
//     variant assignments across restarts (memory, file, or SQLite)
//  2. Transport - HTTP with per-endpoint de-duplication, supersession,
//     and bounded exponential retry
//  3. Backend Gateway - typed calls for identify, single-variant, and
//     bulk assignment resolution
//  4. Realtime Channel - websocket push updates with capped 1.5x
//     reconnect backoff and server-directed shutdown codes
//  5. Binding Layer - per-call-site snapshots reconciling cache, async
//     fetches, and pushes (last write by arrival time wins)
//
// Construct a Client with New, establish an identity with
// InitializeUser, then resolve assignments with FetchVariant or Bind.
package exparo
