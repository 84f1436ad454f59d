// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// LedgerRequest caps the time allowed for a single ledger RPC request.
const LedgerRequest = 10 * time.Second

// MailRequest caps the time allowed for a single mail API request.
const MailRequest = 10 * time.Second
