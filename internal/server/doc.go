// Package server hosts the gallery API behind a single chi router.
//
// Every request passes the same chain: request id, request logging, metrics,
// panic recovery, security headers and CORS. Auth and upload routes add a
// per-IP rate limit, and state-creating POST routes honour Idempotency-Key.
package server
