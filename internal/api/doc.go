// Package api hosts the HTTP handlers behind the gallery storefront and its
// admin panel.
//
// Handler coordinates request decoding, session resolution and response
// shaping while delegating persistence to a storage.Repository, uploads to
// a blob.Service and token lifecycle to an auth.SessionManager, all injected
// at construction time. The package keeps no globals.
//
// Every JSON response uses one envelope: {"success":true,...} on success and
// {"success":false,"error":"..."} on failure, optionally flagged with
// requiresAuth or requiresPremium. Service errors are mapped to statuses in
// writeServiceError; anything unexpected is logged with the request id and
// answered with a generic message.
//
// Routing, rate limiting, idempotency replay and request logging live in
// internal/server. Handlers assume that middleware already ran.
package api
