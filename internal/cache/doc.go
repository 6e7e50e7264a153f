// Package cache defines the key/value store behind the proxy's cache-aside
// path. A Store keeps opaque entry bytes under a cache key with a TTL that the
// backend itself enforces; callers never sweep expired entries. The default
// backend speaks the Redis protocol through valkey-go, with SQLite and an
// in-process map available for single-node deployments and tests. Handlers
// treat every error other than ErrNotFound as "store unavailable" and fall
// through to the upstream, so implementations should fail fast rather than
// retry internally.
package cache
