// Package server hosts the Fiber HTTP service and its request middleware
// chain. NewApp attaches panic recovery and request IDs, lets callers mount
// admin routes ahead of the catch-all, and hands every remaining request to
// the injected proxy handler. Only paths registered through AppOptions.Routes
// are served locally.
package server
