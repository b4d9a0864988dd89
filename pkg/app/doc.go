// Package app wires the store, vault, cache, collectors, scheduler and
// HTTP server into one runnable service.
package app
