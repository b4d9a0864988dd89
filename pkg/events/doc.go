/*
Package events provides an in-memory event broker for the blacklist
service's pub/sub messaging.

The broker decouples the ingestion pipeline from the cache layer: after a
successful batch commit the pipeline publishes an activeset.invalidated
event carrying the new active-set version, and the cache treats every
cached value stamped with an older version as a miss. Run lifecycle and
credential events feed the control plane and metrics.

Publish is non-blocking; a subscriber whose buffer is full misses the
event rather than stalling the publisher. Consumers that need the exact
version (the cache) read it from the store on demand, so a dropped event
degrades freshness by one read, never correctness.
*/
package events
