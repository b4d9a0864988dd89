/*
Package cache implements the two-tier read cache in front of the store.

The primary tier is redis; the fallback is a bounded in-process LRU.
Every value is stamped with the active-set version it was produced
under, and a read of a stale version is a miss, so invalidation is a
version bump rather than a key sweep. When the primary is unreachable
the layer serves from the fallback and logs one state-transition event
per outage; recovery is automatic.
*/
package cache
