/*
Package collector implements the source adapters that pull blacklist
data from the upstream feeds.

Every adapter satisfies the same contract: authenticate, fetch the
window, parse, and return raw records plus run statistics. Transient
upstream failures are retried with exponential backoff inside the
adapter; credential problems and parse failures surface as typed
errors so the scheduler can classify the run. Adapters never touch
the store; the ingestion pipeline owns validation and persistence.
*/
package collector
