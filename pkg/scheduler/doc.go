/*
Package scheduler drives collection execution.

A fixed worker pool consumes triggered jobs under a global in-flight
cap, with at most one run per source at a time. Periodic per-source
loops fire scheduled runs; failures pull the next attempt onto an
exponential backoff curve instead of waiting the full interval.
Cancellation is cooperative: the run context is cancelled and a
watchdog force-finishes the run row if the collector overstays the
grace period. The hourly expiry sweep lives here as well.
*/
package scheduler
