/*
Package store persists canonical blacklist state in BoltDB.

# Buckets

	ip_records        canonical IPRecord rows, keyed by canonical IP text
	collection_runs   CollectionRun rows, keyed started_at-first for scans
	auth_attempts     authentication audit rows behind the lockout policy
	system_metadata   the active-set version counter

Values are JSON, matching how the rest of the service moves records
around. The canonical IP string is the unique key, which makes the
single-row upsert an O(log n) B-tree put.

# Transactions

UpsertBatch runs inside one bolt Update transaction: the merge policy is
applied row by row, the active-set version is bumped in the same
transaction, and any error (including a duplicate key within the batch)
rolls the whole thing back. Readers run on bolt's immutable snapshots,
so a query observes either none or all of a batch.

# Concurrency

bbolt allows many concurrent readers and serializes writers internally.
The scheduler additionally serializes collection commits, so writer
contention is not a concern at this workload.
*/
package store
