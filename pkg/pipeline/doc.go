/*
Package pipeline is the ingestion path between collectors and the store.

One Ingest call handles one collector batch: IP validation and
canonicalisation, detection-date window filtering, in-batch
deduplication, a single transactional upsert, and the post-commit
cache invalidation event. The expiry sweep lives here too since it is
the other writer that changes the active set.
*/
package pipeline
