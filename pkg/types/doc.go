/*
Package types defines the core data structures shared by every component
of the blacklist service.

# Core Types

Domain model:
  - IPRecord: canonical deduplicated blacklist entry, keyed by IP
  - CollectionRun: one execution of one collector, immutable once finished
  - Credential: upstream account, ciphertext at rest in the vault
  - AuthAttempt: audit row behind the credential lockout policy
  - UpsertStats: per-batch ingestion counters

Enumerations use typed string constants:
  - Source: REGTECH, SECUDIUM, MANUAL
  - ThreatLevel: low, medium, high, critical, unknown
  - RunStatus: pending, running, success, partial, failed, cancelled, disabled
  - Kind: the error taxonomy carried across component boundaries

# Merge Policy Invariants

IPRecord is designed so that the ingestion merge is commutative and
monotone: LastSeen and ExpiresAt only move forward, the source set only
grows, and Stricter picks the higher of two threat levels. DetectionDate
and FirstSeen are never overwritten once set. Applying the same batches
in any order yields the same record.

# Thread Safety

Types here are plain data. Mutations must be synchronized by callers;
the store layer serializes all persisted writes.
*/
package types
