/*
Package vault stores upstream feed credentials encrypted at rest.

# Design

Entries are serialized as JSON and sealed with AES-256-GCM under a
per-vault data key. The data key itself never touches disk in the clear:
it is wrapped by a key-encryption key derived (SHA-256) from a
machine-local random seed created at first start. The vault file layout
is a version byte, the key-id counter, the wrapped data key, and the
sealed entry set.

Writes are atomic: the new image goes to a tempfile in the same
directory, is fsynced, chmod'd owner-read/write, and renamed over the
previous file. A write failure leaves the old file intact.

Rotation (Rotate) generates a fresh data key, re-encrypts all entries and
bumps the key-id; the old key is discarded only after the rewritten file
is durable.

# Failure Semantics

A vault file that exists but cannot be read or decrypted is corrupt. Open
surfaces this as a vault_corrupt error and the process must refuse to
start rather than silently re-initialize; see the exit-code contract in
cmd/blacklistd.

# Lockout

Limiter enforces the credential lockout policy over AuthAttempt audit
rows persisted in the store: five consecutive failures (configurable)
lock the source out for the block duration. A success anywhere in the
window resets the run.
*/
package vault
