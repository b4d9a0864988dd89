/*
Package api is the HTTP surface of the blacklist service.

The read side serves the active set in three shapes (plain text for
generic consumers, the FortiGate external-connector JSON, and the full
enhanced records) plus analytics, all through the two-tier cache. The
control plane, gated by API key or bearer token, toggles collection,
triggers and cancels runs, and manages vault credentials. Errors use
one envelope everywhere: {"error":{"kind","message","field"}}.
*/
package api
