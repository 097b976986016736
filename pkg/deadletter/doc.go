/*
Package deadletter persists wide time-series rows the sampler could not
deliver after its retry budget.

The queue is a local bbolt database keyed by tick timestamp. Replay pushes
queued rows back through the wide-row insert; the readings table's
ON CONFLICT (timestamp) rule makes replay idempotent, so crashing mid-replay
is safe.
*/
package deadletter
