/*
Package sampler implements terminal T1, the parameter sampler.

The sampler runs a 1 Hz monotonic tick: it reads every readable parameter
from the PLC, builds a single wide record (one column per parameter), and
hands it to a dedicated writer goroutine over a bounded channel so the tick
never waits on database latency. The writer retries failed inserts with
exponential backoff and dead-letters rows after the budget; the readings
table's ON CONFLICT rule makes the write path idempotent.

Each tick also reads back the setpoints of writable parameters from their
write addresses and reconciles them against the database's commanded
targets. The PLC always wins: any difference above 0.01 overwrites the
database value and is logged with its delta.

Ticks exceeding the timing-violation threshold (default 1.1 s) are counted
but not throttled. A PLC disconnect skips the tick; invalid numerics are
dropped per column with a warning; empty metadata produces no row.
*/
package sampler
