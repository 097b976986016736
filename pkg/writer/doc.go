/*
Package writer implements terminal T3, the parameter control writer.

Commands arrive on three overlapping paths. The push path consumes the
database change feed for sub-second latency. The poll path sweeps for
unexecuted commands, once a second while the feed is degraded and every
ten seconds while it is healthy. A hard safety sweep runs once a minute
regardless. Every path funnels through the same atomic claim, and a
bounded in-process dedupe set (last 100 ids, aged to 50 on overflow)
keeps the overlap from double-processing.

The write path is resolved in order: a direct Modbus address carried on
the command itself (including the legacy column names), the parameter
catalog by component parameter id, then by display name. When a
catalog-resolved write fails on transport, the writer falls back to the
parameter's raw write address. Data types map binary to coil writes
(value != 0), integer shapes to the 32-bit integer pair, and everything
else to a 32-bit float; an undeclared type with a whole value also takes
the integer path.

Failed writes retry on the configured backoff schedule, three attempts
by default, with each attempt preceded by a connectivity check that
waits up to thirty seconds for the transport to come back. Optional
verification reads the setpoint back after a successful write; a
mismatch beyond 0.01 is logged and counted but never fails the command.
*/
package writer
