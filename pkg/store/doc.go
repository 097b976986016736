/*
Package store is the Postgres data access layer shared by the three
terminals.

Client implements the Store interface with sqlx over lib/pq. The command
queues use atomic conditional claims (UPDATE ... WHERE executed_at IS NULL)
so that exactly one terminal wins a pending command regardless of how many
poll concurrently. The wide time-series insert goes through the
insert_parameter_reading_wide server-side function, which performs a
dynamic INSERT with ON CONFLICT (timestamp) DO UPDATE.

Listener wraps Postgres LISTEN/NOTIFY as the realtime change-feed for
parameter control commands, with a confirmation watchdog that degrades the
push path onto polling when the subscription cannot be confirmed.

Process completion prefers the complete_process_atomic stored procedure
and falls back to sequential updates with a single compensation retry when
the procedure is not installed.
*/
package store
