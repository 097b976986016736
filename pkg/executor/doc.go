/*
Package executor implements terminal T2, the recipe executor.

The executor polls the recipe command queue every five seconds and claims
the oldest pending command for its machine with an atomic conditional
update, so exactly one executor wins a command regardless of how many
compete. A claimed start_recipe loads the recipe tree, expands loops to
compute the total overall step count (nested loops multiply), creates the
process execution and flips the machine to running in one transaction,
then walks the tree:

  - valve: coil open, monotonic hold, coil close
  - purge: timed wait (gas type and flow rate are logged only)
  - parameter: typed PLC write through the adapter
  - loop: structural, no PLC operation

Step configuration is resolved defensively: normalized config tables win,
parameters_json is the backwards-compatible fallback, and malformed config
falls back to defaults (loop count 1, duration 1000 ms, valve 1) rather
than crashing. A parameter step missing its id or value is skipped with an
error log.

Every PLC-affecting operation appends a recipe_execution_audit row with
timing splits and optional verification readback. Progress state is
updated after each step; update failures never fail the step. A continuous
data recorder snapshots progress once a second for the run's duration.

Cancellation is cooperative: a stop_recipe command sets a flag checked
between steps, and holds wake immediately, but an issued PLC write always
completes first (a cancelled valve hold still closes the valve). On
startup, executions left running by a crashed predecessor are marked
failed; resume is not attempted.
*/
package executor
