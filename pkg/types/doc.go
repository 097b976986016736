/*
Package types defines the shared domain types for the Stratum control plane.

Types mirror the database rows the three terminals coordinate through:
parameter metadata, wide-row readings, recipes and steps, the two command
queues, process executions with their progress state, per-machine state,
and the recipe execution audit trail.

The package has no behavior beyond small accessors; all logic lives in the
terminal packages so that types can be shared without import cycles.
*/
package types
