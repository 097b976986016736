package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/types"
)

// Client implements Store against Postgres via sqlx over lib/pq
type Client struct {
	db *sqlx.DB
}

// Open connects to the database and verifies the connection
func Open(databaseURL string) (*Client, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Client{db: db}, nil
}

// NewClient wraps an existing sqlx handle; used by tests with sqlmock
func NewClient(db *sqlx.DB) *Client {
	return &Client{db: db}
}

// Close closes the underlying pool
func (c *Client) Close() error {
	return c.db.Close()
}

// ListParameters loads the parameter catalog for a machine, joining the
// definition table for display names and stable column names
func (c *Client) ListParameters(ctx context.Context, machineID string) ([]*types.Parameter, error) {
	const q = `
		SELECT cp.id,
		       COALESCE(def.name, cp.name)        AS name,
		       cp.component_id,
		       COALESCE(co.name, '')              AS component_name,
		       COALESCE(def.column_name, cp.name) AS column_name,
		       cp.data_type,
		       cp.read_address,
		       COALESCE(cp.read_type, 'holding')  AS read_type,
		       cp.write_address,
		       COALESCE(cp.write_type, 'holding') AS write_type,
		       cp.is_writable,
		       cp.min_value,
		       cp.max_value,
		       cp.set_value
		  FROM component_parameters cp
		  LEFT JOIN components co ON co.id = cp.component_id
		  LEFT JOIN component_parameter_definitions def ON def.id = cp.definition_id
		 WHERE co.machine_id = $1 OR co.machine_id IS NULL
		 ORDER BY cp.id`

	var parameters []*types.Parameter
	if err := c.db.SelectContext(ctx, &parameters, q, machineID); err != nil {
		return nil, fmt.Errorf("failed to list parameters: %w", err)
	}
	return parameters, nil
}

// GetSetValues returns the database's commanded-target view for every
// writable parameter of the machine
func (c *Client) GetSetValues(ctx context.Context, machineID string) (map[string]float64, error) {
	const q = `
		SELECT cp.id, cp.set_value
		  FROM component_parameters cp
		  LEFT JOIN components co ON co.id = cp.component_id
		 WHERE (co.machine_id = $1 OR co.machine_id IS NULL)
		   AND cp.is_writable
		   AND cp.set_value IS NOT NULL`

	rows, err := c.db.QueryContext(ctx, q, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to load set values: %w", err)
	}
	defer rows.Close()

	values := make(map[string]float64)
	for rows.Next() {
		var id string
		var v float64
		if err := rows.Scan(&id, &v); err != nil {
			return nil, err
		}
		values[id] = v
	}
	return values, rows.Err()
}

// UpdateSetValue overwrites the database's commanded target for a
// parameter. The PLC always wins reconciliation; this is the write side.
func (c *Client) UpdateSetValue(ctx context.Context, parameterID string, value float64) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE component_parameters SET set_value = $2, updated_at = now() WHERE id = $1`,
		parameterID, value)
	if err != nil {
		return fmt.Errorf("failed to update set_value for %s: %w", parameterID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: parameter %s", ErrNotFound, parameterID)
	}
	return nil
}

// InsertReadingWide calls the server-side RPC that performs a dynamic
// INSERT on parameter_readings with ON CONFLICT (timestamp) DO UPDATE.
// Returns the number of parameter columns written.
func (c *Client) InsertReadingWide(ctx context.Context, ts time.Time, payload map[string]float64) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("failed to encode wide-row payload: %w", err)
	}

	var columns int
	err = c.db.GetContext(ctx, &columns,
		`SELECT insert_parameter_reading_wide($1, $2)`, ts, body)
	if err != nil {
		return 0, fmt.Errorf("wide-row insert failed: %w", err)
	}
	return columns, nil
}

// NextPendingRecipeCommand returns the oldest unclaimed recipe command for
// the machine (or a global command), or ErrNotFound
func (c *Client) NextPendingRecipeCommand(ctx context.Context, machineID string) (*types.RecipeCommand, error) {
	const q = `
		SELECT id, type, machine_id, parameters_json, status,
		       executed_at, completed_at, error_message, created_at
		  FROM recipe_commands
		 WHERE executed_at IS NULL
		   AND (machine_id = $1 OR machine_id IS NULL)
		 ORDER BY created_at
		 LIMIT 1`

	var cmd types.RecipeCommand
	if err := c.db.GetContext(ctx, &cmd, q, machineID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to poll recipe commands: %w", err)
	}
	return &cmd, nil
}

// ClaimRecipeCommand atomically claims a command. Exactly one terminal
// observes a non-zero row count for a given command.
func (c *Client) ClaimRecipeCommand(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE recipe_commands SET executed_at = now(), status = 'executing'
		  WHERE id = $1 AND executed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to claim recipe command %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// FinalizeRecipeCommand marks a claimed command terminal
func (c *Client) FinalizeRecipeCommand(ctx context.Context, id, status string, errMsg *string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE recipe_commands SET status = $2, completed_at = now(), error_message = $3
		  WHERE id = $1`, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finalize recipe command %s: %w", id, err)
	}
	return nil
}

// GetRecipe loads a recipe with its steps (sequence order) and normalized
// per-kind step config. Steps missing normalized config keep RawParams for
// the executor's backwards-compatible fallback.
func (c *Client) GetRecipe(ctx context.Context, id string) (*types.Recipe, error) {
	var recipe types.Recipe
	err := c.db.GetContext(ctx, &recipe,
		`SELECT id, name, version FROM recipes WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: recipe %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load recipe %s: %w", id, err)
	}

	err = c.db.SelectContext(ctx, &recipe.Steps, `
		SELECT id, recipe_id, sequence_number, type, name, parent_step_id, parameters_json
		  FROM recipe_steps
		 WHERE recipe_id = $1
		 ORDER BY sequence_number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for recipe %s: %w", id, err)
	}

	byID := make(map[string]*types.Step, len(recipe.Steps))
	for _, s := range recipe.Steps {
		byID[s.ID] = s
	}

	if err := c.attachValveConfig(ctx, id, byID); err != nil {
		return nil, err
	}
	if err := c.attachPurgeConfig(ctx, id, byID); err != nil {
		return nil, err
	}
	if err := c.attachLoopConfig(ctx, id, byID); err != nil {
		return nil, err
	}
	if err := c.attachParameterConfig(ctx, id, byID); err != nil {
		return nil, err
	}
	return &recipe, nil
}

func (c *Client) attachValveConfig(ctx context.Context, recipeID string, steps map[string]*types.Step) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT v.step_id, v.valve_number, v.duration_ms
		  FROM valve_step_config v
		  JOIN recipe_steps s ON s.id = v.step_id
		 WHERE s.recipe_id = $1`, recipeID)
	if err != nil {
		return fmt.Errorf("failed to load valve config: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stepID string
		var cfg types.ValveConfig
		if err := rows.Scan(&stepID, &cfg.ValveNumber, &cfg.DurationMS); err != nil {
			return err
		}
		if s, ok := steps[stepID]; ok {
			s.Valve = &cfg
		}
	}
	return rows.Err()
}

func (c *Client) attachPurgeConfig(ctx context.Context, recipeID string, steps map[string]*types.Step) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT p.step_id, p.duration_ms, p.gas_type, p.flow_rate
		  FROM purge_step_config p
		  JOIN recipe_steps s ON s.id = p.step_id
		 WHERE s.recipe_id = $1`, recipeID)
	if err != nil {
		return fmt.Errorf("failed to load purge config: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stepID string
		var cfg types.PurgeConfig
		if err := rows.Scan(&stepID, &cfg.DurationMS, &cfg.GasType, &cfg.FlowRate); err != nil {
			return err
		}
		if s, ok := steps[stepID]; ok {
			s.Purge = &cfg
		}
	}
	return rows.Err()
}

func (c *Client) attachLoopConfig(ctx context.Context, recipeID string, steps map[string]*types.Step) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT l.step_id, l.iteration_count
		  FROM loop_step_config l
		  JOIN recipe_steps s ON s.id = l.step_id
		 WHERE s.recipe_id = $1`, recipeID)
	if err != nil {
		return fmt.Errorf("failed to load loop config: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stepID string
		var cfg types.LoopConfig
		if err := rows.Scan(&stepID, &cfg.IterationCount); err != nil {
			return err
		}
		if s, ok := steps[stepID]; ok {
			s.Loop = &cfg
		}
	}
	return rows.Err()
}

func (c *Client) attachParameterConfig(ctx context.Context, recipeID string, steps map[string]*types.Step) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT p.step_id, p.parameter_id, p.target_value
		  FROM parameter_step_config p
		  JOIN recipe_steps s ON s.id = p.step_id
		 WHERE s.recipe_id = $1`, recipeID)
	if err != nil {
		return fmt.Errorf("failed to load parameter config: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var stepID string
		var cfg types.ParameterStepConfig
		if err := rows.Scan(&stepID, &cfg.ParameterID, &cfg.TargetValue); err != nil {
			return err
		}
		if s, ok := steps[stepID]; ok {
			s.Parameter = &cfg
		}
	}
	return rows.Err()
}

// StartProcess creates the process execution, initializes its state row
// and flips the machine to running, all in one transaction
func (c *Client) StartProcess(ctx context.Context, exec *types.ProcessExecution, state *types.ExecutionState) error {
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO process_executions
		       (id, machine_id, recipe_id, recipe_version_json, status, start_time)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.MachineID, exec.RecipeID, exec.RecipeVersion, exec.Status, exec.StartTime)
	if err != nil {
		return fmt.Errorf("failed to create process execution: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO process_execution_state
		       (execution_id, current_overall_step, total_overall_steps, progress_json, last_updated)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (execution_id) DO UPDATE
		   SET current_overall_step = EXCLUDED.current_overall_step,
		       total_overall_steps  = EXCLUDED.total_overall_steps,
		       progress_json        = EXCLUDED.progress_json,
		       last_updated         = now()`,
		state.ExecutionID, state.CurrentOverallStep, state.TotalOverallSteps, state.Progress)
	if err != nil {
		return fmt.Errorf("failed to initialize execution state: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE machines SET current_process_id = $2, status = 'running' WHERE id = $1`,
		exec.MachineID, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update machine: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO machine_state (machine_id, current_state, process_id, state_since, is_failure_mode)
		VALUES ($1, 'running', $2, now(), false)
		ON CONFLICT (machine_id) DO UPDATE
		   SET current_state = 'running', process_id = $2, state_since = now(), is_failure_mode = false`,
		exec.MachineID, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update machine state: %w", err)
	}

	return tx.Commit()
}

// ListRunningExecutions returns executions in status running for a machine
func (c *Client) ListRunningExecutions(ctx context.Context, machineID string) ([]*types.ProcessExecution, error) {
	var execs []*types.ProcessExecution
	err := c.db.SelectContext(ctx, &execs, `
		SELECT id, machine_id, recipe_id, recipe_version_json, status,
		       start_time, end_time, error_message
		  FROM process_executions
		 WHERE machine_id = $1 AND status = 'running'`, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list running executions: %w", err)
	}
	return execs, nil
}

// UpdateExecutionState overwrites the progress row for a running execution
func (c *Client) UpdateExecutionState(ctx context.Context, state *types.ExecutionState) error {
	_, err := c.db.NamedExecContext(ctx, `
		UPDATE process_execution_state
		   SET current_overall_step      = :current_overall_step,
		       total_overall_steps       = :total_overall_steps,
		       current_step_id           = :current_step_id,
		       current_step_name         = :current_step_name,
		       current_step_type         = :current_step_type,
		       current_loop_iteration    = :current_loop_iteration,
		       current_loop_count        = :current_loop_count,
		       current_valve_number      = :current_valve_number,
		       current_valve_duration_ms = :current_valve_duration_ms,
		       current_purge_duration_ms = :current_purge_duration_ms,
		       current_parameter_id      = :current_parameter_id,
		       current_parameter_value   = :current_parameter_value,
		       last_updated              = now()
		 WHERE execution_id = :execution_id`, state)
	if err != nil {
		return fmt.Errorf("failed to update execution state: %w", err)
	}
	return nil
}

// UpdateProgress replaces only the progress snapshot of an execution
func (c *Client) UpdateProgress(ctx context.Context, executionID string, progress json.RawMessage) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE process_execution_state
		   SET progress_json = $2, last_updated = now()
		 WHERE execution_id = $1`, executionID, progress)
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// CompleteProcess finishes an execution and returns the machine to idle.
// It prefers the complete_process_atomic stored procedure; when the
// procedure is absent it falls back to sequential updates and compensates
// a half-applied transition by re-issuing the machine-state flip once.
func (c *Client) CompleteProcess(ctx context.Context, processID, machineID string, status types.ProcessStatus, errMsg *string) error {
	_, err := c.db.ExecContext(ctx,
		`SELECT complete_process_atomic($1, $2, $3, $4)`,
		processID, machineID, status, errMsg)
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "42883" { // undefined_function
		return fmt.Errorf("complete_process_atomic failed: %w", err)
	}

	// Sequential fallback with a narrow window of inconsistency.
	_, err = c.db.ExecContext(ctx, `
		UPDATE process_executions
		   SET status = $2, end_time = now(), error_message = $3
		 WHERE id = $1`, processID, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to finish process execution: %w", err)
	}

	if err := c.resetMachine(ctx, machineID, status); err != nil {
		// Compensate once before surfacing the inconsistency.
		if err2 := c.resetMachine(ctx, machineID, status); err2 != nil {
			logger := log.WithComponent("store")
			logger.Error().
				Err(err2).
				Str("process_id", processID).
				Str("machine_id", machineID).
				Msg("Machine state inconsistent after process completion")
			return fmt.Errorf("machine state update failed after compensation: %w", err2)
		}
	}
	return nil
}

func (c *Client) resetMachine(ctx context.Context, machineID string, status types.ProcessStatus) error {
	machineState := types.MachineIdle
	failure := false
	if status == types.ProcessFailed {
		machineState = types.MachineError
		failure = true
	}

	_, err := c.db.ExecContext(ctx,
		`UPDATE machines SET current_process_id = NULL, status = 'idle' WHERE id = $1`, machineID)
	if err != nil {
		return fmt.Errorf("failed to reset machine: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		UPDATE machine_state
		   SET current_state = $2, process_id = NULL, state_since = now(), is_failure_mode = $3
		 WHERE machine_id = $1`, machineID, machineState, failure)
	if err != nil {
		return fmt.Errorf("failed to reset machine state: %w", err)
	}
	return nil
}

// InsertAudit appends one recipe execution audit row
func (c *Client) InsertAudit(ctx context.Context, rec *types.AuditRecord) error {
	_, err := c.db.NamedExecContext(ctx, `
		INSERT INTO recipe_execution_audit
		       (id, process_id, recipe_id, step_id, machine_id, operation_type,
		        parameter_name, target_value, actual_value, duration_ms,
		        step_sequence, loop_iteration, initiated_at, plc_write_start_time,
		        plc_write_end_time, operation_completed_at, verification_attempted,
		        verification_success, error_message, retry_count, final_status,
		        modbus_address, modbus_type)
		VALUES (:id, :process_id, :recipe_id, :step_id, :machine_id, :operation_type,
		        :parameter_name, :target_value, :actual_value, :duration_ms,
		        :step_sequence, :loop_iteration, :initiated_at, :plc_write_start_time,
		        :plc_write_end_time, :operation_completed_at, :verification_attempted,
		        :verification_success, :error_message, :retry_count, :final_status,
		        :modbus_address, :modbus_type)`, rec)
	if err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}
	return nil
}

// ListPendingControlCommands returns unclaimed parameter control commands
// for the machine (or global), oldest first
func (c *Client) ListPendingControlCommands(ctx context.Context, machineID string) ([]*types.ControlCommand, error) {
	var cmds []*types.ControlCommand
	err := c.db.SelectContext(ctx, &cmds, `
		SELECT id, machine_id, component_parameter_id, parameter_name,
		       modbus_address, modbus_type, write_modbus_address, write_modbus_type,
		       data_type, target_value, timeout_ms, executed_at, completed_at,
		       error_message, created_at
		  FROM parameter_control_commands
		 WHERE executed_at IS NULL
		   AND (machine_id = $1 OR machine_id IS NULL)
		 ORDER BY created_at`, machineID)
	if err != nil {
		return nil, fmt.Errorf("failed to poll control commands: %w", err)
	}
	return cmds, nil
}

// GetControlCommand loads one control command by id
func (c *Client) GetControlCommand(ctx context.Context, id string) (*types.ControlCommand, error) {
	var cmd types.ControlCommand
	err := c.db.GetContext(ctx, &cmd, `
		SELECT id, machine_id, component_parameter_id, parameter_name,
		       modbus_address, modbus_type, write_modbus_address, write_modbus_type,
		       data_type, target_value, timeout_ms, executed_at, completed_at,
		       error_message, created_at
		  FROM parameter_control_commands
		 WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: control command %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load control command %s: %w", id, err)
	}
	return &cmd, nil
}

// ClaimControlCommand atomically claims a control command
func (c *Client) ClaimControlCommand(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE parameter_control_commands SET executed_at = now()
		  WHERE id = $1 AND executed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to claim control command %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// CompleteControlCommand marks a control command successful. Callers infer
// state from completed_at; there is no status column.
func (c *Client) CompleteControlCommand(ctx context.Context, id string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE parameter_control_commands SET completed_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to complete control command %s: %w", id, err)
	}
	return nil
}

// FailControlCommand marks a control command terminally failed
func (c *Client) FailControlCommand(ctx context.Context, id, errMsg string) error {
	_, err := c.db.ExecContext(ctx,
		`UPDATE parameter_control_commands SET completed_at = now(), error_message = $2 WHERE id = $1`,
		id, errMsg)
	if err != nil {
		return fmt.Errorf("failed to fail control command %s: %w", id, err)
	}
	return nil
}
