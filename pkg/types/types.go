package types

import (
	"encoding/json"
	"time"
)

// DataType is the value shape of a parameter on the wire
type DataType string

const (
	DataTypeFloat  DataType = "float"
	DataTypeInt32  DataType = "int32"
	DataTypeInt16  DataType = "int16"
	DataTypeBinary DataType = "binary"
)

// RegisterKind identifies the Modbus storage class an address refers to
type RegisterKind string

const (
	RegisterCoil    RegisterKind = "coil"
	RegisterHolding RegisterKind = "holding"
)

// Parameter is the identity of a controllable or observable quantity.
// A parameter with no read address is never sampled; a parameter with no
// write address is never a legitimate write target through lookup paths.
type Parameter struct {
	ID            string       `db:"id"`
	Name          string       `db:"name"`
	ComponentID   string       `db:"component_id"`
	ComponentName string       `db:"component_name"`
	ColumnName    string       `db:"column_name"`
	DataType      DataType     `db:"data_type"`
	ReadAddress   *uint16      `db:"read_address"`
	ReadKind      RegisterKind `db:"read_type"`
	WriteAddress  *uint16      `db:"write_address"`
	WriteKind     RegisterKind `db:"write_type"`
	IsWritable    bool         `db:"is_writable"`
	MinValue      *float64     `db:"min_value"`
	MaxValue      *float64     `db:"max_value"`
	SetValue      *float64     `db:"set_value"`
}

// Readable reports whether the parameter can be sampled
func (p *Parameter) Readable() bool {
	return p.ReadAddress != nil
}

// Writable reports whether the parameter is a legitimate write target
func (p *Parameter) Writable() bool {
	return p.IsWritable && p.WriteAddress != nil
}

// IsInteger reports whether the parameter carries whole values
func (p *Parameter) IsInteger() bool {
	return p.DataType == DataTypeInt32 || p.DataType == DataTypeInt16
}

// Reading is one wide-row sample: a tick timestamp plus a column→value map
// covering every parameter that produced a valid value this tick
type Reading struct {
	Timestamp time.Time
	Values    map[string]float64
}

// StepType is the kind of a recipe step
type StepType string

const (
	StepValve     StepType = "valve"
	StepPurge     StepType = "purge"
	StepParameter StepType = "parameter"
	StepLoop      StepType = "loop"
)

// ValveConfig configures a valve pulse step
type ValveConfig struct {
	ValveNumber int `db:"valve_number"`
	DurationMS  int `db:"duration_ms"`
}

// PurgeConfig configures a purge step. Gas type and flow rate have no PLC
// effect in the current scope; they are recorded for the audit trail.
type PurgeConfig struct {
	DurationMS int      `db:"duration_ms"`
	GasType    *string  `db:"gas_type"`
	FlowRate   *float64 `db:"flow_rate"`
}

// LoopConfig configures a loop container step
type LoopConfig struct {
	IterationCount int `db:"iteration_count"`
}

// ParameterStepConfig configures a parameter-set step
type ParameterStepConfig struct {
	ParameterID string  `db:"parameter_id"`
	TargetValue float64 `db:"target_value"`
}

// Step is one node of a recipe tree. Root steps execute in ascending
// sequence order; a step with children acts as a loop container.
type Step struct {
	ID           string          `db:"id"`
	RecipeID     string          `db:"recipe_id"`
	Sequence     int             `db:"sequence_number"`
	Type         StepType        `db:"type"`
	Name         string          `db:"name"`
	ParentStepID *string         `db:"parent_step_id"`
	RawParams    json.RawMessage `db:"parameters_json"`

	// Normalized config, exactly one of these is set for non-loop steps.
	// When all are nil the executor falls back to RawParams.
	Valve     *ValveConfig
	Purge     *PurgeConfig
	Loop      *LoopConfig
	Parameter *ParameterStepConfig
}

// Recipe is a named, versioned tree of steps
type Recipe struct {
	ID      string `db:"id"`
	Name    string `db:"name"`
	Version int    `db:"version"`
	Steps   []*Step
}

// RootSteps returns the recipe's root steps in sequence order.
// Steps slices are kept pre-sorted by the loader.
func (r *Recipe) RootSteps() []*Step {
	roots := make([]*Step, 0, len(r.Steps))
	for _, s := range r.Steps {
		if s.ParentStepID == nil {
			roots = append(roots, s)
		}
	}
	return roots
}

// ChildrenOf returns the child steps of a container step in sequence order
func (r *Recipe) ChildrenOf(stepID string) []*Step {
	var children []*Step
	for _, s := range r.Steps {
		if s.ParentStepID != nil && *s.ParentStepID == stepID {
			children = append(children, s)
		}
	}
	return children
}

// CommandType is the kind of a recipe command
type CommandType string

const (
	CommandStartRecipe CommandType = "start_recipe"
	CommandStopRecipe  CommandType = "stop_recipe"
)

// RecipeCommand is a queued request to start or stop a recipe. A command is
// claimed when ExecutedAt transitions from null to a value; the transition
// is atomic across competing executors.
type RecipeCommand struct {
	ID           string          `db:"id"`
	Type         CommandType     `db:"type"`
	MachineID    *string         `db:"machine_id"`
	Parameters   json.RawMessage `db:"parameters_json"`
	Status       string          `db:"status"`
	ExecutedAt   *time.Time      `db:"executed_at"`
	CompletedAt  *time.Time      `db:"completed_at"`
	ErrorMessage *string         `db:"error_message"`
	CreatedAt    time.Time       `db:"created_at"`
}

// ProcessStatus is the lifecycle state of a process execution
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessCancelled ProcessStatus = "cancelled"
)

// ProcessExecution records one recipe run. A machine has at most one
// execution in status running at any time.
type ProcessExecution struct {
	ID            string          `db:"id"`
	MachineID     string          `db:"machine_id"`
	RecipeID      string          `db:"recipe_id"`
	RecipeVersion json.RawMessage `db:"recipe_version_json"`
	Status        ProcessStatus   `db:"status"`
	StartTime     time.Time       `db:"start_time"`
	EndTime       *time.Time      `db:"end_time"`
	ErrorMessage  *string         `db:"error_message"`
}

// ExecutionState is the progress row the executor maintains during a run.
// CurrentOverallStep never exceeds TotalOverallSteps and is non-decreasing
// within a run except at the reset written on start.
type ExecutionState struct {
	ExecutionID            string          `db:"execution_id"`
	CurrentOverallStep     int             `db:"current_overall_step"`
	TotalOverallSteps      int             `db:"total_overall_steps"`
	CurrentStepID          *string         `db:"current_step_id"`
	CurrentStepName        *string         `db:"current_step_name"`
	CurrentStepType        *StepType       `db:"current_step_type"`
	CurrentLoopIteration   *int            `db:"current_loop_iteration"`
	CurrentLoopCount       *int            `db:"current_loop_count"`
	CurrentValveNumber     *int            `db:"current_valve_number"`
	CurrentValveDurationMS *int            `db:"current_valve_duration_ms"`
	CurrentPurgeDurationMS *int            `db:"current_purge_duration_ms"`
	CurrentParameterID     *string         `db:"current_parameter_id"`
	CurrentParameterValue  *float64        `db:"current_parameter_value"`
	Progress               json.RawMessage `db:"progress_json"`
	LastUpdated            time.Time       `db:"last_updated"`
}

// MachineStatus is the per-machine timeline state
type MachineStatus string

const (
	MachineIdle    MachineStatus = "idle"
	MachineRunning MachineStatus = "running"
	MachineError   MachineStatus = "error"
)

// MachineState is the per-machine state-timeline row. CurrentProcessID on
// the machines row is non-null exactly when an execution is running.
type MachineState struct {
	MachineID     string        `db:"machine_id"`
	CurrentState  MachineStatus `db:"current_state"`
	ProcessID     *string       `db:"process_id"`
	StateSince    time.Time     `db:"state_since"`
	IsFailureMode bool          `db:"is_failure_mode"`
}

// ControlCommand is a single-parameter write request. ExecutedAt null means
// pending; CompletedAt non-null means terminal (success or failure).
type ControlCommand struct {
	ID                   string     `db:"id"`
	MachineID            *string    `db:"machine_id"`
	ComponentParameterID *string    `db:"component_parameter_id"`
	ParameterName        *string    `db:"parameter_name"`
	ModbusAddress        *uint16    `db:"modbus_address"`
	ModbusType           *string    `db:"modbus_type"`
	WriteModbusAddress   *uint16    `db:"write_modbus_address"`
	WriteModbusType      *string    `db:"write_modbus_type"`
	DataType             *string    `db:"data_type"`
	TargetValue          float64    `db:"target_value"`
	TimeoutMS            *int       `db:"timeout_ms"`
	ExecutedAt           *time.Time `db:"executed_at"`
	CompletedAt          *time.Time `db:"completed_at"`
	ErrorMessage         *string    `db:"error_message"`
	CreatedAt            time.Time  `db:"created_at"`
}

// RawAddress returns the direct-address override of the command, honoring
// the legacy field names, or nil when no override is present
func (c *ControlCommand) RawAddress() (*uint16, *string) {
	if c.WriteModbusAddress != nil {
		if c.WriteModbusType != nil {
			return c.WriteModbusAddress, c.WriteModbusType
		}
		return c.WriteModbusAddress, c.DataType
	}
	if c.ModbusAddress != nil {
		if c.ModbusType != nil {
			return c.ModbusAddress, c.ModbusType
		}
		return c.ModbusAddress, c.DataType
	}
	return nil, nil
}

// OperationType is the kind of a PLC-affecting audit operation
type OperationType string

const (
	OpValveOpen      OperationType = "valve_open"
	OpValveClose     OperationType = "valve_close"
	OpParameterWrite OperationType = "parameter_write"
)

// AuditRecord is one append-only row per PLC-affecting operation during a
// recipe, with timing splits and optional verification readback
type AuditRecord struct {
	ID                    string        `db:"id"`
	ProcessID             string        `db:"process_id"`
	RecipeID              string        `db:"recipe_id"`
	StepID                string        `db:"step_id"`
	MachineID             string        `db:"machine_id"`
	OperationType         OperationType `db:"operation_type"`
	ParameterName         string        `db:"parameter_name"`
	TargetValue           *float64      `db:"target_value"`
	ActualValue           *float64      `db:"actual_value"`
	DurationMS            int64         `db:"duration_ms"`
	StepSequence          int           `db:"step_sequence"`
	LoopIteration         *int          `db:"loop_iteration"`
	InitiatedAt           time.Time     `db:"initiated_at"`
	PLCWriteStart         *time.Time    `db:"plc_write_start_time"`
	PLCWriteEnd           *time.Time    `db:"plc_write_end_time"`
	OperationCompletedAt  *time.Time    `db:"operation_completed_at"`
	VerificationAttempted bool          `db:"verification_attempted"`
	VerificationSuccess   bool          `db:"verification_success"`
	ErrorMessage          *string       `db:"error_message"`
	RetryCount            int           `db:"retry_count"`
	FinalStatus           string        `db:"final_status"`
	ModbusAddress         *uint16       `db:"modbus_address"`
	ModbusType            *string       `db:"modbus_type"`
}
