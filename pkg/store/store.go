package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nanofab/stratum/pkg/types"
)

var (
	// ErrNotFound means the requested row does not exist
	ErrNotFound = errors.New("store: not found")
	// ErrNotClaimed means another terminal won the claim race
	ErrNotClaimed = errors.New("store: command already claimed")
)

// Store is the database surface the terminals depend on. Client implements
// it against Postgres; terminal tests implement fakes.
type Store interface {
	// Parameter catalog and setpoint reconciliation (T1)
	ListParameters(ctx context.Context, machineID string) ([]*types.Parameter, error)
	GetSetValues(ctx context.Context, machineID string) (map[string]float64, error)
	UpdateSetValue(ctx context.Context, parameterID string, value float64) error
	InsertReadingWide(ctx context.Context, ts time.Time, payload map[string]float64) (int, error)

	// Recipe command queue (T2)
	NextPendingRecipeCommand(ctx context.Context, machineID string) (*types.RecipeCommand, error)
	ClaimRecipeCommand(ctx context.Context, id string) error
	FinalizeRecipeCommand(ctx context.Context, id, status string, errMsg *string) error

	// Recipes and process state (T2)
	GetRecipe(ctx context.Context, id string) (*types.Recipe, error)
	StartProcess(ctx context.Context, exec *types.ProcessExecution, state *types.ExecutionState) error
	ListRunningExecutions(ctx context.Context, machineID string) ([]*types.ProcessExecution, error)
	UpdateExecutionState(ctx context.Context, state *types.ExecutionState) error
	UpdateProgress(ctx context.Context, executionID string, progress json.RawMessage) error
	CompleteProcess(ctx context.Context, processID, machineID string, status types.ProcessStatus, errMsg *string) error
	InsertAudit(ctx context.Context, rec *types.AuditRecord) error

	// Parameter control command queue (T3)
	ListPendingControlCommands(ctx context.Context, machineID string) ([]*types.ControlCommand, error)
	GetControlCommand(ctx context.Context, id string) (*types.ControlCommand, error)
	ClaimControlCommand(ctx context.Context, id string) error
	CompleteControlCommand(ctx context.Context, id string) error
	FailControlCommand(ctx context.Context, id, errMsg string) error
}
