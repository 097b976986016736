package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nanofab/stratum/pkg/config"
	"github.com/nanofab/stratum/pkg/events"
	"github.com/nanofab/stratum/pkg/log"
	"github.com/nanofab/stratum/pkg/metrics"
	"github.com/nanofab/stratum/pkg/params"
	"github.com/nanofab/stratum/pkg/plc"
	"github.com/nanofab/stratum/pkg/store"
	"github.com/nanofab/stratum/pkg/types"
)

// Store is the database surface the executor needs
type Store interface {
	NextPendingRecipeCommand(ctx context.Context, machineID string) (*types.RecipeCommand, error)
	ClaimRecipeCommand(ctx context.Context, id string) error
	FinalizeRecipeCommand(ctx context.Context, id, status string, errMsg *string) error
	GetRecipe(ctx context.Context, id string) (*types.Recipe, error)
	StartProcess(ctx context.Context, exec *types.ProcessExecution, state *types.ExecutionState) error
	ListRunningExecutions(ctx context.Context, machineID string) ([]*types.ProcessExecution, error)
	UpdateExecutionState(ctx context.Context, state *types.ExecutionState) error
	UpdateProgress(ctx context.Context, executionID string, progress json.RawMessage) error
	CompleteProcess(ctx context.Context, processID, machineID string, status types.ProcessStatus, errMsg *string) error
	InsertAudit(ctx context.Context, rec *types.AuditRecord) error
}

// Executor is terminal T2: it claims one recipe command at a time,
// translates the recipe into a linearized sequence of PLC operations and
// maintains faithful progress state. At most one recipe executes at a time.
type Executor struct {
	machineID string
	client    plc.Client
	store     Store
	cache     *params.Cache
	broker    *events.Broker
	tuning    config.Tuning
	logger    zerolog.Logger

	mu     sync.Mutex
	active *run

	stopCh chan struct{}
	doneCh chan struct{}
}

// run tracks one in-flight recipe execution
type run struct {
	execID     string
	cancelCh   chan struct{}
	cancelOnce sync.Once
	doneCh     chan struct{}
}

func (r *run) cancel() {
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *run) cancelled() bool {
	select {
	case <-r.cancelCh:
		return true
	default:
		return false
	}
}

// New creates an executor
func New(machineID string, client plc.Client, st Store, cache *params.Cache, broker *events.Broker, tuning config.Tuning) *Executor {
	return &Executor{
		machineID: machineID,
		client:    client,
		store:     st,
		cache:     cache,
		broker:    broker,
		tuning:    tuning,
		logger:    log.WithTerminal("executor", machineID),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start recovers stale executions from a previous run, then begins the
// command poll loop
func (e *Executor) Start() {
	e.recoverStaleExecutions()
	go e.pollLoop()
	e.logger.Info().Dur("poll", e.tuning.CommandPollInterval).Msg("Executor started")
}

// Stop cancels any active run and waits for the loops to exit
func (e *Executor) Stop() {
	close(e.stopCh)

	e.mu.Lock()
	active := e.active
	e.mu.Unlock()
	if active != nil {
		active.cancel()
		<-active.doneCh
	}
	<-e.doneCh
	e.logger.Info().Msg("Executor stopped")
}

// recoverStaleExecutions marks executions left running by a crashed
// predecessor as failed and returns the machine to idle. Resume is not
// attempted.
func (e *Executor) recoverStaleExecutions() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	execs, err := e.store.ListRunningExecutions(ctx, e.machineID)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to check for stale executions")
		return
	}
	for _, ex := range execs {
		msg := "stale execution from previous run"
		e.logger.Warn().Str("process_id", ex.ID).Msg("Marking stale execution failed")
		if err := e.store.CompleteProcess(ctx, ex.ID, e.machineID, types.ProcessFailed, &msg); err != nil {
			e.logger.Error().Err(err).Str("process_id", ex.ID).
				Msg("Failed to finalize stale execution")
		}
	}
}

func (e *Executor) pollLoop() {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.tuning.CommandPollInterval)
	defer ticker.Stop()

	// Poll immediately on start, then on the interval.
	e.poll()
	for {
		select {
		case <-ticker.C:
			e.poll()
		case <-e.stopCh:
			return
		}
	}
}

// poll claims and dispatches at most one pending command
func (e *Executor) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), e.tuning.CommandPollInterval)
	defer cancel()

	cmd, err := e.store.NextPendingRecipeCommand(ctx, e.machineID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error().Err(err).Msg("Command poll failed")
		}
		return
	}

	if err := e.store.ClaimRecipeCommand(ctx, cmd.ID); err != nil {
		if !errors.Is(err, store.ErrNotClaimed) {
			e.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("Claim failed")
		}
		return
	}

	e.logger.Info().
		Str("command_id", cmd.ID).
		Str("type", string(cmd.Type)).
		Msg("Claimed recipe command")

	switch cmd.Type {
	case types.CommandStartRecipe:
		e.dispatchStart(cmd)
	case types.CommandStopRecipe:
		e.dispatchStop(ctx, cmd)
	default:
		msg := fmt.Sprintf("unknown command type %q", cmd.Type)
		e.logger.Error().Str("command_id", cmd.ID).Msg(msg)
		e.finalizeCommand(cmd.ID, "failed", &msg)
	}
}

// dispatchStart validates the command, then executes the recipe in its own
// goroutine so the poll loop stays responsive to stop commands
func (e *Executor) dispatchStart(cmd *types.RecipeCommand) {
	var payload struct {
		RecipeID string `json:"recipe_id"`
	}
	if len(cmd.Parameters) > 0 {
		if err := json.Unmarshal(cmd.Parameters, &payload); err != nil {
			msg := fmt.Sprintf("malformed command parameters: %v", err)
			e.finalizeCommand(cmd.ID, "failed", &msg)
			return
		}
	}
	if payload.RecipeID == "" {
		msg := "start_recipe requires parameters.recipe_id"
		e.finalizeCommand(cmd.ID, "failed", &msg)
		return
	}

	e.mu.Lock()
	if e.active != nil {
		e.mu.Unlock()
		msg := "another recipe is already running on this machine"
		e.finalizeCommand(cmd.ID, "failed", &msg)
		return
	}
	rn := &run{cancelCh: make(chan struct{}), doneCh: make(chan struct{})}
	e.active = rn
	e.mu.Unlock()

	go func() {
		defer func() {
			close(rn.doneCh)
			e.mu.Lock()
			e.active = nil
			e.mu.Unlock()
		}()
		e.executeRecipe(rn, cmd, payload.RecipeID)
	}()
}

// dispatchStop signals cancellation to the active run. A stop with no
// active run completes immediately.
func (e *Executor) dispatchStop(ctx context.Context, cmd *types.RecipeCommand) {
	e.mu.Lock()
	active := e.active
	e.mu.Unlock()

	if active == nil {
		e.logger.Info().Str("command_id", cmd.ID).Msg("Stop command with no active recipe")
		e.finalizeCommand(cmd.ID, "completed", nil)
		return
	}

	active.cancel()
	e.finalizeCommand(cmd.ID, "completed", nil)
}

// executeRecipe runs one full recipe lifecycle: load, start, walk, finish
func (e *Executor) executeRecipe(rn *run, cmd *types.RecipeCommand, recipeID string) {
	ctx := context.Background()

	recipe, err := e.store.GetRecipe(ctx, recipeID)
	if err != nil {
		msg := truncate(fmt.Sprintf("failed to load recipe: %v", err), 500)
		e.finalizeCommand(cmd.ID, "failed", &msg)
		return
	}

	totalSteps := totalOverallSteps(recipe, e.logger)
	snapshot, err := json.Marshal(recipe)
	if err != nil {
		snapshot = []byte("{}")
	}

	exec := &types.ProcessExecution{
		ID:            uuid.New().String(),
		MachineID:     e.machineID,
		RecipeID:      recipe.ID,
		RecipeVersion: snapshot,
		Status:        types.ProcessRunning,
		StartTime:     time.Now().UTC(),
	}
	state := &types.ExecutionState{
		ExecutionID:        exec.ID,
		CurrentOverallStep: 0,
		TotalOverallSteps:  totalSteps,
		Progress:           []byte("[]"),
	}

	if err := e.store.StartProcess(ctx, exec, state); err != nil {
		msg := truncate(fmt.Sprintf("failed to start process: %v", err), 500)
		e.finalizeCommand(cmd.ID, "failed", &msg)
		return
	}
	rn.execID = exec.ID

	runLog := e.logger.With().Str("process_id", exec.ID).Str("recipe_id", recipe.ID).Logger()
	runLog.Info().Int("total_steps", totalSteps).Str("recipe", recipe.Name).Msg("Recipe started")
	e.publish(events.EventRecipeStarted, recipe.Name)

	recorder := newRecorder(e.store, exec.ID, e.tuning.RecorderInterval, runLog)
	recorder.Start()

	outcome := e.walk(rn, recipe, exec, state, runLog)

	recorder.Stop()

	status := types.ProcessCompleted
	var errMsg *string
	switch outcome.kind {
	case outcomeCancelled:
		status = types.ProcessCancelled
		e.publish(events.EventRecipeCancelled, recipe.Name)
	case outcomeFailed:
		status = types.ProcessFailed
		msg := truncate(outcome.message, 500)
		errMsg = &msg
		e.publish(events.EventRecipeFailed, recipe.Name)
	default:
		e.publish(events.EventRecipeCompleted, recipe.Name)
	}

	if err := e.store.CompleteProcess(ctx, exec.ID, e.machineID, status, errMsg); err != nil {
		runLog.Error().Err(err).Msg("Failed to complete process")
	}

	cmdStatus := "completed"
	if status == types.ProcessFailed {
		cmdStatus = "failed"
	}
	e.finalizeCommand(cmd.ID, cmdStatus, errMsg)

	metrics.RecipesExecutedTotal.WithLabelValues(string(status)).Inc()
	runLog.Info().Str("status", string(status)).Msg("Recipe finished")
}

func (e *Executor) finalizeCommand(id, status string, errMsg *string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.FinalizeRecipeCommand(ctx, id, status, errMsg); err != nil {
		e.logger.Error().Err(err).Str("command_id", id).Msg("Failed to finalize command")
	}
}

func (e *Executor) publish(t events.EventType, msg string) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{Type: t, Message: msg})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
