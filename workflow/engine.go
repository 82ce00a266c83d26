package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/strataworks/analyst/checkpoint"
)

// Stage identifies one node of the state machine.
type Stage string

const (
	StageContextLoader Stage = "context_loader"
	StagePlanner       Stage = "planner"
	StagePlanGate      Stage = "plan_gate"
	StageResearch      Stage = "research"
	StageDiscoveryGate Stage = "discovery_gate"
	StageReport        Stage = "report"
	StageFinalGate     Stage = "final_gate"
	StageSaver         Stage = "saver"
)

// Phase is the coarse progress label surfaced to operators and checkpoints.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhasePlanning  Phase = "planning"
	PhaseResearch  Phase = "research"
	PhaseDiscovery Phase = "discovery"
	PhaseReporting Phase = "reporting"
	PhaseFinal     Phase = "final"
	PhaseDone      Phase = "done"
)

// Execution is one in-flight (or suspended) run of the workflow.
type Execution struct {
	ID       string             `json:"id"`
	UserID   string             `json:"user_id"`
	Stage    Stage              `json:"stage"`
	Phase    Phase              `json:"phase"`
	Sequence uint64             `json:"sequence"`
	State    State              `json:"state"`
	Pending  *SuspensionRequest `json:"pending,omitempty"`
}

// Outcome is what a stage returns: where to go next, a state update to
// merge, or a suspension.
type Outcome struct {
	next     Stage
	update   Update
	terminal bool
	suspend  *SuspensionRequest
}

// Goto merges the update and transitions to the next stage.
func Goto(next Stage, update Update) Outcome {
	return Outcome{next: next, update: update}
}

// Terminal merges the update and ends the execution.
func Terminal(update Update) Outcome {
	return Outcome{terminal: true, update: update}
}

// Suspend pauses the execution at the current stage. The stage is re-entered
// with the human response on resume.
func Suspend(req *SuspensionRequest) Outcome {
	return Outcome{suspend: req}
}

// StageFunc runs one stage. resume is non-nil only when the stage suspended
// earlier and is being re-entered with the human response.
type StageFunc func(ctx context.Context, ex *Execution, resume *ResumeResponse) (Outcome, error)

// Engine dispatches stages through a registration table and checkpoints the
// execution after every transition. A checkpoint write failure is fatal: the
// engine stops rather than advance past an unrecorded transition.
type Engine struct {
	checkpoints checkpoint.Store
	logger      *slog.Logger

	stages map[Stage]StageFunc
	phases map[Stage]Phase
	start  Stage

	mu      sync.Mutex
	cancels map[string]struct{}
}

// NewEngine creates an engine over the given checkpoint store. Stages are
// registered afterwards; the first registered stage is the start stage
// unless SetStart overrides it.
func NewEngine(cps checkpoint.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		checkpoints: cps,
		logger:      logger,
		stages:      make(map[Stage]StageFunc),
		phases:      make(map[Stage]Phase),
		cancels:     make(map[string]struct{}),
	}
}

// Register adds a stage to the dispatch table.
func (e *Engine) Register(stage Stage, phase Phase, fn StageFunc) {
	if len(e.stages) == 0 && e.start == "" {
		e.start = stage
	}
	e.stages[stage] = fn
	e.phases[stage] = phase
}

// SetStart overrides the start stage.
func (e *Engine) SetStart(stage Stage) { e.start = stage }

// Start creates a new execution for the query and runs it until it
// terminates or suspends. format may be empty; it defaults to markdown.
func (e *Engine) Start(ctx context.Context, userID, query, format string) (*Execution, error) {
	if format == "" {
		format = "markdown"
	}
	ex := &Execution{
		ID:     uuid.New().String(),
		UserID: userID,
		Stage:  e.start,
		Phase:  e.phases[e.start],
		State:  State{Query: query, Format: format},
	}
	if err := e.save(ctx, ex); err != nil {
		return nil, err
	}
	e.logger.Info("execution started", "execution_id", ex.ID, "user_id", userID)
	return e.run(ctx, ex, nil)
}

// Resume loads a suspended execution, validates the response against the
// pending request, and runs from the suspended stage. An invalid response
// returns a ValidationError without touching the execution.
func (e *Engine) Resume(ctx context.Context, executionID string, resp ResumeResponse) (*Execution, error) {
	ex, err := e.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Pending == nil {
		return nil, fmt.Errorf("execution %s: %w", executionID, ErrNotSuspended)
	}
	if !ex.Pending.Allows(resp.Type) {
		return nil, &ValidationError{
			Reason: fmt.Sprintf("%q not allowed for %s (allowed: %v)",
				resp.Type, ex.Pending.Action, ex.Pending.AllowedResponses),
		}
	}

	e.logger.Info("execution resumed",
		"execution_id", ex.ID, "stage", ex.Stage, "response", resp.Type)
	ex.Pending = nil
	return e.run(ctx, ex, &resp)
}

// Load reads the latest checkpoint of an execution.
func (e *Engine) Load(ctx context.Context, executionID string) (*Execution, error) {
	cp, err := e.checkpoints.Latest(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", executionID, err)
	}
	ex := &Execution{
		ID:       cp.ExecutionID,
		Stage:    Stage(cp.Stage),
		Phase:    Phase(cp.Phase),
		Sequence: cp.Sequence,
	}
	if err := json.Unmarshal(cp.State, &ex.State); err != nil {
		return nil, fmt.Errorf("decode execution state: %w", err)
	}
	if len(cp.Pending) > 0 {
		ex.Pending = &SuspensionRequest{}
		if err := json.Unmarshal(cp.Pending, ex.Pending); err != nil {
			return nil, fmt.Errorf("decode pending request: %w", err)
		}
	}
	ex.UserID = ex.State.MemoryContext["user_id"]
	return ex, nil
}

// Cancel requests a graceful stop. The execution finishes its current stage
// and terminates at the next transition.
func (e *Engine) Cancel(executionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[executionID] = struct{}{}
}

func (e *Engine) cancelRequested(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cancels[executionID]
	if ok {
		delete(e.cancels, executionID)
	}
	return ok
}

func (e *Engine) run(ctx context.Context, ex *Execution, resume *ResumeResponse) (*Execution, error) {
	activeExecutions.Inc()
	defer activeExecutions.Dec()

	for {
		if err := ctx.Err(); err != nil {
			return ex, err
		}
		if e.cancelRequested(ex.ID) {
			ex.State.Apply(Update{
				Cancelled: Ptr(true),
				Notes:     []string{fmt.Sprintf("cancelled before stage %s", ex.Stage)},
			})
			ex.Phase = PhaseDone
			if err := e.save(ctx, ex); err != nil {
				return ex, err
			}
			e.logger.Info("execution cancelled", "execution_id", ex.ID, "stage", ex.Stage)
			return ex, nil
		}

		fn, ok := e.stages[ex.Stage]
		if !ok {
			return ex, fmt.Errorf("stage %q: %w", ex.Stage, ErrUnknownStage)
		}

		started := time.Now()
		outcome, err := fn(ctx, ex, resume)
		resume = nil
		if err != nil {
			e.logger.Error("stage failed",
				"execution_id", ex.ID, "stage", ex.Stage, "error", err)
			return ex, fmt.Errorf("stage %s: %w", ex.Stage, err)
		}
		stageDuration.WithLabelValues(string(ex.Stage)).Observe(time.Since(started).Seconds())

		ex.State.Apply(outcome.update)

		switch {
		case outcome.suspend != nil:
			ex.Pending = outcome.suspend
			if err := e.save(ctx, ex); err != nil {
				return ex, err
			}
			suspensionsTotal.WithLabelValues(string(ex.Stage)).Inc()
			e.logger.Info("execution suspended",
				"execution_id", ex.ID, "stage", ex.Stage,
				"action", outcome.suspend.Action)
			return ex, &SuspendedError{ExecutionID: ex.ID, Request: outcome.suspend}

		case outcome.terminal:
			ex.Phase = PhaseDone
			if err := e.save(ctx, ex); err != nil {
				return ex, err
			}
			e.logger.Info("execution finished", "execution_id", ex.ID)
			return ex, nil

		default:
			transitionsTotal.WithLabelValues(string(ex.Stage), string(outcome.next)).Inc()
			e.logger.Debug("stage transition",
				"execution_id", ex.ID, "from", ex.Stage, "to", outcome.next)
			ex.Stage = outcome.next
			ex.Phase = e.phases[outcome.next]
			if err := e.save(ctx, ex); err != nil {
				return ex, err
			}
		}
	}
}

// save appends the next checkpoint. The sequence advances first so a crash
// between stage work and the append resumes from the previous snapshot.
func (e *Engine) save(ctx context.Context, ex *Execution) error {
	if ex.State.MemoryContext == nil {
		ex.State.MemoryContext = map[string]string{}
	}
	ex.State.MemoryContext["user_id"] = ex.UserID

	stateData, err := json.Marshal(ex.State)
	if err != nil {
		return fmt.Errorf("encode execution state: %w", err)
	}
	var pendingData json.RawMessage
	if ex.Pending != nil {
		pendingData, err = json.Marshal(ex.Pending)
		if err != nil {
			return fmt.Errorf("encode pending request: %w", err)
		}
	}

	ex.Sequence++
	cp := &checkpoint.Checkpoint{
		ExecutionID: ex.ID,
		Sequence:    ex.Sequence,
		Stage:       string(ex.Stage),
		Phase:       string(ex.Phase),
		State:       stateData,
		Pending:     pendingData,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.checkpoints.Append(ctx, cp); err != nil {
		ex.Sequence--
		return fmt.Errorf("checkpoint execution %s: %w", ex.ID, err)
	}
	return nil
}
