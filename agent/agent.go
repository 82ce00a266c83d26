// Package agent implements the concrete research pipeline on top of the
// workflow engine: context loading, planning, supervised parallel research,
// report writing, three human review gates, and artifact persistence.
package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/strataworks/analyst/checkpoint"
	"github.com/strataworks/analyst/llm"
	"github.com/strataworks/analyst/memory"
	"github.com/strataworks/analyst/report"
	"github.com/strataworks/analyst/retrieve"
	"github.com/strataworks/analyst/workflow"
)

// Model roles used by the pipeline.
const (
	rolePlanning = "planning"
	roleResearch = "research"
	roleWriting  = "writing"
	roleUtility  = "utility"
)

// Config bounds the pipeline's fan-out and collaborator calls.
type Config struct {
	// MaxTaskRetries bounds review-driven re-dispatch per research task.
	MaxTaskRetries int

	// MaxSectionRetries bounds review-driven re-dispatch per report section.
	MaxSectionRetries int

	// MaxConcurrent limits concurrent workers within one dispatch batch.
	MaxConcurrent int

	// WorkerTimeout bounds one research task or section write.
	WorkerTimeout time.Duration

	// TopK is how many passages each retrieval returns.
	TopK int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		MaxTaskRetries:    2,
		MaxSectionRetries: 2,
		MaxConcurrent:     4,
		WorkerTimeout:     2 * time.Minute,
		TopK:              5,
	}
}

// Agent wires the external collaborators into the workflow stages.
type Agent struct {
	gen       llm.Generator
	mem       *memory.Manager
	corpus    retrieve.Retriever
	web       retrieve.Retriever // nil when web research is disabled
	persister report.Persister
	cfg       Config
	logger    *slog.Logger
}

// New creates the pipeline agent. web may be nil.
func New(gen llm.Generator, mem *memory.Manager, corpus, web retrieve.Retriever,
	persister report.Persister, cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	return &Agent{
		gen:       gen,
		mem:       mem,
		corpus:    corpus,
		web:       web,
		persister: persister,
		cfg:       cfg,
		logger:    logger,
	}
}

// BuildEngine registers every pipeline stage on a fresh engine.
func (a *Agent) BuildEngine(cps checkpoint.Store) *workflow.Engine {
	e := workflow.NewEngine(cps, a.logger)
	e.Register(workflow.StageContextLoader, workflow.PhaseInit, a.loadContext)
	e.Register(workflow.StagePlanner, workflow.PhasePlanning, a.plan)
	e.Register(workflow.StagePlanGate, workflow.PhasePlanning, a.planGate)
	e.Register(workflow.StageResearch, workflow.PhaseResearch, a.research)
	e.Register(workflow.StageDiscoveryGate, workflow.PhaseDiscovery, a.discoveryGate)
	e.Register(workflow.StageReport, workflow.PhaseReporting, a.report)
	e.Register(workflow.StageFinalGate, workflow.PhaseFinal, a.finalGate)
	e.Register(workflow.StageSaver, workflow.PhaseFinal, a.save)
	e.SetStart(workflow.StageContextLoader)
	return e
}

// noteInteraction reconciles a human gate interaction into the user's
// preferences memory. Memory currency is best effort: the call is retried
// once and a persistent failure keeps the stale value without blocking the
// routing decision.
func (a *Agent) noteInteraction(ctx context.Context, userID, evidence, reason string) {
	a.reconcileRetry(ctx, memory.PreferencesNS(userID), memory.KeyPreferences, evidence, reason)
}

// reconcileRetry runs one reconciliation with a single retry; failures are
// logged and the stale value is kept.
func (a *Agent) reconcileRetry(ctx context.Context, ns memory.Namespace, key, evidence, reason string) {
	_, err := a.mem.Reconcile(ctx, ns, key, evidence, reason)
	if err == nil {
		return
	}
	a.logger.Warn("memory reconciliation failed, retrying",
		"category", ns.Category, "error", err)
	if _, err := a.mem.Reconcile(ctx, ns, key, evidence, reason); err != nil {
		a.logger.Error("memory reconciliation failed, keeping stale value",
			"category", ns.Category, "error", err)
	}
}
