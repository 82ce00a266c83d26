package agent

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/strataworks/analyst/memory"
	"github.com/strataworks/analyst/retrieve"
	"github.com/strataworks/analyst/workflow"
)

// loadContext runs once per execution: memory and background retrieval in
// parallel, then a greeting derived from the user profile.
func (a *Agent) loadContext(ctx context.Context, ex *workflow.Execution, _ *workflow.ResumeResponse) (workflow.Outcome, error) {
	var (
		memCtx   map[string]string
		passages []retrieve.Passage
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := a.mem.LoadAll(gctx, ex.UserID)
		if err != nil {
			return fmt.Errorf("load memory: %w", err)
		}
		memCtx = m
		return nil
	})
	g.Go(func() error {
		p, err := a.corpus.Retrieve(gctx, ex.State.Query, a.cfg.TopK, nil)
		if err != nil {
			// The corpus is background color, not a dependency.
			a.logger.Warn("corpus retrieval failed", "error", err)
			return nil
		}
		passages = p
		return nil
	})
	if err := g.Wait(); err != nil {
		return workflow.Outcome{}, err
	}

	name := profileField(memCtx[memory.CategoryUserProfile], "Name:")
	role := profileField(memCtx[memory.CategoryUserProfile], "Role:")
	company := profileField(memCtx[memory.CategoryCompanyProfile], "Name:")

	greeting := "Starting a new research session."
	if name != "" {
		greeting = fmt.Sprintf("Welcome back, %s. Picking up your research.", name)
	}

	update := workflow.Update{
		MemoryContext: memCtx,
		Passages:      passages,
		Greeting:      workflow.Ptr(greeting),
	}
	if name != "" {
		update.UserName = workflow.Ptr(name)
	}
	if role != "" {
		update.UserRole = workflow.Ptr(role)
	}
	if company != "" {
		update.CompanyName = workflow.Ptr(company)
	}
	return workflow.Goto(workflow.StagePlanner, update), nil
}

// profileField pulls a "Label: value" line out of a profile document.
// "unknown" values are treated as absent.
func profileField(doc, label string) string {
	for _, line := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, label) {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(trimmed, label))
		if value == "" || strings.EqualFold(value, "unknown") {
			return ""
		}
		return value
	}
	return ""
}
