package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/strataworks/analyst/memory"
	"github.com/strataworks/analyst/report"
	"github.com/strataworks/analyst/workflow"
)

// persistTimeout bounds one persistence attempt.
const persistTimeout = 30 * time.Second

// save persists the accepted report, feeds it back into the corpus, and
// records the session in episodic memory. This is the terminal stage.
func (a *Agent) save(ctx context.Context, ex *workflow.Execution, _ *workflow.ResumeResponse) (workflow.Outcome, error) {
	final := ex.State.Final
	if final == "" {
		final = ex.State.Draft
	}

	artifact := &report.Artifact{
		ExecutionID: ex.ID,
		UserID:      ex.UserID,
		Title:       artifactTitle(ex.State),
		Content:     final,
		Format:      ex.State.Format,
		Tags:        artifactTags(ex.State),
	}
	if ex.State.Discoveries != nil {
		artifact.Summary = ex.State.Discoveries.Summary
	}

	id, err := a.persistWithRetry(ctx, artifact)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("persist report: %w", err)
	}
	a.logger.Info("report persisted", "artifact_id", id, "execution_id", ex.ID)

	a.reconcileRetry(ctx, memory.EpisodicNS(ex.UserID), memory.KeyEpisodes,
		sessionSummary(ex.State, id),
		"research session completed")

	return workflow.Terminal(workflow.Update{
		Final: workflow.Ptr(final),
		Notes: []string{"artifact " + id},
	}), nil
}

// persistWithRetry tries persistence twice; a report that cannot be stored
// fails the stage.
func (a *Agent) persistWithRetry(ctx context.Context, artifact *report.Artifact) (string, error) {
	attempt := func() (string, error) {
		pctx, cancel := context.WithTimeout(ctx, persistTimeout)
		defer cancel()
		return a.persister.Persist(pctx, artifact)
	}

	id, err := attempt()
	if err == nil {
		return id, nil
	}
	a.logger.Warn("persist failed, retrying", "error", err)
	return attempt()
}

func artifactTitle(s workflow.State) string {
	if s.ReportTitle != "" {
		return s.ReportTitle
	}
	return s.Query
}

func artifactTags(s workflow.State) []string {
	tags := []string{"research"}
	if s.CompanyName != "" {
		tags = append(tags, strings.ToLower(s.CompanyName))
	}
	return tags
}

// sessionSummary is the episodic-memory evidence for one finished session.
func sessionSummary(s workflow.State, artifactID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed research session on %q (artifact %s, %s format, %d tasks).\n",
		s.Query, artifactID, s.Format, len(s.Tasks))
	if s.Discoveries != nil && s.Discoveries.Summary != "" {
		fmt.Fprintf(&b, "Discoveries: %s\n", s.Discoveries.Summary)
	}
	if forced := forcedTaskIDs(s); len(forced) > 0 {
		fmt.Fprintf(&b, "Tasks kept without reviewer approval: %s\n", strings.Join(forced, ", "))
	}
	return b.String()
}
