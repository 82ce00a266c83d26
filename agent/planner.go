package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/strataworks/analyst/llm"
	"github.com/strataworks/analyst/memory"
	"github.com/strataworks/analyst/workflow"
)

// plan produces (or reworks) the research plan. On re-entry after a gate
// edit the human's task list is authoritative and only the plan narrative is
// regenerated; after a respond the feedback is folded into the prompt.
func (a *Agent) plan(ctx context.Context, ex *workflow.Execution, _ *workflow.ResumeResponse) (workflow.Outcome, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research request: %s\n", ex.State.Query)

	if profile := ex.State.MemoryContext[memory.CategoryUserProfile]; profile != "" {
		fmt.Fprintf(&b, "\nUser profile:\n%s\n", profile)
	}
	if prefs := ex.State.MemoryContext[memory.CategoryPreferences]; prefs != "" {
		fmt.Fprintf(&b, "\nUser preferences:\n%s\n", prefs)
	}
	if len(ex.State.Passages) > 0 {
		b.WriteString("\nBackground passages:\n")
		for _, p := range ex.State.Passages {
			fmt.Fprintf(&b, "- [%s] %s\n", p.Source, truncate(p.Content, 400))
		}
	}

	editedTasks := ex.State.RoutingHint == string(workflow.ResponseEdit) && len(ex.State.Tasks) > 0
	switch {
	case editedTasks:
		b.WriteString("\nThe reviewer fixed the task list below. Build the plan around exactly these tasks:\n")
		for _, t := range ex.State.Tasks {
			fmt.Fprintf(&b, "- %s\n", t.Question)
		}
	case ex.State.FollowUp != "":
		fmt.Fprintf(&b, "\nReviewer feedback on the previous plan:\n%s\n\nPrevious plan:\n%s\n",
			ex.State.FollowUp, ex.State.Plan)
	}

	var plan researchPlan
	err := a.gen.Structured(ctx, llm.Request{
		Role: rolePlanning,
		Messages: []llm.Message{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	}, &plan)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("generate plan: %w", err)
	}

	update := workflow.Update{
		Plan:        workflow.Ptr(plan.render()),
		RoutingHint: workflow.Ptr(""),
		FollowUp:    workflow.Ptr(""),
	}
	if !editedTasks {
		update.Tasks = numberTasks(plan.Tasks)
	}
	return workflow.Goto(workflow.StagePlanGate, update), nil
}

// numberTasks converts model task specs into identified workflow tasks.
func numberTasks(tasks []planTask) []workflow.TaskSpec {
	out := make([]workflow.TaskSpec, 0, len(tasks))
	for i, t := range tasks {
		sources := t.DataSources
		if len(sources) == 0 {
			sources = []string{"corpus"}
		}
		out = append(out, workflow.TaskSpec{
			TaskID:      fmt.Sprintf("t%d", i+1),
			Question:    strings.TrimSpace(t.Question),
			DataSources: sources,
			Priority:    t.Priority,
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
