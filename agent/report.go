package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strataworks/analyst/dispatch"
	"github.com/strataworks/analyst/llm"
	"github.com/strataworks/analyst/memory"
	"github.com/strataworks/analyst/workflow"
)

// report builds the report: structure planning, parallel section writers
// under review, then assembly into the requested format. Re-entries from the
// final gate (edits, format switches) skip straight to re-assembly.
func (a *Agent) report(ctx context.Context, ex *workflow.Execution, _ *workflow.ResumeResponse) (workflow.Outcome, error) {
	switch ex.State.RoutingHint {
	case "edit-draft":
		// The human replaced the draft wholesale; present it as-is.
		return workflow.Goto(workflow.StageFinalGate, workflow.Update{
			RoutingHint: workflow.Ptr(""),
		}), nil

	case string(workflow.ResponseEdit), "format":
		if len(ex.State.Sections) > 0 {
			return workflow.Goto(workflow.StageFinalGate, workflow.Update{
				Draft:       workflow.Ptr(a.assemble(ex.State)),
				RoutingHint: workflow.Ptr(""),
			}), nil
		}
	}

	structure, err := a.planStructure(ctx, ex.State)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("plan report structure: %w", err)
	}

	var (
		batch []dispatch.Task[workflow.Section]
		order []string
	)
	for i, planned := range structure.Sections {
		section := workflow.Section{
			SectionID:    fmt.Sprintf("s%d", i+1),
			Title:        planned.Title,
			Instructions: planned.Instructions,
			WordTarget:   planned.WordTarget,
		}
		order = append(order, section.SectionID)
		batch = append(batch, dispatch.Task[workflow.Section]{ID: section.SectionID, Input: section})
	}

	results, err := dispatch.Dispatch(ctx, batch, a.sectionWriter(findingsDigest(ex.State)), a.reviewSection, dispatch.Options{
		MaxRetries:    a.cfg.MaxSectionRetries,
		MaxConcurrent: a.cfg.MaxConcurrent,
		WorkerTimeout: a.cfg.WorkerTimeout,
		Logger:        a.logger,
	})
	if err != nil {
		return workflow.Outcome{}, err
	}

	sections := make(map[string]workflow.Section, len(results))
	for id, r := range results {
		section := r.Value
		if section.SectionID == "" {
			// Worker errored to exhaustion; keep the plan entry with a stub.
			for _, t := range batch {
				if t.ID == id {
					section = t.Input
					break
				}
			}
			section.Content = "_Section could not be written._"
		}
		section.ForcedAccept = r.ForcedAccept
		sections[id] = section
	}

	next := ex.State
	next.Sections = sections
	next.SectionOrder = order
	next.ReportTitle = structure.Title

	return workflow.Goto(workflow.StageFinalGate, workflow.Update{
		ReportTitle:  workflow.Ptr(structure.Title),
		Sections:     sections,
		SectionOrder: order,
		Draft:        workflow.Ptr(a.assemble(next)),
		RoutingHint:  workflow.Ptr(""),
	}), nil
}

// planStructure asks the writer model for the section breakdown.
func (a *Agent) planStructure(ctx context.Context, state workflow.State) (*reportStructure, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Research request: %s\n", state.Query)
	if state.Discoveries != nil {
		fmt.Fprintf(&b, "\nDiscoveries:\n%s\n", state.Discoveries.Summary)
		for _, d := range state.Discoveries.KeyDiscoveries {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}
	if prefs := state.MemoryContext[memory.CategoryPreferences]; prefs != "" {
		fmt.Fprintf(&b, "\nUser preferences:\n%s\n", prefs)
	}

	var structure reportStructure
	err := a.gen.Structured(ctx, llm.Request{
		Role: roleWriting,
		Messages: []llm.Message{
			{Role: "system", Content: structureSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	}, &structure)
	if err != nil {
		return nil, err
	}
	if len(structure.Sections) == 0 {
		return nil, fmt.Errorf("structure has no sections")
	}
	if structure.Title == "" {
		structure.Title = state.Query
	}
	return &structure, nil
}

// sectionWriter builds the worker that drafts one section against the
// findings digest captured at dispatch time.
func (a *Agent) sectionWriter(findings string) dispatch.Worker[workflow.Section, workflow.Section] {
	return func(ctx context.Context, task dispatch.Task[workflow.Section]) (workflow.Section, error) {
		section := task.Input

		var b strings.Builder
		fmt.Fprintf(&b, "Section: %s\nInstructions: %s\n", section.Title, section.Instructions)
		if section.WordTarget > 0 {
			fmt.Fprintf(&b, "Target length: about %d words.\n", section.WordTarget)
		}
		if task.Critique != "" {
			fmt.Fprintf(&b, "\nYour previous draft was rejected: %s\nAddress the critique.\n", task.Critique)
		}
		b.WriteString("\nFindings:\n")
		b.WriteString(findings)

		var draft sectionDraft
		err := a.gen.Structured(ctx, llm.Request{
			Role: roleWriting,
			Messages: []llm.Message{
				{Role: "system", Content: sectionWriterSystemPrompt},
				{Role: "user", Content: b.String()},
			},
		}, &draft)
		if err != nil {
			return workflow.Section{}, err
		}

		section.Content = strings.TrimSpace(draft.Content)
		return section, nil
	}
}

// reviewSection judges one drafted section against its instructions.
func (a *Agent) reviewSection(ctx context.Context, task dispatch.Task[workflow.Section], section workflow.Section) (dispatch.Verdict, error) {
	var verdict reviewVerdict
	err := a.gen.Structured(ctx, llm.Request{
		Role: roleWriting,
		Messages: []llm.Message{
			{Role: "system", Content: sectionReviewSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"Section: %s\nInstructions: %s\n\nDraft:\n%s",
				task.Input.Title, task.Input.Instructions, section.Content)},
		},
	}, &verdict)
	if err != nil {
		return dispatch.Verdict{}, err
	}
	return dispatch.Verdict{
		TaskID:   task.ID,
		Approved: verdict.Approved,
		Critique: verdict.Critique,
	}, nil
}

// assemble renders the ordered sections into the requested format.
func (a *Agent) assemble(state workflow.State) string {
	if state.Format == "json" {
		type jsonSection struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		doc := struct {
			Title    string        `json:"title"`
			Format   string        `json:"format"`
			Sections []jsonSection `json:"sections"`
		}{Title: state.ReportTitle, Format: "json"}
		for _, id := range state.SectionOrder {
			s := state.Sections[id]
			doc.Sections = append(doc.Sections, jsonSection{ID: id, Title: s.Title, Content: s.Content})
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			a.logger.Error("report encoding failed", "error", err)
			return ""
		}
		return string(data)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", state.ReportTitle)
	for _, id := range state.SectionOrder {
		s := state.Sections[id]
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", s.Title, s.Content)
	}
	return b.String()
}
