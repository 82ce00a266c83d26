package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/strataworks/analyst/llm"
	"github.com/strataworks/analyst/workflow"
)

// Gate actions, surfaced in suspension requests.
const (
	actionReviewPlan        = "review_plan"
	actionReviewDiscoveries = "review_discoveries"
	actionReviewReport      = "review_report"
)

// answerNotePrefix marks a state note carrying an inline answer for the
// discovery gate.
const answerNotePrefix = "answer: "

// planGate suspends for plan review. accept starts research, edit and
// respond loop back to the planner, ignore ends the execution.
func (a *Agent) planGate(ctx context.Context, ex *workflow.Execution, resume *workflow.ResumeResponse) (workflow.Outcome, error) {
	if resume == nil {
		return workflow.Suspend(workflow.NewSuspensionRequest(actionReviewPlan,
			map[string]any{
				"greeting": ex.State.Greeting,
				"plan":     ex.State.Plan,
				"tasks":    ex.State.Tasks,
			},
			[]workflow.ResponseType{
				workflow.ResponseAccept, workflow.ResponseEdit,
				workflow.ResponseRespond, workflow.ResponseIgnore,
			},
			"Review the research plan before research begins.")), nil
	}

	switch resume.Type {
	case workflow.ResponseAccept:
		a.noteInteraction(ctx, ex.UserID,
			fmt.Sprintf("User accepted the research plan for %q without changes.", ex.State.Query),
			"plan accepted")
		return workflow.Goto(workflow.StageResearch, workflow.Update{
			PlanApproved: workflow.Ptr(true),
			RoutingHint:  workflow.Ptr(string(workflow.ResponseAccept)),
		}), nil

	case workflow.ResponseEdit:
		tasks, err := decodeTaskEdit(resume.Payload)
		if err != nil {
			return workflow.Outcome{}, &workflow.ValidationError{
				Reason: fmt.Sprintf("edit payload: %v", err),
			}
		}
		a.noteInteraction(ctx, ex.UserID,
			fmt.Sprintf("User rewrote the research task list for %q: %s",
				ex.State.Query, summarizeTasks(tasks)),
			"plan edited")
		return workflow.Goto(workflow.StagePlanner, workflow.Update{
			Tasks:       tasks,
			RoutingHint: workflow.Ptr(string(workflow.ResponseEdit)),
		}), nil

	case workflow.ResponseRespond:
		feedback := resume.Text()
		a.noteInteraction(ctx, ex.UserID,
			"User feedback on the research plan: "+feedback,
			"plan feedback")
		return workflow.Goto(workflow.StagePlanner, workflow.Update{
			FollowUp:    workflow.Ptr(feedback),
			RoutingHint: workflow.Ptr(string(workflow.ResponseRespond)),
		}), nil

	default: // ignore
		return workflow.Terminal(workflow.Update{
			Notes: []string{"plan review ignored, execution closed"},
		}), nil
	}
}

// discoveryGate suspends for discovery review. accept moves to reporting,
// respond dispatches the reviewer's question as a new research sub-task.
func (a *Agent) discoveryGate(ctx context.Context, ex *workflow.Execution, resume *workflow.ResumeResponse) (workflow.Outcome, error) {
	if resume == nil {
		args := map[string]any{
			"discoveries":   ex.State.Discoveries,
			"forced_tasks":  forcedTaskIDs(ex.State),
			"finding_count": len(ex.State.Findings),
		}
		if answer := lastAnswer(ex.State); answer != "" {
			args["answer"] = answer
		}
		return workflow.Suspend(workflow.NewSuspensionRequest(actionReviewDiscoveries,
			args,
			[]workflow.ResponseType{
				workflow.ResponseAccept, workflow.ResponseRespond, workflow.ResponseIgnore,
			},
			"Review the research discoveries before the report is written.")), nil
	}

	switch resume.Type {
	case workflow.ResponseAccept:
		a.noteInteraction(ctx, ex.UserID,
			"User accepted the research discoveries and moved to reporting.",
			"discoveries accepted")
		return workflow.Goto(workflow.StageReport, workflow.Update{
			RoutingHint: workflow.Ptr(string(workflow.ResponseAccept)),
		}), nil

	case workflow.ResponseRespond:
		question := resume.Text()
		a.noteInteraction(ctx, ex.UserID,
			"User asked for additional research: "+question,
			"discovery follow-up")
		return workflow.Goto(workflow.StageResearch, workflow.Update{
			FollowUp:    workflow.Ptr(question),
			RoutingHint: workflow.Ptr(string(workflow.ResponseRespond)),
		}), nil

	default: // ignore
		return workflow.Terminal(workflow.Update{
			Notes: []string{"discovery review ignored, execution closed"},
		}), nil
	}
}

// finalGate suspends for final report review. respond supports command
// prefixes that reopen earlier phases; anything else is answered inline and
// routed back to the discovery gate.
func (a *Agent) finalGate(ctx context.Context, ex *workflow.Execution, resume *workflow.ResumeResponse) (workflow.Outcome, error) {
	if resume == nil {
		return workflow.Suspend(workflow.NewSuspensionRequest(actionReviewReport,
			map[string]any{
				"draft":  ex.State.Draft,
				"format": ex.State.Format,
			},
			[]workflow.ResponseType{
				workflow.ResponseAccept, workflow.ResponseEdit,
				workflow.ResponseRespond, workflow.ResponseIgnore,
			},
			"Review the final report. Respond with re-research:, re-plan:, or format: to reopen a phase.")), nil
	}

	switch resume.Type {
	case workflow.ResponseAccept:
		a.noteInteraction(ctx, ex.UserID,
			"User accepted the final report as delivered.",
			"report accepted")
		return workflow.Goto(workflow.StageSaver, workflow.Update{
			Final:       workflow.Ptr(ex.State.Draft),
			RoutingHint: workflow.Ptr(string(workflow.ResponseAccept)),
		}), nil

	case workflow.ResponseEdit:
		return a.applyReportEdit(ctx, ex, resume)

	case workflow.ResponseRespond:
		return a.routeFinalRespond(ctx, ex, resume.Text())

	default: // ignore
		return workflow.Terminal(workflow.Update{
			Notes: []string{"final review ignored, execution closed"},
		}), nil
	}
}

// applyReportEdit folds a human edit into the report. A JSON object payload
// edits sections by ID; a plain text payload replaces the whole draft.
func (a *Agent) applyReportEdit(ctx context.Context, ex *workflow.Execution, resume *workflow.ResumeResponse) (workflow.Outcome, error) {
	if edits, ok := decodeSectionEdit(resume.Payload); ok {
		updated := make(map[string]workflow.Section, len(edits))
		for id, content := range edits {
			section, exists := ex.State.Sections[id]
			if !exists {
				return workflow.Outcome{}, &workflow.ValidationError{
					Reason: fmt.Sprintf("edit names unknown section %q", id),
				}
			}
			section.Content = content
			section.ForcedAccept = false
			updated[id] = section
		}
		a.noteInteraction(ctx, ex.UserID,
			fmt.Sprintf("User hand-edited %d report section(s).", len(updated)),
			"report edited")
		return workflow.Goto(workflow.StageReport, workflow.Update{
			Sections:    updated,
			RoutingHint: workflow.Ptr(string(workflow.ResponseEdit)),
		}), nil
	}

	draft := resume.Text()
	if strings.TrimSpace(draft) == "" {
		return workflow.Outcome{}, &workflow.ValidationError{Reason: "empty edit payload"}
	}
	a.noteInteraction(ctx, ex.UserID,
		"User replaced the report draft with their own text.",
		"report rewritten")
	return workflow.Goto(workflow.StageReport, workflow.Update{
		Draft:       workflow.Ptr(draft),
		RoutingHint: workflow.Ptr("edit-draft"),
	}), nil
}

// routeFinalRespond parses the command prefix of a final-gate response.
func (a *Agent) routeFinalRespond(ctx context.Context, ex *workflow.Execution, text string) (workflow.Outcome, error) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	switch {
	case strings.HasPrefix(lower, "re-research:"):
		question := strings.TrimSpace(trimmed[len("re-research:"):])
		a.noteInteraction(ctx, ex.UserID,
			"User reopened research from the final report: "+question,
			"report follow-up research")
		return workflow.Goto(workflow.StageResearch, workflow.Update{
			FollowUp:    workflow.Ptr(question),
			RoutingHint: workflow.Ptr(string(workflow.ResponseRespond)),
		}), nil

	case strings.HasPrefix(lower, "re-plan:"):
		feedback := strings.TrimSpace(trimmed[len("re-plan:"):])
		a.noteInteraction(ctx, ex.UserID,
			"User reopened planning from the final report: "+feedback,
			"report re-plan")
		return workflow.Goto(workflow.StagePlanner, workflow.Update{
			FollowUp:    workflow.Ptr(feedback),
			RoutingHint: workflow.Ptr(string(workflow.ResponseRespond)),
		}), nil

	case strings.HasPrefix(lower, "format:"):
		format := strings.TrimSpace(lower[len("format:"):])
		if format != "json" {
			format = "markdown"
		}
		a.noteInteraction(ctx, ex.UserID,
			"User switched the report format to "+format+".",
			"report format change")
		return workflow.Goto(workflow.StageReport, workflow.Update{
			Format:      workflow.Ptr(format),
			RoutingHint: workflow.Ptr("format"),
		}), nil

	default:
		// No command: answer the question from the findings and drop back to
		// the discovery gate with the answer attached.
		answer := a.answerInline(ctx, ex, trimmed)
		a.noteInteraction(ctx, ex.UserID,
			"User asked about the report: "+trimmed,
			"report question")
		return workflow.Goto(workflow.StageDiscoveryGate, workflow.Update{
			Notes:       []string{answerNotePrefix + answer},
			RoutingHint: workflow.Ptr("answered"),
		}), nil
	}
}

// answerInline answers a reviewer question from the accumulated findings.
// Failure degrades to an apology rather than blocking the gate.
func (a *Agent) answerInline(ctx context.Context, ex *workflow.Execution, question string) string {
	resp, err := a.gen.Complete(ctx, llm.Request{
		Role: roleResearch,
		Messages: []llm.Message{
			{Role: "system", Content: inlineAnswerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Findings:\n%s\n\nQuestion: %s",
				findingsDigest(ex.State), question)},
		},
	})
	if err != nil {
		a.logger.Warn("inline answer failed", "error", err)
		return "I could not produce an answer; the findings are attached for review."
	}
	return strings.TrimSpace(resp.Content)
}

// decodeTaskEdit accepts either a bare task array or {"tasks": [...]}.
func decodeTaskEdit(payload json.RawMessage) ([]workflow.TaskSpec, error) {
	var tasks []workflow.TaskSpec
	if err := json.Unmarshal(payload, &tasks); err == nil && len(tasks) > 0 {
		return renumberEdited(tasks), nil
	}
	var wrapped struct {
		Tasks []workflow.TaskSpec `json:"tasks"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("expected a task list: %w", err)
	}
	if len(wrapped.Tasks) == 0 {
		return nil, fmt.Errorf("edited task list is empty")
	}
	return renumberEdited(wrapped.Tasks), nil
}

func renumberEdited(tasks []workflow.TaskSpec) []workflow.TaskSpec {
	for i := range tasks {
		if tasks[i].TaskID == "" {
			tasks[i].TaskID = fmt.Sprintf("t%d", i+1)
		}
		if len(tasks[i].DataSources) == 0 {
			tasks[i].DataSources = []string{"corpus"}
		}
	}
	return tasks
}

// decodeSectionEdit reports whether the payload is a section_id -> content
// object.
func decodeSectionEdit(payload json.RawMessage) (map[string]string, bool) {
	var edits map[string]string
	if err := json.Unmarshal(payload, &edits); err != nil || len(edits) == 0 {
		return nil, false
	}
	return edits, true
}

func summarizeTasks(tasks []workflow.TaskSpec) string {
	questions := make([]string, 0, len(tasks))
	for _, t := range tasks {
		questions = append(questions, t.Question)
	}
	return strings.Join(questions, "; ")
}

func forcedTaskIDs(s workflow.State) []string {
	var ids []string
	for id, f := range s.Findings {
		if f.ForcedAccept {
			ids = append(ids, id)
		}
	}
	return ids
}

func lastAnswer(s workflow.State) string {
	for i := len(s.Notes) - 1; i >= 0; i-- {
		if strings.HasPrefix(s.Notes[i], answerNotePrefix) {
			return strings.TrimPrefix(s.Notes[i], answerNotePrefix)
		}
	}
	return ""
}
