package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/strataworks/analyst/dispatch"
	"github.com/strataworks/analyst/llm"
	"github.com/strataworks/analyst/retrieve"
	"github.com/strataworks/analyst/workflow"
)

// research fans the open tasks out to task agents under supervisor review,
// then synthesizes all findings into discoveries. Tasks that already have a
// finding are not re-run; a gate follow-up becomes one new sub-task.
func (a *Agent) research(ctx context.Context, ex *workflow.Execution, _ *workflow.ResumeResponse) (workflow.Outcome, error) {
	specs := ex.State.Tasks
	var batch []dispatch.Task[workflow.TaskSpec]
	for _, t := range specs {
		if _, done := ex.State.Findings[t.TaskID]; done {
			continue
		}
		batch = append(batch, dispatch.Task[workflow.TaskSpec]{ID: t.TaskID, Input: t})
	}

	var taskUpdate []workflow.TaskSpec
	if followUp := strings.TrimSpace(ex.State.FollowUp); followUp != "" {
		spec := workflow.TaskSpec{
			TaskID:      fmt.Sprintf("followup-%d", countFollowUps(specs)+1),
			Question:    followUp,
			DataSources: []string{"corpus"},
		}
		batch = append(batch, dispatch.Task[workflow.TaskSpec]{ID: spec.TaskID, Input: spec})
		taskUpdate = append(append([]workflow.TaskSpec{}, specs...), spec)
	}

	results, err := dispatch.Dispatch(ctx, batch, a.researchWorker, a.reviewFinding, dispatch.Options{
		MaxRetries:    a.cfg.MaxTaskRetries,
		MaxConcurrent: a.cfg.MaxConcurrent,
		WorkerTimeout: a.cfg.WorkerTimeout,
		Logger:        a.logger,
	})
	if err != nil {
		return workflow.Outcome{}, err
	}

	findings := make(map[string]workflow.Finding, len(results))
	for id, r := range results {
		f := r.Value
		f.TaskID = id
		f.ForcedAccept = r.ForcedAccept
		if f.Answer == "" {
			f.Answer = "No answer produced."
			f.Gaps = r.Critique
		}
		findings[id] = f
	}

	discoveries, err := a.synthesize(ctx, ex.State, findings)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("synthesize discoveries: %w", err)
	}

	update := workflow.Update{
		Findings:    findings,
		Discoveries: discoveries,
		FollowUp:    workflow.Ptr(""),
		RoutingHint: workflow.Ptr(""),
	}
	if taskUpdate != nil {
		update.Tasks = taskUpdate
	}
	return workflow.Goto(workflow.StageDiscoveryGate, update), nil
}

// researchWorker answers one task question from retrieved passages.
func (a *Agent) researchWorker(ctx context.Context, task dispatch.Task[workflow.TaskSpec]) (workflow.Finding, error) {
	passages, err := a.gatherPassages(ctx, task.Input)
	if err != nil {
		return workflow.Finding{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", task.Input.Question)
	if task.Critique != "" {
		fmt.Fprintf(&b, "\nYour previous attempt was rejected: %s\nAddress the critique.\n", task.Critique)
	}
	if len(passages) == 0 {
		b.WriteString("\nNo passages were found; say so and answer from the question alone.\n")
	} else {
		b.WriteString("\nPassages:\n")
		for _, p := range passages {
			fmt.Fprintf(&b, "--- source: %s\n%s\n", p.Source, truncate(p.Content, 2000))
		}
	}

	var result findingResult
	err = a.gen.Structured(ctx, llm.Request{
		Role: roleResearch,
		Messages: []llm.Message{
			{Role: "system", Content: taskAgentSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	}, &result)
	if err != nil {
		return workflow.Finding{}, err
	}

	sources := result.Sources
	for _, p := range passages {
		sources = appendUnique(sources, p.Source)
	}
	return workflow.Finding{
		TaskID:     task.Input.TaskID,
		Answer:     result.Answer,
		Evidence:   result.Evidence,
		Sources:    sources,
		Confidence: result.Confidence,
		Gaps:       result.Gaps,
	}, nil
}

// gatherPassages retrieves from the corpus and, when the task asks for it
// and a web retriever is wired, from the web. A failed web fetch degrades to
// corpus-only.
func (a *Agent) gatherPassages(ctx context.Context, spec workflow.TaskSpec) ([]retrieve.Passage, error) {
	passages, err := a.corpus.Retrieve(ctx, spec.Question, a.cfg.TopK, nil)
	if err != nil {
		return nil, fmt.Errorf("corpus retrieval: %w", err)
	}

	if a.web != nil && wantsWeb(spec) {
		webPassages, err := a.web.Retrieve(ctx, spec.Question, a.cfg.TopK, nil)
		if err != nil {
			a.logger.Warn("web retrieval failed",
				"task_id", spec.TaskID, "error", err)
		} else {
			passages = append(passages, webPassages...)
		}
	}
	return passages, nil
}

func wantsWeb(spec workflow.TaskSpec) bool {
	for _, s := range spec.DataSources {
		if strings.EqualFold(s, "web") {
			return true
		}
	}
	return false
}

// reviewFinding is the supervisor verdict over one finding.
func (a *Agent) reviewFinding(ctx context.Context, task dispatch.Task[workflow.TaskSpec], f workflow.Finding) (dispatch.Verdict, error) {
	var verdict reviewVerdict
	err := a.gen.Structured(ctx, llm.Request{
		Role: roleResearch,
		Messages: []llm.Message{
			{Role: "system", Content: findingReviewSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(
				"Question: %s\n\nAnswer: %s\n\nEvidence:\n%s\n\nConfidence: %s",
				task.Input.Question, f.Answer,
				strings.Join(f.Evidence, "\n"), f.Confidence)},
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

// synthesize condenses every finding, old and new, into discoveries.
func (a *Agent) synthesize(ctx context.Context, state workflow.State, fresh map[string]workflow.Finding) (*workflow.Discoveries, error) {
	merged := make(map[string]workflow.Finding, len(state.Findings)+len(fresh))
	for id, f := range state.Findings {
		merged[id] = f
	}
	for id, f := range fresh {
		merged[id] = f
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Research request: %s\n\nFindings:\n", state.Query)
	b.WriteString(digestFindings(merged))

	var d workflow.Discoveries
	err := a.gen.Structured(ctx, llm.Request{
		Role: roleResearch,
		Messages: []llm.Message{
			{Role: "system", Content: synthesisSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	}, &d)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// digestFindings renders findings deterministically, ordered by task ID.
func digestFindings(findings map[string]workflow.Finding) string {
	ids := make([]string, 0, len(findings))
	for id := range findings {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		f := findings[id]
		fmt.Fprintf(&b, "[%s] %s", id, f.Answer)
		if f.ForcedAccept {
			b.WriteString(" (unreviewed)")
		}
		if f.Gaps != "" {
			fmt.Fprintf(&b, " Gaps: %s", f.Gaps)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func findingsDigest(s workflow.State) string {
	return digestFindings(s.Findings)
}

func countFollowUps(tasks []workflow.TaskSpec) int {
	n := 0
	for _, t := range tasks {
		if strings.HasPrefix(t.TaskID, "followup-") {
			n++
		}
	}
	return n
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
