package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strataworks/analyst/checkpoint"
	"github.com/strataworks/analyst/llm"
	"github.com/strataworks/analyst/memory"
	"github.com/strataworks/analyst/report"
	"github.com/strataworks/analyst/retrieve"
	"github.com/strataworks/analyst/workflow"
)

// scriptedGen plays the reasoning collaborator for the whole pipeline,
// keyed on each prompt's system message.
type scriptedGen struct {
	mu         sync.Mutex
	reconciles int

	// rejectOnce holds task questions whose first finding review is rejected.
	rejectOnce map[string]bool
}

func (g *scriptedGen) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	if strings.Contains(req.Messages[0].Content, "answer a reviewer's question") {
		return &llm.Response{Content: "Inline answer from the findings."}, nil
	}
	return &llm.Response{Content: "ok"}, nil
}

func (g *scriptedGen) Structured(_ context.Context, req llm.Request, out any) error {
	system := req.Messages[0].Content
	user := req.Messages[len(req.Messages)-1].Content

	var v any
	switch {
	case strings.Contains(system, "strategic research planner"):
		v = researchPlan{
			Title:     "Market Entry",
			Objective: "Assess entry options",
			Tasks: []planTask{
				{Question: "What is the market size?", DataSources: []string{"corpus"}},
				{Question: "Who are the competitors?", DataSources: []string{"corpus"}},
			},
			Deliverable: "strategy brief",
		}

	case strings.Contains(system, "research analyst answering"):
		question := ""
		for _, line := range strings.Split(user, "\n") {
			if strings.HasPrefix(line, "Question: ") {
				question = strings.TrimPrefix(line, "Question: ")
				break
			}
		}
		v = findingResult{
			Answer:     "Answer: " + question,
			Evidence:   []string{"supporting passage"},
			Confidence: "high",
		}

	case strings.Contains(system, "review one research finding"):
		verdict := reviewVerdict{Approved: true}
		g.mu.Lock()
		for q := range g.rejectOnce {
			if strings.Contains(user, q) {
				delete(g.rejectOnce, q)
				verdict = reviewVerdict{Approved: false, Critique: "needs more evidence"}
				break
			}
		}
		g.mu.Unlock()
		v = verdict

	case strings.Contains(system, "synthesize a set of research findings"):
		v = workflow.Discoveries{
			Summary:        "The market is attractive but contested.",
			KeyDiscoveries: []string{"large market", "two dominant competitors"},
		}

	case strings.Contains(system, "plan the structure"):
		v = reportStructure{
			Title: "Market Entry Report",
			Sections: []plannedSection{
				{Title: "Executive Summary", Instructions: "summarize", WordTarget: 100},
				{Title: "Competitive Landscape", Instructions: "analyze competitors", WordTarget: 200},
			},
		}

	case strings.Contains(system, "write one section"):
		v = sectionDraft{Content: "Prose for the section."}

	case strings.Contains(system, "review one report section"):
		v = reviewVerdict{Approved: true}

	case strings.Contains(system, "long-term memory document"):
		g.mu.Lock()
		g.reconciles++
		g.mu.Unlock()
		current := currentDoc(system)
		v = map[string]string{
			"chain_of_thought": "noted",
			"updated_content":  current + "\n- " + firstLine(user) + "\n",
		}

	default:
		return fmt.Errorf("unscripted prompt: %.60s", system)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (g *scriptedGen) reconcileCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reconciles
}

// currentDoc pulls the existing memory document out of the reconciliation
// prompt, between the --- markers.
func currentDoc(system string) string {
	start := strings.Index(system, "---\n")
	if start < 0 {
		return ""
	}
	rest := system[start+4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return rest
	}
	return rest[:end]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

type fixture struct {
	gen       *scriptedGen
	store     *memory.MemStore
	mem       *memory.Manager
	persister *report.MemPersister
	engine    *workflow.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gen := &scriptedGen{rejectOnce: map[string]bool{}}
	store := memory.NewMemStore()
	mem := memory.NewManager(store, gen, nil)

	idx := retrieve.NewMemIndex()
	require.NoError(t, idx.Add(context.Background(), &retrieve.Document{
		ID:      "doc-1",
		Title:   "Market Notes",
		Source:  "notes/market.md",
		Content: "The market size reached $4B last year.\n\nTwo competitors dominate the segment.",
	}))

	persister := report.NewMemPersister(idx)
	a := New(gen, mem, retrieve.NewCorpusRetriever(idx), nil, persister, Config{
		MaxTaskRetries:    2,
		MaxSectionRetries: 2,
		MaxConcurrent:     4,
		WorkerTimeout:     time.Minute,
		TopK:              3,
	}, nil)

	return &fixture{
		gen:       gen,
		store:     store,
		mem:       mem,
		persister: persister,
		engine:    a.BuildEngine(checkpoint.NewMemStore()),
	}
}

func mustSuspend(t *testing.T, err error, action string) *workflow.SuspendedError {
	t.Helper()
	se, ok := workflow.Suspended(err)
	require.True(t, ok, "expected suspension, got %v", err)
	require.Equal(t, action, se.Request.Action)
	return se
}

func accept() workflow.ResumeResponse {
	return workflow.ResumeResponse{Type: workflow.ResponseAccept}
}

func TestPipelineHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)
	assert.NotEmpty(t, ex.State.Plan)
	require.Len(t, ex.State.Tasks, 2)
	assert.Equal(t, "t1", ex.State.Tasks[0].TaskID)

	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewDiscoveries)
	require.Len(t, ex.State.Findings, 2)
	assert.Contains(t, ex.State.Findings["t1"].Answer, "market size")
	require.NotNil(t, ex.State.Discoveries)
	assert.True(t, ex.State.PlanApproved)

	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewReport)
	assert.Contains(t, ex.State.Draft, "# Market Entry Report")
	assert.Contains(t, ex.State.Draft, "## Executive Summary")
	require.Len(t, ex.State.Sections, 2)

	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseDone, ex.Phase)
	assert.Equal(t, ex.State.Draft, ex.State.Final)

	require.Len(t, f.persister.Artifacts, 1)
	artifact := f.persister.Artifacts[0]
	assert.Equal(t, "Market Entry Report", artifact.Title)
	assert.Equal(t, "user-1", artifact.UserID)
	assert.Equal(t, "The market is attractive but contested.", artifact.Summary)

	// Three gate acceptances plus the episodic save.
	assert.Equal(t, 4, f.gen.reconcileCount())

	episodes, err := f.store.Get(ctx, memory.EpisodicNS("user-1"), memory.KeyEpisodes)
	require.NoError(t, err)
	assert.Contains(t, episodes, "market entry strategy")
}

func TestPlanGateEditKeepsHumanTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)

	edit, err := workflow.EditResponse([]workflow.TaskSpec{
		{Question: "Focus only on regulatory risk"},
	})
	require.NoError(t, err)

	ex, err = f.engine.Resume(ctx, ex.ID, edit)
	mustSuspend(t, err, actionReviewPlan)
	require.Len(t, ex.State.Tasks, 1)
	assert.Equal(t, "Focus only on regulatory risk", ex.State.Tasks[0].Question)
	assert.Equal(t, "t1", ex.State.Tasks[0].TaskID)
}

func TestPlanGateRespondReplans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)

	ex, err = f.engine.Resume(ctx, ex.ID,
		workflow.TextResponse(workflow.ResponseRespond, "add a pricing angle"))
	mustSuspend(t, err, actionReviewPlan)
	assert.Empty(t, ex.State.FollowUp, "feedback consumed by the planner")
	assert.NotEmpty(t, ex.State.Plan)
}

func TestPlanGateIgnoreCloses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)

	ex, err = f.engine.Resume(ctx, ex.ID, workflow.ResumeResponse{Type: workflow.ResponseIgnore})
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseDone, ex.Phase)
	assert.Empty(t, f.persister.Artifacts, "nothing persisted on ignore")
}

func TestDiscoveryGateRespondAddsFollowUpTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewDiscoveries)

	ex, err = f.engine.Resume(ctx, ex.ID,
		workflow.TextResponse(workflow.ResponseRespond, "What about distribution channels?"))
	mustSuspend(t, err, actionReviewDiscoveries)

	require.Len(t, ex.State.Tasks, 3, "follow-up appended to the task list")
	require.Contains(t, ex.State.Findings, "followup-1")
	assert.Contains(t, ex.State.Findings["followup-1"].Answer, "distribution channels")
	assert.Len(t, ex.State.Findings, 3, "earlier findings kept")
}

func TestFinalGateFormatSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewDiscoveries)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewReport)

	ex, err = f.engine.Resume(ctx, ex.ID,
		workflow.TextResponse(workflow.ResponseRespond, "format: json"))
	mustSuspend(t, err, actionReviewReport)

	assert.Equal(t, "json", ex.State.Format)
	var doc struct {
		Title    string `json:"title"`
		Sections []struct {
			ID string `json:"id"`
		} `json:"sections"`
	}
	require.NoError(t, json.Unmarshal([]byte(ex.State.Draft), &doc))
	assert.Equal(t, "Market Entry Report", doc.Title)
	assert.Len(t, doc.Sections, 2)
}

func TestFinalGateSectionEdit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewDiscoveries)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewReport)

	edit, err := workflow.EditResponse(map[string]string{"s1": "My own summary."})
	require.NoError(t, err)
	ex, err = f.engine.Resume(ctx, ex.ID, edit)
	mustSuspend(t, err, actionReviewReport)

	assert.Equal(t, "My own summary.", ex.State.Sections["s1"].Content)
	assert.Contains(t, ex.State.Draft, "My own summary.")
	assert.Contains(t, ex.State.Draft, "Prose for the section.", "untouched section kept")
}

func TestFinalGateReResearchPrefix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewDiscoveries)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewReport)

	ex, err = f.engine.Resume(ctx, ex.ID,
		workflow.TextResponse(workflow.ResponseRespond, "re-research: check churn rates"))
	mustSuspend(t, err, actionReviewDiscoveries)
	require.Contains(t, ex.State.Findings, "followup-1")
	assert.Contains(t, ex.State.Findings["followup-1"].Answer, "churn rates")
}

func TestFinalGatePlainQuestionAnsweredInline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewDiscoveries)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewReport)

	_, err = f.engine.Resume(ctx, ex.ID,
		workflow.TextResponse(workflow.ResponseRespond, "Which source backs the size estimate?"))
	se := mustSuspend(t, err, actionReviewDiscoveries)
	assert.Equal(t, "Inline answer from the findings.", se.Request.Args["answer"])
}

func TestResearchRetriesRejectedFinding(t *testing.T) {
	f := newFixture(t)
	f.gen.rejectOnce["What is the market size?"] = true
	ctx := context.Background()

	ex, err := f.engine.Start(ctx, "user-1", "market entry strategy", "")
	mustSuspend(t, err, actionReviewPlan)
	ex, err = f.engine.Resume(ctx, ex.ID, accept())
	mustSuspend(t, err, actionReviewDiscoveries)

	require.Len(t, ex.State.Findings, 2)
	assert.False(t, ex.State.Findings["t1"].ForcedAccept,
		"rejected once then approved, not forced")
}

func TestProfileField(t *testing.T) {
	doc := "# User Profile\n\n## Identity\nName: Dana\nRole: unknown\n"
	assert.Equal(t, "Dana", profileField(doc, "Name:"))
	assert.Equal(t, "", profileField(doc, "Role:"))
	assert.Equal(t, "", profileField(doc, "Company:"))
}
