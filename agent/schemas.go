package agent

import (
	"fmt"
	"strings"
)

// researchPlan is the structured shape the planner model returns.
type researchPlan struct {
	Title       string     `json:"title"`
	Objective   string     `json:"objective"`
	Tasks       []planTask `json:"tasks"`
	Deliverable string     `json:"deliverable,omitempty"`
	Frameworks  []string   `json:"frameworks,omitempty"`
}

type planTask struct {
	Question    string   `json:"question"`
	DataSources []string `json:"data_sources,omitempty"`
	Priority    string   `json:"priority,omitempty"`
}

// render produces the human-reviewable plan document.
func (p researchPlan) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(p.Title))
	if p.Objective != "" {
		fmt.Fprintf(&b, "**Objective:** %s\n\n", p.Objective)
	}
	b.WriteString("## Research Tasks\n\n")
	for i, t := range p.Tasks {
		fmt.Fprintf(&b, "%d. %s", i+1, t.Question)
		if len(t.DataSources) > 0 {
			fmt.Fprintf(&b, " _(sources: %s)_", strings.Join(t.DataSources, ", "))
		}
		b.WriteString("\n")
	}
	if p.Deliverable != "" {
		fmt.Fprintf(&b, "\n**Deliverable:** %s\n", p.Deliverable)
	}
	if len(p.Frameworks) > 0 {
		fmt.Fprintf(&b, "**Frameworks:** %s\n", strings.Join(p.Frameworks, ", "))
	}
	return b.String()
}

// findingResult is the structured shape a research task agent returns.
type findingResult struct {
	Answer     string   `json:"answer"`
	Evidence   []string `json:"evidence,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	Confidence string   `json:"confidence,omitempty"`
	Gaps       string   `json:"gaps,omitempty"`
}

// reviewVerdict is the structured shape a supervisor reviewer returns.
type reviewVerdict struct {
	Approved bool   `json:"approved"`
	Critique string `json:"critique,omitempty"`
}

// reportStructure is the structured shape the report structurer returns.
type reportStructure struct {
	Title    string           `json:"title"`
	Sections []plannedSection `json:"sections"`
}

type plannedSection struct {
	Title        string `json:"title"`
	Instructions string `json:"instructions,omitempty"`
	WordTarget   int    `json:"word_target,omitempty"`
}

// sectionDraft is the structured shape a section writer returns.
type sectionDraft struct {
	Content string `json:"content"`
}
