// Package workflow implements the stage state machine that drives one
// research execution: typed stages dispatched through a registration table,
// a merge-biased shared state record, durable checkpoints after every
// transition, and suspend/resume gates for human review.
package workflow

import (
	"github.com/strataworks/analyst/retrieve"
)

// TaskSpec is one research sub-task within the plan.
type TaskSpec struct {
	TaskID      string   `json:"task_id"`
	Question    string   `json:"question"`
	DataSources []string `json:"data_sources,omitempty"` // "corpus", "web"
	Priority    string   `json:"priority,omitempty"`
}

// Finding is what one research task produced.
type Finding struct {
	TaskID     string   `json:"task_id"`
	Answer     string   `json:"answer"`
	Evidence   []string `json:"evidence,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	Confidence string   `json:"confidence,omitempty"`
	Gaps       string   `json:"gaps,omitempty"`

	// ForcedAccept is set when the finding exhausted its review retries and
	// was kept without approval.
	ForcedAccept bool `json:"forced_accept,omitempty"`
}

// Discoveries is the synthesis shown at the discovery-review gate.
type Discoveries struct {
	Summary        string   `json:"summary"`
	KeyDiscoveries []string `json:"key_discoveries,omitempty"`
	OpenQuestions  []string `json:"open_questions,omitempty"`
	FollowUps      []string `json:"follow_ups,omitempty"`
	NextSteps      []string `json:"next_steps,omitempty"`
}

// Section is one planned (and later written) report section.
type Section struct {
	SectionID    string `json:"section_id"`
	Title        string `json:"title"`
	Instructions string `json:"instructions,omitempty"`
	WordTarget   int    `json:"word_target,omitempty"`
	Content      string `json:"content,omitempty"`
	ForcedAccept bool   `json:"forced_accept,omitempty"`
}

// State is the shared record every stage reads and writes. Updates are
// merged, never replaced wholesale: a stage only touches the fields its
// Update names. Maps merge key-wise and lists append; the fields marked
// replace-on-write are overwritten when named.
type State struct {
	Query string `json:"query"`

	// Identity cached from memory so stages need not re-parse it.
	UserName    string `json:"user_name,omitempty"`
	UserRole    string `json:"user_role,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	Greeting    string `json:"greeting,omitempty"`

	Passages      []retrieve.Passage `json:"passages,omitempty"`       // append
	MemoryContext map[string]string  `json:"memory_context,omitempty"` // key-wise merge

	Plan         string     `json:"plan,omitempty"` // replace-on-write
	PlanApproved bool       `json:"plan_approved,omitempty"`
	Tasks        []TaskSpec `json:"tasks,omitempty"` // replace-on-write

	Findings    map[string]Finding `json:"findings,omitempty"` // key-wise merge
	Discoveries *Discoveries       `json:"discoveries,omitempty"`

	ReportTitle  string             `json:"report_title,omitempty"`
	Sections     map[string]Section `json:"sections,omitempty"` // key-wise merge
	SectionOrder []string           `json:"section_order,omitempty"`
	Draft        string             `json:"draft,omitempty"`  // replace-on-write
	Final        string             `json:"final,omitempty"`  // replace-on-write
	Format       string             `json:"format,omitempty"` // "markdown" or "json"

	// RoutingHint records the last gate response type.
	RoutingHint string `json:"routing_hint,omitempty"`

	// FollowUp carries a re-research direction from a gate back to the
	// research stage.
	FollowUp string `json:"follow_up,omitempty"`

	RetryRound int  `json:"retry_round,omitempty"`
	Cancelled  bool `json:"cancelled,omitempty"`

	Notes []string `json:"notes,omitempty"` // append
}

// Update is a partial state change. nil pointer and nil map/slice fields are
// untouched; list fields append and map fields merge, except Tasks and
// SectionOrder, which replace.
type Update struct {
	Query       *string
	UserName    *string
	UserRole    *string
	CompanyName *string
	Greeting    *string

	Passages      []retrieve.Passage
	MemoryContext map[string]string

	Plan         *string
	PlanApproved *bool
	Tasks        []TaskSpec

	Findings    map[string]Finding
	Discoveries *Discoveries

	ReportTitle  *string
	Sections     map[string]Section
	SectionOrder []string
	Draft        *string
	Final        *string
	Format       *string

	RoutingHint *string
	FollowUp    *string
	RetryRound  *int
	Cancelled   *bool

	Notes []string
}

// Apply merges an update into the state.
func (s *State) Apply(u Update) {
	setIf(&s.Query, u.Query)
	setIf(&s.UserName, u.UserName)
	setIf(&s.UserRole, u.UserRole)
	setIf(&s.CompanyName, u.CompanyName)
	setIf(&s.Greeting, u.Greeting)

	s.Passages = append(s.Passages, u.Passages...)
	if len(u.MemoryContext) > 0 {
		if s.MemoryContext == nil {
			s.MemoryContext = make(map[string]string, len(u.MemoryContext))
		}
		for k, v := range u.MemoryContext {
			s.MemoryContext[k] = v
		}
	}

	setIf(&s.Plan, u.Plan)
	setIf(&s.PlanApproved, u.PlanApproved)
	if u.Tasks != nil {
		s.Tasks = u.Tasks
	}

	if len(u.Findings) > 0 {
		if s.Findings == nil {
			s.Findings = make(map[string]Finding, len(u.Findings))
		}
		for k, v := range u.Findings {
			s.Findings[k] = v
		}
	}
	if u.Discoveries != nil {
		s.Discoveries = u.Discoveries
	}

	if len(u.Sections) > 0 {
		if s.Sections == nil {
			s.Sections = make(map[string]Section, len(u.Sections))
		}
		for k, v := range u.Sections {
			s.Sections[k] = v
		}
	}
	if u.SectionOrder != nil {
		s.SectionOrder = u.SectionOrder
	}
	setIf(&s.ReportTitle, u.ReportTitle)
	setIf(&s.Draft, u.Draft)
	setIf(&s.Final, u.Final)
	setIf(&s.Format, u.Format)

	setIf(&s.RoutingHint, u.RoutingHint)
	setIf(&s.FollowUp, u.FollowUp)
	setIf(&s.RetryRound, u.RetryRound)
	setIf(&s.Cancelled, u.Cancelled)

	s.Notes = append(s.Notes, u.Notes...)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Ptr returns a pointer to v, for building Updates.
func Ptr[T any](v T) *T { return &v }
