package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResponseType classifies a human response to a suspension.
type ResponseType string

const (
	ResponseAccept  ResponseType = "accept"
	ResponseEdit    ResponseType = "edit"
	ResponseRespond ResponseType = "respond"
	ResponseIgnore  ResponseType = "ignore"
)

// SuspensionRequest is what the engine hands to the human when a gate
// suspends. It is checkpointed with the execution so a restart re-presents
// the same request.
type SuspensionRequest struct {
	RequestID        string         `json:"request_id"`
	Action           string         `json:"action"`
	Args             map[string]any `json:"args,omitempty"`
	AllowedResponses []ResponseType `json:"allowed_responses"`
	Description      string         `json:"description"`
}

// NewSuspensionRequest builds a request with a fresh ID.
func NewSuspensionRequest(action string, args map[string]any, allowed []ResponseType, description string) *SuspensionRequest {
	return &SuspensionRequest{
		RequestID:        uuid.New().String(),
		Action:           action,
		Args:             args,
		AllowedResponses: allowed,
		Description:      description,
	}
}

// Allows reports whether the response type is permitted for this request.
func (r *SuspensionRequest) Allows(t ResponseType) bool {
	for _, a := range r.AllowedResponses {
		if a == t {
			return true
		}
	}
	return false
}

// ResumeResponse is the human's answer to a suspension. Payload carries the
// edit or free-text content, JSON-encoded.
type ResumeResponse struct {
	Type    ResponseType    `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Text decodes the payload as a string. A payload that is not a JSON string
// is returned verbatim.
func (r *ResumeResponse) Text() string {
	if len(r.Payload) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Payload, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.Payload))
}

// TextResponse builds a respond-type answer from free text.
func TextResponse(t ResponseType, text string) ResumeResponse {
	payload, _ := json.Marshal(text)
	return ResumeResponse{Type: t, Payload: payload}
}

// EditResponse builds an edit-type answer from any JSON-encodable value.
func EditResponse(v any) (ResumeResponse, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return ResumeResponse{}, fmt.Errorf("encode edit payload: %w", err)
	}
	return ResumeResponse{Type: ResponseEdit, Payload: payload}, nil
}
