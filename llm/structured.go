package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// structuredAttempts is how many completions to try before giving up on a
// structured shape. A model declining to produce the shape is retryable.
const structuredAttempts = 3

// Structured requests a completion and unmarshals the JSON object in the
// response into out. Responses that contain no parseable object are retried
// with the parse failure appended as feedback; after structuredAttempts
// failures the call returns ErrNoStructuredOutput.
func (c *Client) Structured(ctx context.Context, req Request, out any) error {
	messages := req.Messages
	var lastErr error

	for attempt := 1; attempt <= structuredAttempts; attempt++ {
		attemptReq := req
		attemptReq.Messages = messages

		resp, err := c.Complete(ctx, attemptReq)
		if err != nil {
			return err
		}

		raw := ExtractJSON(resp.Content)
		if raw == "" {
			lastErr = fmt.Errorf("no JSON object in response")
		} else if err := json.Unmarshal([]byte(raw), out); err != nil {
			lastErr = fmt.Errorf("unmarshal structured response: %w", err)
		} else {
			return nil
		}

		c.logger.Debug("structured output parse failed",
			"attempt", attempt,
			"error", lastErr)

		messages = append(messages,
			Message{Role: "assistant", Content: resp.Content},
			Message{Role: "user", Content: fmt.Sprintf(
				"Your previous response could not be parsed (%v). Respond again with only a valid JSON object.", lastErr)},
		)
	}

	return fmt.Errorf("%w: %v", ErrNoStructuredOutput, lastErr)
}
