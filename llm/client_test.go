package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider speaks a trivial JSON dialect for tests.
type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string                { return f.name }
func (f *fakeProvider) BuildURL(base string) string { return base }
func (f *fakeProvider) SetHeaders(_ *http.Request)  {}

func (f *fakeProvider) BuildRequestBody(model string, messages []Message, _ *float64, _ int) ([]byte, error) {
	return json.Marshal(map[string]any{"model": model, "messages": messages})
}

func (f *fakeProvider) ParseResponse(body []byte, model string) (*Response, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, NewFatalError(err)
	}
	return &Response{Content: out.Content, Model: model}, nil
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}
}

func TestClient_Complete(t *testing.T) {
	RegisterProvider(&fakeProvider{name: "fake"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"content": "hello"}`)
	}))
	defer srv.Close()

	c := NewClient(map[string][]Endpoint{
		"utility": {{Provider: "fake", Model: "m1", BaseURL: srv.URL}},
	}, WithRetryConfig(fastRetry()))

	resp, err := c.Complete(context.Background(), Request{
		Role:     "utility",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "m1", resp.Model)
}

func TestClient_RetriesTransientThenSucceeds(t *testing.T) {
	RegisterProvider(&fakeProvider{name: "fake"})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"content": "eventually"}`)
	}))
	defer srv.Close()

	c := NewClient(map[string][]Endpoint{
		"utility": {{Provider: "fake", Model: "m1", BaseURL: srv.URL}},
	}, WithRetryConfig(fastRetry()))

	resp, err := c.Complete(context.Background(), Request{
		Role:     "utility",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "eventually", resp.Content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_FatalErrorNotRetried(t *testing.T) {
	RegisterProvider(&fakeProvider{name: "fake"})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(map[string][]Endpoint{
		"utility": {{Provider: "fake", Model: "m1", BaseURL: srv.URL}},
	}, WithRetryConfig(fastRetry()))

	_, err := c.Complete(context.Background(), Request{
		Role:     "utility",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_FallsBackAcrossEndpoints(t *testing.T) {
	RegisterProvider(&fakeProvider{name: "fake"})

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"content": "fallback"}`)
	}))
	defer good.Close()

	c := NewClient(map[string][]Endpoint{
		"planning": {
			{Provider: "fake", Model: "primary", BaseURL: bad.URL},
			{Provider: "fake", Model: "secondary", BaseURL: good.URL},
		},
	}, WithRetryConfig(RetryConfig{MaxAttempts: 1, BackoffBase: time.Millisecond, BackoffMultiplier: 1, MaxBackoff: time.Millisecond}))

	resp, err := c.Complete(context.Background(), Request{
		Role:     "planning",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Content)
	assert.Equal(t, "secondary", resp.Model)
}

func TestClient_UnknownRoleFallsBackToUtility(t *testing.T) {
	RegisterProvider(&fakeProvider{name: "fake"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"content": "ok"}`)
	}))
	defer srv.Close()

	c := NewClient(map[string][]Endpoint{
		"utility": {{Provider: "fake", Model: "m1", BaseURL: srv.URL}},
	}, WithRetryConfig(fastRetry()))

	resp, err := c.Complete(context.Background(), Request{
		Role:     "nonexistent",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}

func TestClient_Structured(t *testing.T) {
	RegisterProvider(&fakeProvider{name: "fake"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "{\"content\": \"```json\\n{\\\"answer\\\": \\\"42\\\"}\\n```\"}")
	}))
	defer srv.Close()

	c := NewClient(map[string][]Endpoint{
		"utility": {{Provider: "fake", Model: "m1", BaseURL: srv.URL}},
	}, WithRetryConfig(fastRetry()))

	var out struct {
		Answer string `json:"answer"`
	}
	err := c.Structured(context.Background(), Request{
		Role:     "utility",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "42", out.Answer)
}

func TestClient_StructuredGivesUpAfterRetries(t *testing.T) {
	RegisterProvider(&fakeProvider{name: "fake"})

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"content": "I refuse to emit JSON."}`)
	}))
	defer srv.Close()

	c := NewClient(map[string][]Endpoint{
		"utility": {{Provider: "fake", Model: "m1", BaseURL: srv.URL}},
	}, WithRetryConfig(fastRetry()))

	var out map[string]any
	err := c.Structured(context.Background(), Request{
		Role:     "utility",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, &out)
	require.ErrorIs(t, err, ErrNoStructuredOutput)
	assert.Equal(t, int32(structuredAttempts), calls.Load())
}
