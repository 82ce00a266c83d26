package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approveAll(_ context.Context, task Task[string], _ string) (Verdict, error) {
	return Verdict{TaskID: task.ID, Approved: true}, nil
}

func rejectAll(_ context.Context, task Task[string], _ string) (Verdict, error) {
	return Verdict{TaskID: task.ID, Approved: false, Critique: "not good enough"}, nil
}

func echoWorker(_ context.Context, task Task[string]) (string, error) {
	return "result:" + task.Input, nil
}

func TestDispatchAllApproved(t *testing.T) {
	tasks := []Task[string]{
		{ID: "t1", Input: "a"},
		{ID: "t2", Input: "b"},
		{ID: "t3", Input: "c"},
	}

	results, err := Dispatch(context.Background(), tasks, echoWorker, approveAll, Options{MaxRetries: 2})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "result:b", results["t2"].Value)
	assert.Equal(t, 1, results["t2"].Attempts)
	assert.False(t, results["t2"].ForcedAccept)
}

func TestDispatchTerminationAlwaysReject(t *testing.T) {
	// With max_retries = k and a reviewer that always rejects, Dispatch
	// terminates after exactly k+1 rounds with every task force-accepted.
	const k = 3
	var invocations atomic.Int32
	worker := func(_ context.Context, task Task[string]) (string, error) {
		invocations.Add(1)
		return "r:" + task.Input, nil
	}

	tasks := []Task[string]{{ID: "t1", Input: "a"}, {ID: "t2", Input: "b"}}
	results, err := Dispatch(context.Background(), tasks, worker, rejectAll, Options{MaxRetries: k})
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.True(t, r.ForcedAccept)
		assert.Equal(t, k+1, r.Attempts)
		assert.Equal(t, "not good enough", r.Critique)
	}
	assert.Equal(t, int32(2*(k+1)), invocations.Load())
}

func TestDispatchMixedScenario(t *testing.T) {
	// t1 approved first try, t2 rejected once then approved, t3 rejected
	// until max_retries=2 is exhausted. Exactly 1+2+3=6 worker invocations.
	var invocations atomic.Int32
	worker := func(_ context.Context, task Task[string]) (string, error) {
		invocations.Add(1)
		return task.Input, nil
	}
	reviewer := func(_ context.Context, task Task[string], _ string) (Verdict, error) {
		switch task.ID {
		case "t1":
			return Verdict{TaskID: "t1", Approved: true}, nil
		case "t2":
			return Verdict{TaskID: "t2", Approved: task.RetryCount >= 1, Critique: "dig deeper"}, nil
		default:
			return Verdict{TaskID: "t3", Approved: false, Critique: "never satisfied"}, nil
		}
	}

	tasks := []Task[string]{
		{ID: "t1", Input: "a"},
		{ID: "t2", Input: "b"},
		{ID: "t3", Input: "c"},
	}
	results, err := Dispatch(context.Background(), tasks, worker, reviewer, Options{MaxRetries: 2})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.False(t, results["t1"].ForcedAccept)
	assert.Equal(t, 1, results["t1"].Attempts)

	assert.False(t, results["t2"].ForcedAccept)
	assert.Equal(t, 2, results["t2"].Attempts)

	assert.True(t, results["t3"].ForcedAccept)
	assert.Equal(t, 3, results["t3"].Attempts)
	assert.Equal(t, "never satisfied", results["t3"].Critique)

	assert.Equal(t, int32(6), invocations.Load())
}

func TestDispatchWorkerErrorAutoRejected(t *testing.T) {
	attempts := map[string]int{}
	worker := func(_ context.Context, task Task[string]) (string, error) {
		attempts[task.ID]++
		if task.ID == "t1" && attempts["t1"] == 1 {
			return "", errors.New("boom")
		}
		return "ok", nil
	}
	// Reviewer sees the retried task with the auto-rejection critique.
	var sawCritique string
	reviewer := func(_ context.Context, task Task[string], _ string) (Verdict, error) {
		if task.ID == "t1" && task.RetryCount == 1 {
			sawCritique = task.Critique
		}
		return Verdict{TaskID: task.ID, Approved: true}, nil
	}

	results, err := Dispatch(context.Background(),
		[]Task[string]{{ID: "t1", Input: "a"}}, worker, reviewer, Options{MaxRetries: 2})
	require.NoError(t, err)
	assert.Equal(t, "ok", results["t1"].Value)
	assert.Equal(t, 2, results["t1"].Attempts)
	assert.Equal(t, workerFailedCritique, sawCritique)
}

func TestDispatchWorkerTimeoutAutoRejected(t *testing.T) {
	worker := func(ctx context.Context, task Task[string]) (string, error) {
		if task.RetryCount == 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
				return "too slow", nil
			}
		}
		return "fast", nil
	}

	results, err := Dispatch(context.Background(),
		[]Task[string]{{ID: "t1", Input: "a"}}, worker, approveAll,
		Options{MaxRetries: 1, WorkerTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, "fast", results["t1"].Value)
	assert.False(t, results["t1"].ForcedAccept)
}

func TestDispatchCritiqueFoldedIntoRetry(t *testing.T) {
	var critiques []string
	worker := func(_ context.Context, task Task[string]) (string, error) {
		if task.Critique != "" {
			critiques = append(critiques, task.Critique)
		}
		return task.Input, nil
	}
	reviewer := func(_ context.Context, task Task[string], _ string) (Verdict, error) {
		return Verdict{TaskID: task.ID, Approved: task.RetryCount > 0, Critique: "add sources"}, nil
	}

	_, err := Dispatch(context.Background(),
		[]Task[string]{{ID: "t1", Input: "a"}}, worker, reviewer, Options{MaxRetries: 2})
	require.NoError(t, err)
	require.Len(t, critiques, 1)
	assert.True(t, strings.Contains(critiques[0], "add sources"))
}

func TestDispatchRespectsConcurrencyLimit(t *testing.T) {
	var active, peak atomic.Int32
	worker := func(_ context.Context, task Task[string]) (string, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		active.Add(-1)
		return task.Input, nil
	}

	tasks := make([]Task[string], 8)
	for i := range tasks {
		tasks[i] = Task[string]{ID: string(rune('a' + i)), Input: "x"}
	}
	_, err := Dispatch(context.Background(), tasks, worker, approveAll,
		Options{MaxRetries: 0, MaxConcurrent: 2})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestDispatchCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := Dispatch(ctx,
		[]Task[string]{{ID: "t1", Input: "a"}}, echoWorker, approveAll, Options{MaxRetries: 1})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}
