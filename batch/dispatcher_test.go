package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dcmmove/dcm4chee"
)

// fakeTokens is a TokenSource whose forced refresh yields a fresh
// token value, so tests can see which token a retry used.
type fakeTokens struct {
	static bool
	err    error

	mu     sync.Mutex
	gets   int
	forced int
}

func (f *fakeTokens) Get(_ context.Context, force bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.gets++
	if force {
		f.forced++
		return "fresh-token", nil
	}
	return "stale-token", nil
}

func (f *fakeTokens) Static() bool { return f.static }

// fakeMover answers each row's attempts from a scripted status list and
// records every call.
type fakeMover struct {
	// statuses[row] holds the HTTP statuses for that row's successive
	// attempts; the last entry repeats if exhausted.
	statuses map[int][]int
	body     dcm4chee.Body
	err      error
	delay    func(row int) time.Duration

	mu       sync.Mutex
	attempts map[string]int // keyed by source UID
	bearers  []string
}

func newFakeMover(statuses map[int][]int) *fakeMover {
	return &fakeMover{statuses: statuses, attempts: make(map[string]int)}
}

func (f *fakeMover) MoveStudy(_ context.Context, bearer string, req dcm4chee.MoveRequest) (*dcm4chee.Response, error) {
	f.mu.Lock()
	n := f.attempts[req.SourceStudyUID]
	f.attempts[req.SourceStudyUID] = n + 1
	f.bearers = append(f.bearers, bearer)
	row := rowOf(req.SourceStudyUID)
	f.mu.Unlock()

	if f.delay != nil {
		time.Sleep(f.delay(row))
	}
	if f.err != nil {
		return nil, f.err
	}

	script := f.statuses[row]
	if len(script) == 0 {
		script = []int{202}
	}
	idx := n
	if idx >= len(script) {
		idx = len(script) - 1
	}
	return &dcm4chee.Response{StatusCode: script[idx], Body: f.body}, nil
}

// Tests encode the row index into the source UID as "1.2.<row>".
func srcUID(row int) string { return fmt.Sprintf("1.2.%d", row) }

func rowOf(src string) int {
	var row int
	fmt.Sscanf(src, "1.2.%d", &row)
	return row
}

func makeTasks(n int) []Task {
	tasks := make([]Task, 0, n)
	for i := 1; i <= n; i++ {
		tasks = append(tasks, Task{
			Row:             i,
			SourceStudyUID:  srcUID(i),
			TargetPatientID: fmt.Sprintf("P%d", i),
			Issuer:          "JMS",
			TargetStudyUID:  fmt.Sprintf("9.9.%d", i),
		})
	}
	return tasks
}

func TestDispatchRetriesOnceOn401(t *testing.T) {
	mover := newFakeMover(map[int][]int{1: {401, 202}})
	tokens := &fakeTokens{}

	results := Dispatch(context.Background(), makeTasks(1), mover, tokens, Options{})

	require.Len(t, results, 1)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, 202, results[0].HTTPStatus)
	assert.Equal(t, 2, mover.attempts[srcUID(1)])
	assert.Equal(t, 1, tokens.forced)
	// The retry must carry the refreshed token.
	assert.Equal(t, []string{"stale-token", "fresh-token"}, mover.bearers)
}

func TestDispatchPersistent401FailsAfterTwoAttempts(t *testing.T) {
	mover := newFakeMover(map[int][]int{1: {401, 401}})
	tokens := &fakeTokens{}

	results := Dispatch(context.Background(), makeTasks(1), mover, tokens, Options{})

	require.Len(t, results, 1)
	assert.Equal(t, StatusError, results[0].Status)
	assert.Equal(t, 401, results[0].HTTPStatus)
	// No third attempt regardless of outcome.
	assert.Equal(t, 2, mover.attempts[srcUID(1)])
}

func TestDispatchStaticToken401IsNotRetried(t *testing.T) {
	mover := newFakeMover(map[int][]int{1: {401}})
	tokens := &fakeTokens{static: true}

	results := Dispatch(context.Background(), makeTasks(1), mover, tokens, Options{})

	require.Len(t, results, 1)
	assert.Equal(t, StatusError, results[0].Status)
	assert.Equal(t, 401, results[0].HTTPStatus)
	assert.Equal(t, 1, mover.attempts[srcUID(1)])
	assert.Equal(t, 0, tokens.forced)
}

func TestDispatchReportOrderIsRowOrder(t *testing.T) {
	const n = 12
	tasks := makeTasks(n)

	for _, workers := range []int{1, 8} {
		mover := newFakeMover(nil)
		// Later rows finish first so completion order inverts row order.
		mover.delay = func(row int) time.Duration {
			return time.Duration(n-row) * 2 * time.Millisecond
		}

		results := Dispatch(context.Background(), tasks, mover, &fakeTokens{}, Options{Concurrency: workers})

		require.Len(t, results, n, "concurrency=%d", workers)
		for i, r := range results {
			assert.Equal(t, i+1, r.Row, "concurrency=%d", workers)
			assert.Equal(t, StatusOK, r.Status)
		}
	}
}

func TestDispatchUnresolvedIssuerFailsWithoutNetworkCall(t *testing.T) {
	mover := newFakeMover(nil)
	tasks := makeTasks(2)
	tasks[1].Issuer = ""

	results := Dispatch(context.Background(), tasks, mover, &fakeTokens{}, Options{})

	require.Len(t, results, 2)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, StatusError, results[1].Status)
	assert.Zero(t, results[1].HTTPStatus)
	assert.Contains(t, results[1].Err, "IssuerOfPatientID is required")
	assert.Equal(t, 0, mover.attempts[srcUID(2)])
}

func TestDispatchFillsMissingTargetUIDs(t *testing.T) {
	tasks := makeTasks(3)
	tasks[1].TargetStudyUID = ""

	var mu sync.Mutex
	generated := 0
	gen := func() string {
		mu.Lock()
		defer mu.Unlock()
		generated++
		return fmt.Sprintf("7.7.%d", generated)
	}

	results := Dispatch(context.Background(), tasks, newFakeMover(nil), &fakeTokens{}, Options{GenerateUID: gen})

	require.Len(t, results, 3)
	assert.Equal(t, "9.9.1", results[0].TargetStudyUID)
	assert.Equal(t, "7.7.1", results[1].TargetStudyUID)
	assert.Equal(t, "9.9.3", results[2].TargetStudyUID)
	assert.Equal(t, 1, generated)
}

func TestDispatchDefaultUIDGenerator(t *testing.T) {
	tasks := makeTasks(1)
	tasks[0].TargetStudyUID = ""

	results := Dispatch(context.Background(), tasks, newFakeMover(nil), &fakeTokens{}, Options{})

	require.Len(t, results, 1)
	assert.Regexp(t, `^1\.3\.6\.1\.4\.1\.62860\.[0-9]+$`, results[0].TargetStudyUID)
}

func TestDispatchErrorMessageFromStructuredBody(t *testing.T) {
	mover := newFakeMover(map[int][]int{1: {409}})
	mover.body = dcm4chee.Body{
		Fields: map[string]any{"errorMessage": "Patient not found"},
		Raw:    `{"errorMessage":"Patient not found"}`,
	}

	results := Dispatch(context.Background(), makeTasks(1), mover, &fakeTokens{}, Options{})

	require.Len(t, results, 1)
	assert.Equal(t, StatusError, results[0].Status)
	assert.Equal(t, 409, results[0].HTTPStatus)
	assert.Equal(t, "Patient not found", results[0].Err)
}

func TestDispatchErrorMessageFromRawBody(t *testing.T) {
	mover := newFakeMover(map[int][]int{1: {500}})
	mover.body = dcm4chee.Body{Raw: "internal archive failure"}

	results := Dispatch(context.Background(), makeTasks(1), mover, &fakeTokens{}, Options{})

	require.Len(t, results, 1)
	assert.Equal(t, "internal archive failure", results[0].Err)
}

func TestDispatchTransportErrorIsScopedToItsRow(t *testing.T) {
	okMover := newFakeMover(nil)
	failing := &splitMover{failRow: 2, ok: okMover}

	results := Dispatch(context.Background(), makeTasks(3), failing, &fakeTokens{}, Options{Concurrency: 3})

	require.Len(t, results, 3)
	assert.Equal(t, StatusOK, results[0].Status)
	assert.Equal(t, StatusError, results[1].Status)
	assert.Contains(t, results[1].Err, "connection refused")
	assert.Equal(t, StatusOK, results[2].Status)
}

// splitMover fails one row with a transport error and delegates the rest.
type splitMover struct {
	failRow int
	ok      *fakeMover
}

func (s *splitMover) MoveStudy(ctx context.Context, bearer string, req dcm4chee.MoveRequest) (*dcm4chee.Response, error) {
	if rowOf(req.SourceStudyUID) == s.failRow {
		return nil, errors.New("dial tcp: connection refused")
	}
	return s.ok.MoveStudy(ctx, bearer, req)
}

func TestDispatchTokenErrorBecomesRowError(t *testing.T) {
	mover := newFakeMover(nil)
	tokens := &fakeTokens{err: errors.New("token refresh failed: HTTP 500")}

	results := Dispatch(context.Background(), makeTasks(2), mover, tokens, Options{})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StatusError, r.Status)
		assert.Contains(t, r.Err, "token refresh failed")
	}
	assert.Empty(t, mover.attempts)
}

func TestDispatchProgressSeesEveryResult(t *testing.T) {
	var mu sync.Mutex
	seen := map[int]bool{}

	Dispatch(context.Background(), makeTasks(5), newFakeMover(nil), &fakeTokens{}, Options{
		Concurrency: 4,
		Progress: func(r Result) {
			mu.Lock()
			seen[r.Row] = true
			mu.Unlock()
		},
	})

	assert.Len(t, seen, 5)
}

func TestSummarize(t *testing.T) {
	results := []Result{
		{Status: StatusOK},
		{Status: StatusError},
		{Status: StatusOK},
	}
	s := Summarize(results)
	assert.Equal(t, Summary{OK: 2, Error: 1, Total: 3}, s)
}
