package batch

import (
	"context"
	"sort"
	"sync"

	"dcmmove/dcm4chee"
	"dcmmove/uid"
)

// StudyMover issues one move call against the archive.
// *dcm4chee.Client implements it.
type StudyMover interface {
	MoveStudy(ctx context.Context, bearer string, req dcm4chee.MoveRequest) (*dcm4chee.Response, error)
}

// TokenSource yields bearer tokens for move calls. *auth.Manager
// implements it.
type TokenSource interface {
	Get(ctx context.Context, forceRefresh bool) (string, error)
	Static() bool
}

// Options tunes one Dispatch run.
type Options struct {
	// Concurrency is the worker pool size; values below 1 run a
	// single worker.
	Concurrency int

	// GenerateUID supplies a target StudyInstanceUID for tasks that
	// lack one. Defaults to uid.NewStudyUID with the default org root.
	// It must not block or share state across calls.
	GenerateUID func() string

	// Progress, when set, is invoked once per completed task. Calls
	// are serialized, so it may write to a shared sink directly.
	Progress func(Result)
}

// Dispatch drains the task list through a fixed-size worker pool and
// returns one Result per task, sorted by row index regardless of
// completion order. Tasks are independent: a row's failure, including
// a token refresh failure, never aborts its siblings. Nothing is
// retried except a single forced-refresh repeat of a move that came
// back 401 on a non-static token.
func Dispatch(ctx context.Context, tasks []Task, mover StudyMover, tokens TokenSource, opts Options) []Result {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	gen := opts.GenerateUID
	if gen == nil {
		gen = func() string { return uid.NewStudyUID("") }
	}

	// Every task gets its target study UID before any worker starts,
	// so the pool only ever sees fully-formed requests.
	for i := range tasks {
		if tasks[i].TargetStudyUID == "" {
			tasks[i].TargetStudyUID = gen()
		}
	}

	taskCh := make(chan Task)
	results := make([]Result, 0, len(tasks))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < opts.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range taskCh {
				res := runTask(ctx, t, mover, tokens)

				mu.Lock()
				results = append(results, res)
				if opts.Progress != nil {
					opts.Progress(res)
				}
				mu.Unlock()
			}
		}()
	}

	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Row < results[j].Row })
	return results
}

// runTask executes one move with the single 401 retry. Every failure
// mode is converted into the row's Result; nothing propagates out.
func runTask(ctx context.Context, t Task, mover StudyMover, tokens TokenSource) Result {
	res := Result{
		Row:             t.Row,
		SourceStudyUID:  t.SourceStudyUID,
		TargetStudyUID:  t.TargetStudyUID,
		TargetPatientID: t.TargetPatientID,
		Issuer:          t.Issuer,
	}

	fail := func(err error) Result {
		res.Status = StatusError
		res.Err = err.Error()
		return res
	}

	if t.Issuer == "" {
		res.Status = StatusError
		res.Err = "IssuerOfPatientID is required (provide a column value or -default-issuer)"
		return res
	}

	bearer, err := tokens.Get(ctx, false)
	if err != nil {
		return fail(err)
	}

	req := dcm4chee.MoveRequest{
		SourceStudyUID:  t.SourceStudyUID,
		TargetStudyUID:  t.TargetStudyUID,
		TargetPatientID: t.TargetPatientID,
		IssuerOfPatient: t.Issuer,
	}

	resp, err := mover.MoveStudy(ctx, bearer, req)
	if err != nil {
		return fail(err)
	}

	// One forced refresh and one retry on 401; a static token cannot
	// be refreshed, so its 401 stands.
	if resp.StatusCode == 401 && !tokens.Static() {
		bearer, err = tokens.Get(ctx, true)
		if err != nil {
			return fail(err)
		}
		resp, err = mover.MoveStudy(ctx, bearer, req)
		if err != nil {
			return fail(err)
		}
	}

	res.HTTPStatus = resp.StatusCode
	if resp.OK() {
		res.Status = StatusOK
	} else {
		res.Status = StatusError
		res.Err = resp.Body.ErrorMessage()
	}
	return res
}
