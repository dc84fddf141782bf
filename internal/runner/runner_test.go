package runner_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/common"
	"github.com/fedora-packager/hubclient/internal/runner"
)

type collectingSink struct {
	mu      sync.Mutex
	results []runner.Result
}

func (s *collectingSink) Deliver(r runner.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *collectingSink) Results() []runner.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]runner.Result(nil), s.results...)
}

func TestGoDoesNotBlockCaller(t *testing.T) {
	sink := &collectingSink{}
	logger, _ := test.NewNullLogger()
	r := runner.New(1, sink, logger)

	release := make(chan struct{})
	h := r.Go(context.Background(), "build", func(ctx context.Context, progress runner.Progress) runner.Result {
		progress("waiting")
		<-release
		return runner.Result{Status: runner.StatusSuccess, TaskID: 4711}
	})

	select {
	case <-h.Done():
		t.Fatal("task finished before it was released")
	default:
	}
	assert.Empty(t, sink.Results())

	close(release)
	res := h.Wait()
	assert.Equal(t, runner.StatusSuccess, res.Status)
	assert.Equal(t, 4711, res.TaskID)
	assert.Equal(t, "build", res.Operation)
	assert.Equal(t, h.OperationID, res.OperationID)
	assert.Len(t, res.OperationID, 27)
	assert.False(t, res.Finished.Before(res.Started))

	r.Wait()
	require.Len(t, sink.Results(), 1)
}

func TestWorkerBound(t *testing.T) {
	sink := &collectingSink{}
	r := runner.New(2, sink, nil)

	var running, peak int32
	for i := 0; i < 6; i++ {
		r.Go(context.Background(), "poll", func(ctx context.Context, progress runner.Progress) runner.Result {
			now := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return runner.Result{Status: runner.StatusSuccess}
		})
	}
	r.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Len(t, sink.Results(), 6, "every result is delivered exactly once")
}

func TestCancel(t *testing.T) {
	sink := &collectingSink{}
	r := runner.New(1, sink, nil)

	started := make(chan struct{})
	h := r.Go(context.Background(), "wait-repo", func(ctx context.Context, progress runner.Progress) runner.Result {
		close(started)
		<-ctx.Done()
		return runner.Failed(clienterrors.Cancelled("wait-repo", ctx.Err()))
	})
	<-started

	// queued behind the first task, cancelled before it gets a worker
	queued := r.Go(context.Background(), "build", func(ctx context.Context, progress runner.Progress) runner.Result {
		t.Error("cancelled task must not run")
		return runner.Result{}
	})
	queued.Cancel()
	assert.Equal(t, runner.StatusCancelled, queued.Wait().Status)

	h.Cancel()
	res := h.Wait()
	assert.Equal(t, runner.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, clienterrors.ErrCancelled)

	r.Wait()
	assert.Len(t, sink.Results(), 2)
}

func TestOperationIDInContext(t *testing.T) {
	r := runner.New(1, nil, nil)
	var seen string
	h := r.Go(context.Background(), "login", func(ctx context.Context, progress runner.Progress) runner.Result {
		seen = common.OperationID(ctx)
		return runner.Result{Status: runner.StatusSuccess}
	})
	h.Wait()
	assert.Equal(t, h.OperationID, seen)
}

func TestFailedNormalizesCancellation(t *testing.T) {
	assert.Equal(t, runner.StatusFailed, runner.Failed(errors.New("boom")).Status)
	assert.Equal(t, runner.StatusCancelled, runner.Failed(clienterrors.Cancelled("x", context.Canceled)).Status)

	r := runner.New(1, nil, nil)
	h := r.Go(context.Background(), "update", func(ctx context.Context, progress runner.Progress) runner.Result {
		return runner.Result{Status: runner.StatusFailed, Err: clienterrors.Cancelled("update", nil)}
	})
	assert.Equal(t, runner.StatusCancelled, h.Wait().Status)
}

func TestSinkFunc(t *testing.T) {
	var got []runner.Status
	var mu sync.Mutex
	sink := runner.SinkFunc(func(r runner.Result) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r.Status)
	})
	r := runner.New(1, sink, nil)
	r.Go(context.Background(), "build", func(ctx context.Context, progress runner.Progress) runner.Result {
		return runner.Result{Status: runner.StatusAlreadyExists, TaskID: 1}
	})
	r.Wait()
	assert.Equal(t, []runner.Status{runner.StatusAlreadyExists}, got)
}
