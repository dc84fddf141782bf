// Package runner executes long running client operations (logins,
// submissions, waits) on a bounded set of background workers and hands
// every outcome to a Sink.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/common"
	"github.com/fedora-packager/hubclient/internal/prometheus"
)

func getStatusMapping() []string {
	return []string{"success", "already-exists", "failed", "cancelled"}
}

type Status int

const (
	StatusSuccess Status = iota
	StatusAlreadyExists
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	mapping := getStatusMapping()
	if int(s) < 0 || int(s) >= len(mapping) {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return mapping[s]
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Result is the terminal outcome of one task.
type Result struct {
	Operation   string    `json:"operation"`
	OperationID string    `json:"operation_id"`
	Status      Status    `json:"status"`
	TaskID      int       `json:"task_id,omitempty"`
	UpdateName  string    `json:"update,omitempty"`
	Repo        int       `json:"repo_id,omitempty"`
	Message     string    `json:"message,omitempty"`
	Err         error     `json:"-"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

func Failed(err error) Result {
	if errors.Is(err, clienterrors.ErrCancelled) {
		return Result{Status: StatusCancelled, Err: err}
	}
	return Result{Status: StatusFailed, Err: err}
}

// Progress receives human readable progress messages.
type Progress func(msg string)

type TaskFunc func(ctx context.Context, progress Progress) Result

// Sink receives each result exactly once. Deliver is called from the
// worker goroutine.
type Sink interface {
	Deliver(Result)
}

type SinkFunc func(Result)

func (f SinkFunc) Deliver(r Result) {
	f(r)
}

type Runner struct {
	sem  *semaphore.Weighted
	sink Sink
	log  *logrus.Logger
	wg   sync.WaitGroup
}

// New returns a runner executing at most workers tasks at a time.
func New(workers int64, sink Sink, logger *logrus.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if sink == nil {
		sink = SinkFunc(func(Result) {})
	}
	return &Runner{
		sem:  semaphore.NewWeighted(workers),
		sink: sink,
		log:  logger,
	}
}

type Handle struct {
	OperationID string
	Operation   string

	cancel context.CancelFunc
	done   chan struct{}
	result Result
}

// Cancel asks the task to stop. The result is still delivered.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the task finished and returns its result.
func (h *Handle) Wait() Result {
	<-h.done
	return h.result
}

// Go starts task in the background. It never blocks the caller.
func (r *Runner) Go(ctx context.Context, op string, task TaskFunc) *Handle {
	oid := common.GenerateOperationID()
	ctx, cancel := context.WithCancel(common.WithOperationID(ctx, oid))
	h := &Handle{
		OperationID: oid,
		Operation:   op,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	logger := r.log.WithFields(logrus.Fields{"operation": op, "operation_id": oid})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		var res Result
		if err := r.sem.Acquire(ctx, 1); err != nil {
			res = Failed(clienterrors.Cancelled(op, err))
			res.Started = time.Now()
		} else {
			res = r.run(ctx, op, task, logger)
			r.sem.Release(1)
		}
		res.Operation = op
		res.OperationID = oid
		res.Finished = time.Now()

		entry := logger.WithField("status", res.Status.String())
		switch res.Status {
		case StatusFailed:
			entry.WithError(res.Err).Error("task failed")
		case StatusCancelled:
			entry.Info("task cancelled")
		default:
			entry.WithField("task_id", res.TaskID).Info("task finished")
		}

		h.result = res
		r.sink.Deliver(res)
		close(h.done)
	}()

	return h
}

func (r *Runner) run(ctx context.Context, op string, task TaskFunc, logger *logrus.Entry) Result {
	started := time.Now()
	prometheus.StartTaskMetrics(op)
	logger.Debug("task started")

	res := task(ctx, func(msg string) {
		logger.Debug(msg)
	})
	if res.Status == StatusFailed && errors.Is(res.Err, clienterrors.ErrCancelled) {
		res.Status = StatusCancelled
	}
	res.Started = started
	prometheus.FinishTaskMetrics(started, op, res.Status.String())
	return res
}

// Wait blocks until all started tasks have delivered their results.
func (r *Runner) Wait() {
	r.wg.Wait()
}
