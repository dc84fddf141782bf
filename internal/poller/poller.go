// Package poller waits for server side state changes: a regenerated build
// repository or a finished hub task.
//
// A wait sleeps Interval between two queries, in steps of Tick, so that a
// cancellation is noticed within one Tick. There is no overall deadline.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/common"
	"github.com/fedora-packager/hubclient/internal/model"
	"github.com/fedora-packager/hubclient/internal/prometheus"
	"github.com/fedora-packager/hubclient/internal/runner"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultTick     = 10 * time.Second
)

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

type RepoSource interface {
	GetRepo(ctx context.Context, tag string) (*model.RepoInfo, error)
}

type TaskSource interface {
	GetTaskInfo(ctx context.Context, taskID int) (*model.TaskInfo, error)
}

type Outcome int

const (
	// Changed means the repository was regenerated or the task finished.
	Changed Outcome = iota
	Cancelled
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Changed:
		return "changed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("unknown(%d)", int(o))
}

type RepoResult struct {
	Outcome  Outcome
	Baseline *model.RepoInfo
	Current  *model.RepoInfo
	// Polls counts the queries after the baseline.
	Polls int
	Err   error
}

type TaskResult struct {
	Outcome Outcome
	Task    *model.TaskInfo
	Polls   int
	Err     error
}

type Options struct {
	Interval time.Duration
	Tick     time.Duration
	Clock    Clock
	Logger   *logrus.Logger
}

type Poller struct {
	interval time.Duration
	tick     time.Duration
	clock    Clock
	log      *logrus.Logger
}

func New(opts Options) *Poller {
	p := &Poller{
		interval: opts.Interval,
		tick:     opts.Tick,
		clock:    opts.Clock,
		log:      opts.Logger,
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.tick <= 0 || p.tick > p.interval {
		p.tick = min(DefaultTick, p.interval)
	}
	if p.clock == nil {
		p.clock = realClock{}
	}
	if p.log == nil {
		p.log = logrus.StandardLogger()
	}
	return p
}

// sleep waits one interval. It returns false as soon as ctx is done.
func (p *Poller) sleep(ctx context.Context) bool {
	for remaining := p.interval; remaining > 0; remaining -= p.tick {
		if ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.clock.After(min(p.tick, remaining)):
		}
	}
	return ctx.Err() == nil
}

func isCancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, clienterrors.ErrCancelled)
}

func sameRepo(a, b *model.RepoInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// WaitForRepo returns once the current repository of tag differs from the
// one found when the wait started.
func (p *Poller) WaitForRepo(ctx context.Context, src RepoSource, tag string, progress runner.Progress) (res RepoResult) {
	const op = "wait for repo"
	logger := common.LogEntry(ctx, p.log).WithField("tag", tag)
	if progress == nil {
		progress = func(string) {}
	}
	started := p.clock.Now()
	defer func() {
		prometheus.ObservePoll("repo", res.Outcome.String(), p.clock.Now().Sub(started).Seconds())
	}()

	if ctx.Err() != nil {
		return RepoResult{Outcome: Cancelled, Err: clienterrors.Cancelled(op, ctx.Err())}
	}
	baseline, err := src.GetRepo(ctx, tag)
	if err != nil {
		if isCancelled(ctx, err) {
			return RepoResult{Outcome: Cancelled, Err: clienterrors.Cancelled(op, err)}
		}
		logger.WithError(err).Error("cannot fetch the current repository")
		return RepoResult{Outcome: Failed, Err: err}
	}
	if baseline != nil {
		progress(fmt.Sprintf("waiting for a newer repository than %d of %s", baseline.ID, tag))
	} else {
		progress(fmt.Sprintf("waiting for a repository of %s", tag))
	}

	res = RepoResult{Baseline: baseline}
	for {
		if !p.sleep(ctx) {
			res.Outcome, res.Err = Cancelled, clienterrors.Cancelled(op, ctx.Err())
			return res
		}

		current, err := src.GetRepo(ctx, tag)
		res.Polls++
		if isCancelled(ctx, err) {
			res.Outcome, res.Err = Cancelled, clienterrors.Cancelled(op, ctx.Err())
			return res
		}
		if err != nil {
			logger.WithError(err).Error("cannot fetch the current repository")
			res.Outcome, res.Err = Failed, err
			return res
		}
		if !sameRepo(baseline, current) {
			res.Outcome, res.Current = Changed, current
			logger.WithField("polls", res.Polls).Info("repository regenerated")
			return res
		}
		progress(fmt.Sprintf("repository of %s unchanged after %d checks", tag, res.Polls))
	}
}

// WaitForTask returns once the task reached a terminal state.
func (p *Poller) WaitForTask(ctx context.Context, src TaskSource, taskID int, progress runner.Progress) (res TaskResult) {
	const op = "wait for task"
	logger := common.LogEntry(ctx, p.log).WithField("task_id", taskID)
	if progress == nil {
		progress = func(string) {}
	}
	started := p.clock.Now()
	defer func() {
		prometheus.ObservePoll("task", res.Outcome.String(), p.clock.Now().Sub(started).Seconds())
	}()

	for {
		if ctx.Err() != nil {
			res.Outcome, res.Err = Cancelled, clienterrors.Cancelled(op, ctx.Err())
			return res
		}
		task, err := src.GetTaskInfo(ctx, taskID)
		if isCancelled(ctx, err) {
			res.Outcome, res.Err = Cancelled, clienterrors.Cancelled(op, ctx.Err())
			return res
		}
		if err != nil {
			logger.WithError(err).Error("cannot fetch the task")
			res.Outcome, res.Err = Failed, err
			return res
		}
		res.Task = task
		if task.State.Terminal() {
			res.Outcome = Changed
			logger.WithField("state", task.State.String()).Info("task finished")
			return res
		}
		progress(fmt.Sprintf("task %d is %s", taskID, task.State))

		if !p.sleep(ctx) {
			res.Outcome, res.Err = Cancelled, clienterrors.Cancelled(op, ctx.Err())
			return res
		}
		res.Polls++
	}
}

// RepoTask runs WaitForRepo as a background task.
func (p *Poller) RepoTask(src RepoSource, tag string) runner.TaskFunc {
	return func(ctx context.Context, progress runner.Progress) runner.Result {
		res := p.WaitForRepo(ctx, src, tag, progress)
		if res.Outcome != Changed {
			return runner.Failed(res.Err)
		}
		r := runner.Result{Status: runner.StatusSuccess, Message: fmt.Sprintf("repository of %s regenerated", tag)}
		if res.Current != nil {
			r.Repo = res.Current.ID
		}
		return r
	}
}

// TaskTask runs WaitForTask as a background task. A task that ended in
// any state but CLOSED is a failure.
func (p *Poller) TaskTask(src TaskSource, taskID int) runner.TaskFunc {
	return func(ctx context.Context, progress runner.Progress) runner.Result {
		res := p.WaitForTask(ctx, src, taskID, progress)
		if res.Outcome != Changed {
			r := runner.Failed(res.Err)
			r.TaskID = taskID
			return r
		}
		r := runner.Result{TaskID: taskID, Message: fmt.Sprintf("task %d is %s", taskID, res.Task.State)}
		if res.Task.State == model.TaskClosed {
			r.Status = runner.StatusSuccess
		} else {
			r.Status = runner.StatusFailed
			r.Err = fmt.Errorf("task %d ended in state %s", taskID, res.Task.State)
		}
		return r
	}
}
