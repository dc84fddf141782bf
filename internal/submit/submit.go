// Package submit prepares and sends build and update submissions.
//
// A submission is prepared first, which validates it without any network
// traffic, and then called exactly once. Calling needs a logged in session
// of the matching service.
package submit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/common"
	"github.com/fedora-packager/hubclient/internal/model"
	"github.com/fedora-packager/hubclient/internal/project"
	"github.com/fedora-packager/hubclient/internal/prometheus"
	"github.com/fedora-packager/hubclient/internal/session"
)

// UploadDir is the hub directory SRPMs are uploaded into.
const UploadDir = "cli-build"

// ErrCallUsed is returned by every call of a prepared submission but the first.
var ErrCallUsed = errors.New("prepared call already used")

type Hub interface {
	Build(ctx context.Context, s *session.Session, req model.BuildRequest) (int, error)
	ChainBuild(ctx context.Context, s *session.Session, req model.ChainBuildRequest) (int, error)
	GetBuild(ctx context.Context, nvr string) (*model.BuildInfo, error)
	GetBuildByID(ctx context.Context, id int) (*model.BuildInfo, error)
	Upload(ctx context.Context, s *session.Session, file io.Reader, filepath, filename string) (string, uint64, error)
}

type UpdateService interface {
	Save(ctx context.Context, s *session.Session, req model.UpdateRequest) (*model.UpdateResponse, error)
}

// SessionSource hands out the active session of one service. It is
// implemented by *session.Manager.
type SessionSource interface {
	Session() (*session.Session, error)
	Expire(s *session.Session, cause error)
}

type Options struct {
	Hub            Hub
	HubSessions    SessionSource
	Updates        UpdateService
	UpdateSessions SessionSource
	Logger         *logrus.Logger
	// Now is used to name upload directories.
	Now func() time.Time
}

type Engine struct {
	hub            Hub
	hubSessions    SessionSource
	updates        UpdateService
	updateSessions SessionSource
	log            *logrus.Logger
	now            func() time.Time
}

func New(opts Options) *Engine {
	e := &Engine{
		hub:            opts.Hub,
		hubSessions:    opts.HubSessions,
		updates:        opts.Updates,
		updateSessions: opts.UpdateSessions,
		log:            opts.Logger,
		now:            opts.Now,
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

type Outcome int

const (
	Submitted Outcome = iota
	AlreadyExists
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Submitted:
		return "submitted"
	case AlreadyExists:
		return "already-exists"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("unknown(%d)", int(o))
}

// BuildResult is the outcome of a build call. TaskID is set for Submitted
// and AlreadyExists, Err for Failed and Cancelled.
type BuildResult struct {
	Outcome Outcome
	TaskID  int
	// BuildID is the conflicting build for AlreadyExists.
	BuildID int
	Err     error
}

func failed(err error) BuildResult {
	if errors.Is(err, clienterrors.ErrCancelled) || errors.Is(err, context.Canceled) {
		return BuildResult{Outcome: Cancelled, Err: err}
	}
	return BuildResult{Outcome: Failed, Err: err}
}

type submitFunc func(ctx context.Context, s *session.Session) (int, error)

// BuildCall is a prepared build, chain build or SRPM build.
type BuildCall struct {
	e      *Engine
	kind   string
	nvr    string
	submit submitFunc
	used   atomic.Bool
}

func (e *Engine) newBuildCall(kind, nvr string, submit submitFunc) *BuildCall {
	return &BuildCall{e: e, kind: kind, nvr: nvr, submit: submit}
}

func (e *Engine) PrepareBuild(req model.BuildRequest) (*BuildCall, error) {
	const op = "prepare build"
	if req.Target == "" {
		return nil, clienterrors.Configuration(op, "build target is empty")
	}
	if req.Source == "" {
		return nil, clienterrors.Configuration(op, "build source is empty")
	}
	// scratch builds never collide with an existing build
	nvr := req.NVR
	if req.Scratch {
		nvr = ""
	}
	return e.newBuildCall("build", nvr, func(ctx context.Context, s *session.Session) (int, error) {
		return e.hub.Build(ctx, s, req)
	}), nil
}

// PrepareChainBuild prepares one chain of build groups. The groups are
// sent in the given order.
func (e *Engine) PrepareChainBuild(req model.ChainBuildRequest) (*BuildCall, error) {
	const op = "prepare chain build"
	if req.Target == "" {
		return nil, clienterrors.Configuration(op, "build target is empty")
	}
	if len(req.Groups) == 0 {
		return nil, clienterrors.Configuration(op, "chain has no groups")
	}
	groups := make([][]string, 0, len(req.Groups))
	for i, group := range req.Groups {
		if len(group) == 0 {
			return nil, clienterrors.Configuration(op, fmt.Sprintf("group %d is empty", i+1))
		}
		for _, src := range group {
			if src == "" {
				return nil, clienterrors.Configuration(op, fmt.Sprintf("group %d has an empty source", i+1))
			}
		}
		groups = append(groups, append([]string(nil), group...))
	}
	req.Groups = groups

	return e.newBuildCall("chain-build", "", func(ctx context.Context, s *session.Session) (int, error) {
		return e.hub.ChainBuild(ctx, s, req)
	}), nil
}

// PrepareSRPMBuild prepares a build of a local source RPM. The file is
// uploaded to a fresh directory below UploadDir when the call is made.
func (e *Engine) PrepareSRPMBuild(target, srpm string, scratch bool) (*BuildCall, error) {
	const op = "prepare srpm build"
	if target == "" {
		return nil, clienterrors.Configuration(op, "build target is empty")
	}
	fi, err := os.Stat(srpm)
	if err != nil {
		return nil, clienterrors.Configuration(op, fmt.Sprintf("cannot read %s: %v", srpm, err))
	}
	if !fi.Mode().IsRegular() {
		return nil, clienterrors.Configuration(op, fmt.Sprintf("%s is not a regular file", srpm))
	}

	return e.newBuildCall("srpm-build", "", func(ctx context.Context, s *session.Session) (int, error) {
		f, err := os.Open(srpm)
		if err != nil {
			return 0, clienterrors.Configuration("build srpm", fmt.Sprintf("cannot open %s: %v", srpm, err))
		}
		defer f.Close()

		dir := path.Join(UploadDir, fmt.Sprintf("%d.%s", e.now().Unix(), uuid.NewString()))
		name := filepath.Base(srpm)
		sum, size, err := e.hub.Upload(ctx, s, f, dir, name)
		if err != nil {
			return 0, err
		}
		e.log.WithFields(logrus.Fields{"path": path.Join(dir, name), "md5": sum, "size": size}).Info("source rpm uploaded")

		return e.hub.Build(ctx, s, model.BuildRequest{
			Target:  target,
			Source:  path.Join(dir, name),
			Scratch: scratch,
		})
	}), nil
}

// Call sends the build. It must be called only once.
func (c *BuildCall) Call(ctx context.Context) BuildResult {
	if !c.used.CompareAndSwap(false, true) {
		return BuildResult{Outcome: Failed, Err: ErrCallUsed}
	}
	res := c.e.build(ctx, c)
	prometheus.Submissions.WithLabelValues(c.kind, res.Outcome.String()).Inc()

	logger := common.LogEntry(ctx, c.e.log).WithFields(logrus.Fields{"kind": c.kind, "outcome": res.Outcome.String()})
	if c.nvr != "" {
		logger = logger.WithField("nvr", c.nvr)
	}
	switch res.Outcome {
	case Submitted, AlreadyExists:
		logger.WithField("task_id", res.TaskID).Info("build submission finished")
	case Failed:
		logger.WithError(res.Err).Error("build submission failed")
	default:
		logger.Info("build submission cancelled")
	}
	return res
}

func (e *Engine) build(ctx context.Context, c *BuildCall) BuildResult {
	op := "submit " + c.kind
	if err := ctx.Err(); err != nil {
		return failed(clienterrors.Cancelled(op, err))
	}
	if e.hubSessions == nil {
		return failed(clienterrors.Configuration(op, "no build hub configured"))
	}
	s, err := e.hubSessions.Session()
	if err != nil {
		return failed(clienterrors.Configuration(op, fmt.Sprintf("login to the build hub first: %v", err)))
	}

	if c.nvr != "" {
		existing, err := e.hub.GetBuild(ctx, c.nvr)
		if err != nil {
			return failed(err)
		}
		if existing != nil && existing.State.Blocking() {
			if existing.TaskID <= 0 {
				return failed(clienterrors.Deserialization(op, "", fmt.Sprintf("existing build %s has no task", c.nvr), nil))
			}
			return BuildResult{Outcome: AlreadyExists, TaskID: existing.TaskID, BuildID: existing.ID}
		}
	}

	taskID, err := c.submit(ctx, s)
	if err == nil {
		return BuildResult{Outcome: Submitted, TaskID: taskID}
	}
	if ctx.Err() != nil {
		return failed(clienterrors.Cancelled(op, err))
	}

	var exists *clienterrors.BuildExistsError
	if errors.As(err, &exists) {
		return e.resolveExisting(ctx, op, exists)
	}
	if errors.Is(err, clienterrors.ErrSession) {
		e.hubSessions.Expire(s, err)
	}
	return failed(err)
}

// resolveExisting finds the task that produced a conflicting build.
func (e *Engine) resolveExisting(ctx context.Context, op string, exists *clienterrors.BuildExistsError) BuildResult {
	if exists.TaskID > 0 {
		return BuildResult{Outcome: AlreadyExists, TaskID: exists.TaskID, BuildID: exists.BuildID}
	}
	info, err := e.hub.GetBuildByID(ctx, exists.BuildID)
	if err != nil {
		return failed(err)
	}
	if info == nil || info.TaskID <= 0 {
		return failed(clienterrors.Deserialization(op, "", fmt.Sprintf("build %d has no task", exists.BuildID), exists))
	}
	return BuildResult{Outcome: AlreadyExists, TaskID: info.TaskID, BuildID: exists.BuildID}
}

// UpdateCall is a prepared update submission.
type UpdateCall struct {
	e    *Engine
	req  model.UpdateRequest
	used atomic.Bool
}

func (e *Engine) PrepareUpdate(req model.UpdateRequest) (*UpdateCall, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Builds = append([]string(nil), req.Builds...)
	req.Bugs = append([]string(nil), req.Bugs...)
	return &UpdateCall{e: e, req: req}, nil
}

// Call saves the update. It must be called only once. A rejected
// submission is an UpdateSubmission error carrying the server status.
func (c *UpdateCall) Call(ctx context.Context) (*model.UpdateResponse, error) {
	if !c.used.CompareAndSwap(false, true) {
		return nil, ErrCallUsed
	}
	resp, err := c.e.update(ctx, c.req)

	outcome := Submitted.String()
	if err != nil {
		outcome = failed(err).Outcome.String()
	}
	prometheus.Submissions.WithLabelValues("update", outcome).Inc()
	return resp, err
}

func (e *Engine) update(ctx context.Context, req model.UpdateRequest) (*model.UpdateResponse, error) {
	const op = "submit update"
	if err := ctx.Err(); err != nil {
		return nil, clienterrors.Cancelled(op, err)
	}
	if e.updateSessions == nil {
		return nil, clienterrors.Configuration(op, "no update service configured")
	}
	s, err := e.updateSessions.Session()
	if err != nil {
		return nil, clienterrors.Configuration(op, fmt.Sprintf("login to the update service first: %v", err))
	}

	logger := common.LogEntry(ctx, e.log).WithField("builds", req.Builds)
	resp, err := e.updates.Save(ctx, s, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, clienterrors.Cancelled(op, err)
		}
		if errors.Is(err, clienterrors.ErrSession) || clienterrors.StatusCode(err) == 401 {
			e.updateSessions.Expire(s, err)
		}
		logger.WithError(err).Error("update submission failed")
		return nil, err
	}
	logger.WithField("flash", resp.Flash).Info("update submitted")
	return resp, nil
}

// BuildRequestFromProject builds from the tagged commit of a checkout. The
// commit is tagged first when needed.
func BuildRequestFromProject(ctx context.Context, root project.Root, vcs project.VCS, scratch bool) (model.BuildRequest, error) {
	const op = "read project"
	needsTag, err := vcs.NeedsTag(ctx)
	if err != nil {
		return model.BuildRequest{}, clienterrors.Configuration(op, err.Error())
	}
	if needsTag {
		if err := vcs.Tag(ctx); err != nil {
			return model.BuildRequest{}, clienterrors.Configuration(op, fmt.Sprintf("cannot tag: %v", err))
		}
	}
	url, err := vcs.ScmURL(ctx)
	if err != nil {
		return model.BuildRequest{}, clienterrors.Configuration(op, err.Error())
	}
	nvr, err := root.NVR(ctx)
	if err != nil {
		return model.BuildRequest{}, clienterrors.Configuration(op, err.Error())
	}
	return model.BuildRequest{
		Target:  root.Target(),
		Source:  url,
		NVR:     nvr,
		Scratch: scratch,
	}, nil
}
