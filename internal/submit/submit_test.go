package submit_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/model"
	"github.com/fedora-packager/hubclient/internal/project"
	"github.com/fedora-packager/hubclient/internal/runner"
	"github.com/fedora-packager/hubclient/internal/session"
	"github.com/fedora-packager/hubclient/internal/submit"
)

type fakeSessions struct {
	mu      sync.Mutex
	active  *session.Session
	expired []*session.Session
}

func loggedIn() *fakeSessions {
	return &fakeSessions{active: &session.Session{URL: "https://koji.example.com/kojihub", User: "packager", ID: 1, Key: "k"}}
}

func (f *fakeSessions) Session() (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return nil, clienterrors.Session("session", "", 0, "no active session", nil)
	}
	return f.active, nil
}

func (f *fakeSessions) Expire(s *session.Session, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == s {
		f.active = nil
	}
	f.expired = append(f.expired, s)
}

type upload struct {
	dir, name, content string
}

type fakeHub struct {
	builds      []model.BuildRequest
	chains      []model.ChainBuildRequest
	uploads     []upload
	lookups     []string
	idLookups   []int
	existing    map[string]*model.BuildInfo
	byID        map[int]*model.BuildInfo
	taskID      int
	buildErr    error
	uploadErr   error
	getBuildErr error
}

func newFakeHub() *fakeHub {
	return &fakeHub{taskID: 4711, existing: map[string]*model.BuildInfo{}, byID: map[int]*model.BuildInfo{}}
}

func (h *fakeHub) Build(ctx context.Context, s *session.Session, req model.BuildRequest) (int, error) {
	h.builds = append(h.builds, req)
	if h.buildErr != nil {
		return 0, h.buildErr
	}
	return h.taskID, nil
}

func (h *fakeHub) ChainBuild(ctx context.Context, s *session.Session, req model.ChainBuildRequest) (int, error) {
	h.chains = append(h.chains, req)
	if h.buildErr != nil {
		return 0, h.buildErr
	}
	return h.taskID, nil
}

func (h *fakeHub) GetBuild(ctx context.Context, nvr string) (*model.BuildInfo, error) {
	h.lookups = append(h.lookups, nvr)
	return h.existing[nvr], h.getBuildErr
}

func (h *fakeHub) GetBuildByID(ctx context.Context, id int) (*model.BuildInfo, error) {
	h.idLookups = append(h.idLookups, id)
	return h.byID[id], nil
}

func (h *fakeHub) Upload(ctx context.Context, s *session.Session, file io.Reader, dir, name string) (string, uint64, error) {
	if h.uploadErr != nil {
		return "", 0, h.uploadErr
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return "", 0, err
	}
	h.uploads = append(h.uploads, upload{dir, name, string(data)})
	return "d41d8cd98f00b204e9800998ecf8427e", uint64(len(data)), nil
}

type fakeUpdates struct {
	saved []model.UpdateRequest
	resp  *model.UpdateResponse
	err   error
}

func (u *fakeUpdates) Save(ctx context.Context, s *session.Session, req model.UpdateRequest) (*model.UpdateResponse, error) {
	u.saved = append(u.saved, req)
	if u.err != nil {
		return nil, u.err
	}
	return u.resp, nil
}

func newEngine(hub *fakeHub, hubSessions *fakeSessions, updates *fakeUpdates, updateSessions *fakeSessions) *submit.Engine {
	logger, _ := test.NewNullLogger()
	opts := submit.Options{
		Hub:     hub,
		Updates: updates,
		Logger:  logger,
		Now:     func() time.Time { return time.Unix(1718000000, 0) },
	}
	// keep typed nils out of the interfaces
	if hubSessions != nil {
		opts.HubSessions = hubSessions
	}
	if updateSessions != nil {
		opts.UpdateSessions = updateSessions
	}
	return submit.New(opts)
}

var buildReq = model.BuildRequest{
	Target: "f40-candidate",
	Source: "git+https://src.fedoraproject.org/rpms/foo.git#abc123",
	NVR:    "foo-1.2-3.fc40",
}

func TestPrepareBuildValidation(t *testing.T) {
	e := newEngine(newFakeHub(), loggedIn(), nil, nil)

	_, err := e.PrepareBuild(model.BuildRequest{Source: "git+https://x"})
	assert.ErrorIs(t, err, clienterrors.ErrConfiguration)
	_, err = e.PrepareBuild(model.BuildRequest{Target: "f40-candidate"})
	assert.ErrorIs(t, err, clienterrors.ErrConfiguration)
}

func TestBuildSubmitted(t *testing.T) {
	hub := newFakeHub()
	e := newEngine(hub, loggedIn(), nil, nil)

	call, err := e.PrepareBuild(buildReq)
	require.NoError(t, err)
	res := call.Call(context.Background())

	assert.Equal(t, submit.Submitted, res.Outcome)
	assert.Equal(t, 4711, res.TaskID)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"foo-1.2-3.fc40"}, hub.lookups)
	require.Len(t, hub.builds, 1)
	assert.Empty(t, cmp.Diff(buildReq, hub.builds[0]))
}

func TestCallIsSingleUse(t *testing.T) {
	hub := newFakeHub()
	e := newEngine(hub, loggedIn(), nil, nil)

	call, err := e.PrepareBuild(buildReq)
	require.NoError(t, err)
	require.Equal(t, submit.Submitted, call.Call(context.Background()).Outcome)

	again := call.Call(context.Background())
	assert.Equal(t, submit.Failed, again.Outcome)
	assert.ErrorIs(t, again.Err, submit.ErrCallUsed)
	assert.Len(t, hub.builds, 1)
	assert.Len(t, hub.lookups, 1)
}

func TestBuildWithoutSession(t *testing.T) {
	hub := newFakeHub()
	e := newEngine(hub, &fakeSessions{}, nil, nil)

	call, err := e.PrepareBuild(buildReq)
	require.NoError(t, err)
	res := call.Call(context.Background())
	assert.Equal(t, submit.Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, clienterrors.ErrConfiguration)
	assert.Empty(t, hub.lookups)
	assert.Empty(t, hub.builds)

	noHub := newEngine(hub, nil, nil, nil)
	call, err = noHub.PrepareBuild(buildReq)
	require.NoError(t, err)
	assert.ErrorIs(t, call.Call(context.Background()).Err, clienterrors.ErrConfiguration)
}

func TestBuildCancelledBeforeCall(t *testing.T) {
	hub := newFakeHub()
	e := newEngine(hub, loggedIn(), nil, nil)
	call, err := e.PrepareBuild(buildReq)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := call.Call(ctx)
	assert.Equal(t, submit.Cancelled, res.Outcome)
	assert.ErrorIs(t, res.Err, clienterrors.ErrCancelled)
	assert.Empty(t, hub.builds)
}

func TestExistingBuildFoundBeforeSubmit(t *testing.T) {
	for _, state := range []model.BuildState{model.BuildBuilding, model.BuildComplete} {
		t.Run(state.String(), func(t *testing.T) {
			hub := newFakeHub()
			hub.existing[buildReq.NVR] = &model.BuildInfo{ID: 99, TaskID: 1234, NVR: buildReq.NVR, State: state}
			e := newEngine(hub, loggedIn(), nil, nil)

			call, err := e.PrepareBuild(buildReq)
			require.NoError(t, err)
			res := call.Call(context.Background())
			assert.Equal(t, submit.AlreadyExists, res.Outcome)
			assert.Equal(t, 1234, res.TaskID)
			assert.Equal(t, 99, res.BuildID)
			assert.Empty(t, hub.builds)
		})
	}

	// imported builds have no task
	imported := newFakeHub()
	imported.existing[buildReq.NVR] = &model.BuildInfo{ID: 5, NVR: buildReq.NVR, State: model.BuildComplete}
	call, err := newEngine(imported, loggedIn(), nil, nil).PrepareBuild(buildReq)
	require.NoError(t, err)
	res := call.Call(context.Background())
	assert.Equal(t, submit.Failed, res.Outcome)
	assert.Zero(t, res.TaskID)
	assert.ErrorIs(t, res.Err, clienterrors.ErrDeserialization)
	assert.Empty(t, imported.builds)

	// failed or deleted builds may be rebuilt
	hub := newFakeHub()
	hub.existing[buildReq.NVR] = &model.BuildInfo{ID: 99, TaskID: 1234, State: model.BuildFailed}
	e := newEngine(hub, loggedIn(), nil, nil)
	call, err = e.PrepareBuild(buildReq)
	require.NoError(t, err)
	assert.Equal(t, submit.Submitted, call.Call(context.Background()).Outcome)
}

func TestScratchBuildSkipsExistingCheck(t *testing.T) {
	hub := newFakeHub()
	hub.existing[buildReq.NVR] = &model.BuildInfo{ID: 99, TaskID: 1234, State: model.BuildComplete}
	e := newEngine(hub, loggedIn(), nil, nil)

	req := buildReq
	req.Scratch = true
	call, err := e.PrepareBuild(req)
	require.NoError(t, err)
	assert.Equal(t, submit.Submitted, call.Call(context.Background()).Outcome)
	assert.Empty(t, hub.lookups)
}

func TestConflictFaultResolvesTask(t *testing.T) {
	hub := newFakeHub()
	hub.buildErr = &clienterrors.BuildExistsError{BuildID: 99, NVR: buildReq.NVR, State: "COMPLETE"}
	hub.byID[99] = &model.BuildInfo{ID: 99, TaskID: 1234, State: model.BuildComplete}
	e := newEngine(hub, loggedIn(), nil, nil)

	call, err := e.PrepareBuild(buildReq)
	require.NoError(t, err)
	res := call.Call(context.Background())
	assert.Equal(t, submit.AlreadyExists, res.Outcome)
	assert.Equal(t, 1234, res.TaskID)
	assert.Equal(t, []int{99}, hub.idLookups)
}

func TestConflictFaultWithUnknownBuild(t *testing.T) {
	hub := newFakeHub()
	hub.buildErr = &clienterrors.BuildExistsError{BuildID: 99, State: "COMPLETE"}
	e := newEngine(hub, loggedIn(), nil, nil)

	call, err := e.PrepareBuild(buildReq)
	require.NoError(t, err)
	res := call.Call(context.Background())
	assert.Equal(t, submit.Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, clienterrors.ErrDeserialization)
}

func TestSessionFaultExpiresSession(t *testing.T) {
	hub := newFakeHub()
	hub.buildErr = clienterrors.Session("call build", "https://koji.example.com/kojihub", 0, "session expired", nil)
	sessions := loggedIn()
	active := sessions.active
	e := newEngine(hub, sessions, nil, nil)

	call, err := e.PrepareBuild(buildReq)
	require.NoError(t, err)
	res := call.Call(context.Background())
	assert.Equal(t, submit.Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, clienterrors.ErrSession)
	assert.Equal(t, []*session.Session{active}, sessions.expired)

	// other failures leave the session alone
	hub.buildErr = clienterrors.TransportStatus("call build", "", 502, "Bad Gateway")
	sessions = loggedIn()
	e = newEngine(hub, sessions, nil, nil)
	call, err = e.PrepareBuild(buildReq)
	require.NoError(t, err)
	assert.ErrorIs(t, call.Call(context.Background()).Err, clienterrors.ErrTransport)
	assert.Empty(t, sessions.expired)
}

func TestChainBuild(t *testing.T) {
	hub := newFakeHub()
	e := newEngine(hub, loggedIn(), nil, nil)

	groups := [][]string{{"git+https://x/a#1"}, {"git+https://x/b#2", "git+https://x/c#3"}, {"git+https://x/d#4"}}
	call, err := e.PrepareChainBuild(model.ChainBuildRequest{Target: "f40-candidate", Groups: groups})
	require.NoError(t, err)

	// later changes to the caller's slices do not leak into the call
	groups[0][0] = "changed"

	res := call.Call(context.Background())
	assert.Equal(t, submit.Submitted, res.Outcome)
	require.Len(t, hub.chains, 1)
	assert.Equal(t, [][]string{{"git+https://x/a#1"}, {"git+https://x/b#2", "git+https://x/c#3"}, {"git+https://x/d#4"}}, hub.chains[0].Groups)
	assert.Empty(t, hub.lookups)
}

func TestPrepareChainBuildValidation(t *testing.T) {
	e := newEngine(newFakeHub(), loggedIn(), nil, nil)
	for name, req := range map[string]model.ChainBuildRequest{
		"no target":    {Groups: [][]string{{"a"}}},
		"no groups":    {Target: "f40-candidate"},
		"empty group":  {Target: "f40-candidate", Groups: [][]string{{"a"}, {}}},
		"empty source": {Target: "f40-candidate", Groups: [][]string{{"a", ""}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := e.PrepareChainBuild(req)
			assert.ErrorIs(t, err, clienterrors.ErrConfiguration)
		})
	}
}

func TestSRPMBuild(t *testing.T) {
	srpm := filepath.Join(t.TempDir(), "foo-1.2-3.fc40.src.rpm")
	require.NoError(t, os.WriteFile(srpm, []byte("not really an rpm"), 0600))

	hub := newFakeHub()
	e := newEngine(hub, loggedIn(), nil, nil)
	call, err := e.PrepareSRPMBuild("f40-candidate", srpm, true)
	require.NoError(t, err)

	res := call.Call(context.Background())
	require.Equal(t, submit.Submitted, res.Outcome, res.Err)

	require.Len(t, hub.uploads, 1)
	up := hub.uploads[0]
	assert.True(t, strings.HasPrefix(up.dir, "cli-build/1718000000."), up.dir)
	assert.Equal(t, "foo-1.2-3.fc40.src.rpm", up.name)
	assert.Equal(t, "not really an rpm", up.content)

	require.Len(t, hub.builds, 1)
	assert.Equal(t, model.BuildRequest{Target: "f40-candidate", Source: up.dir + "/" + up.name, Scratch: true}, hub.builds[0])
}

func TestSRPMBuildErrors(t *testing.T) {
	e := newEngine(newFakeHub(), loggedIn(), nil, nil)
	_, err := e.PrepareSRPMBuild("f40-candidate", filepath.Join(t.TempDir(), "missing.src.rpm"), false)
	assert.ErrorIs(t, err, clienterrors.ErrConfiguration)
	_, err = e.PrepareSRPMBuild("f40-candidate", t.TempDir(), false)
	assert.ErrorIs(t, err, clienterrors.ErrConfiguration)

	srpm := filepath.Join(t.TempDir(), "foo.src.rpm")
	require.NoError(t, os.WriteFile(srpm, []byte("x"), 0600))
	hub := newFakeHub()
	hub.uploadErr = clienterrors.Transport("upload", "", errors.New("Adler32 mismatch"))
	e = newEngine(hub, loggedIn(), nil, nil)
	call, err := e.PrepareSRPMBuild("f40-candidate", srpm, false)
	require.NoError(t, err)
	res := call.Call(context.Background())
	assert.Equal(t, submit.Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, clienterrors.ErrTransport)
	assert.Empty(t, hub.builds)
}

var updateReq = model.UpdateRequest{
	Builds:        []string{"foo-1.2-3.fc40"},
	Type:          model.UpdateTypeBugfix,
	Request:       model.UpdateStageTesting,
	Notes:         "fixes the crash",
	Bugs:          []string{"123456"},
	AutoKarma:     true,
	StableKarma:   3,
	UnstableKarma: -3,
}

func TestUpdate(t *testing.T) {
	updates := &fakeUpdates{resp: &model.UpdateResponse{
		Flash:   "Update successfully created",
		Updates: []model.Update{{Title: "foo-1.2-3.fc40", UpdateID: "FEDORA-2024-0123456789"}},
	}}
	e := newEngine(nil, nil, updates, loggedIn())

	call, err := e.PrepareUpdate(updateReq)
	require.NoError(t, err)
	resp, err := call.Call(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Update successfully created", resp.Flash)
	require.Len(t, updates.saved, 1)
	assert.Empty(t, cmp.Diff(updateReq, updates.saved[0]))

	_, err = call.Call(context.Background())
	assert.ErrorIs(t, err, submit.ErrCallUsed)
	assert.Len(t, updates.saved, 1)
}

func TestPrepareUpdateValidation(t *testing.T) {
	e := newEngine(nil, nil, &fakeUpdates{}, loggedIn())
	req := updateReq
	req.Builds = nil
	_, err := e.PrepareUpdate(req)
	assert.ErrorIs(t, err, clienterrors.ErrConfiguration)
}

func TestUpdateErrors(t *testing.T) {
	t.Run("unauthorized expires the session", func(t *testing.T) {
		sessions := loggedIn()
		updates := &fakeUpdates{err: clienterrors.UpdateSubmission("save update", "https://bodhi", 401, "Unauthorized")}
		e := newEngine(nil, nil, updates, sessions)
		call, err := e.PrepareUpdate(updateReq)
		require.NoError(t, err)
		_, err = call.Call(context.Background())
		assert.ErrorIs(t, err, clienterrors.ErrUpdateSubmission)
		assert.True(t, clienterrors.IsForbidden(err))
		assert.Len(t, sessions.expired, 1)
	})

	t.Run("bad request keeps the session", func(t *testing.T) {
		sessions := loggedIn()
		updates := &fakeUpdates{err: clienterrors.UpdateSubmission("save update", "https://bodhi", 400, "Bad Request")}
		e := newEngine(nil, nil, updates, sessions)
		call, err := e.PrepareUpdate(updateReq)
		require.NoError(t, err)
		_, err = call.Call(context.Background())
		assert.True(t, clienterrors.IsBadRequest(err))
		assert.Empty(t, sessions.expired)
	})

	t.Run("no session", func(t *testing.T) {
		updates := &fakeUpdates{}
		e := newEngine(nil, nil, updates, &fakeSessions{})
		call, err := e.PrepareUpdate(updateReq)
		require.NoError(t, err)
		_, err = call.Call(context.Background())
		assert.ErrorIs(t, err, clienterrors.ErrConfiguration)
		assert.Empty(t, updates.saved)
	})
}

func TestBuildRequestFromProject(t *testing.T) {
	p := &project.Static{
		BuildTarget: "f40-candidate",
		Name:        "foo",
		Version:     "1.2",
		Release:     "3.fc40",
		URL:         "git+https://src.fedoraproject.org/rpms/foo.git#abc123",
	}
	req, err := submit.BuildRequestFromProject(context.Background(), p, p, false)
	require.NoError(t, err)
	assert.Equal(t, buildReq, req)
	assert.Equal(t, 1, p.TagCalls())

	_, err = submit.BuildRequestFromProject(context.Background(), p, p, false)
	require.NoError(t, err)
	assert.Equal(t, 1, p.TagCalls(), "a tagged commit is not tagged again")

	p.URL = ""
	_, err = submit.BuildRequestFromProject(context.Background(), p, p, false)
	assert.ErrorIs(t, err, clienterrors.ErrConfiguration)
}

func TestTasks(t *testing.T) {
	hub := newFakeHub()
	hub.existing[buildReq.NVR] = &model.BuildInfo{ID: 99, TaskID: 1234, State: model.BuildBuilding}
	updates := &fakeUpdates{resp: &model.UpdateResponse{Updates: []model.Update{{Title: "foo-1.2-3.fc40", UpdateID: "FEDORA-2024-0123456789"}}}}
	e := newEngine(hub, loggedIn(), updates, loggedIn())
	r := runner.New(2, nil, nil)

	call, err := e.PrepareBuild(buildReq)
	require.NoError(t, err)
	res := r.Go(context.Background(), "build", e.BuildTask(call)).Wait()
	assert.Equal(t, runner.StatusAlreadyExists, res.Status)
	assert.Equal(t, 1234, res.TaskID)

	upd, err := e.PrepareUpdate(updateReq)
	require.NoError(t, err)
	res = r.Go(context.Background(), "update", e.UpdateTask(upd)).Wait()
	assert.Equal(t, runner.StatusSuccess, res.Status)
	assert.Equal(t, "FEDORA-2024-0123456789", res.UpdateName)

	hub.buildErr = errors.New("boom")
	delete(hub.existing, buildReq.NVR)
	call, err = e.PrepareBuild(buildReq)
	require.NoError(t, err)
	res = r.Go(context.Background(), "build", e.BuildTask(call)).Wait()
	assert.Equal(t, runner.StatusFailed, res.Status)
	assert.EqualError(t, res.Err, "boom")
	r.Wait()
}
