// Package koji is a client for the XML-RPC API of a Koji build hub.
package koji

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gobwas/glob"
	"github.com/kolo/xmlrpc"
	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/model"
	"github.com/fedora-packager/hubclient/internal/session"
	"github.com/fedora-packager/hubclient/internal/transport"
)

const DefaultChunkSize = 1024 * 1024

// The hub reports a conflicting build as
// "Build already exists (id=<build id>, state=<STATE>): ...".
var buildExistsRx = regexp.MustCompile(`Build already exists \(id=(\d+), state=([A-Z]+)\)`)

type Client struct {
	server    string
	transport *transport.Client
	log       logrus.FieldLogger

	// ChunkSize is the upload chunk size in bytes.
	ChunkSize int
}

func New(server string, tc *transport.Client, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		server:    strings.TrimSuffix(server, "/"),
		transport: tc,
		log:       logger.WithField("hub", server),
		ChunkSize: DefaultChunkSize,
	}
}

func (k *Client) URL() string {
	return k.server
}

// endpoint adds the session parameters to base. Every call with a session
// consumes a call number.
func (k *Client) endpoint(base string, s *session.Session, extra url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", clienterrors.Configuration("parse hub URL", err.Error())
	}
	q := u.Query()
	for key, values := range extra {
		q[key] = values
	}
	if s != nil {
		q.Add("session-id", strconv.FormatInt(s.ID, 10))
		q.Add("session-key", s.Key)
		q.Add("callnum", strconv.FormatInt(s.NextCall(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type call struct {
	method     string
	args       []interface{}
	session    *session.Session
	idempotent bool
	// base defaults to the hub URL.
	base string
}

// do executes c on conn and decodes the result into reply, which may be
// nil. It returns false when the hub answered None. Faults are returned
// as *Fault, or as session errors when c has a session and the fault
// rejects it.
func (k *Client) do(ctx context.Context, conn *transport.Conn, c call, reply interface{}) (bool, error) {
	op := "call " + c.method
	base := c.base
	if base == "" {
		base = k.server
	}

	body, err := xmlrpc.EncodeMethodCall(c.method, c.args...)
	if err != nil {
		return false, clienterrors.Configuration(op, fmt.Sprintf("cannot encode arguments: %v", err))
	}
	u, err := k.endpoint(base, c.session, nil)
	if err != nil {
		return false, err
	}

	k.log.WithField("method", c.method).Debug("calling hub")
	resp, err := conn.Do(ctx, &transport.Request{
		Op:          op,
		URL:         u,
		Body:        body,
		ContentType: "text/xml",
		Idempotent:  c.idempotent,
	})
	if err != nil {
		var ce *clienterrors.Error
		if errors.As(err, &ce) {
			ce.URL = base
		}
		return false, err
	}
	if !resp.OK() {
		return false, clienterrors.TransportStatus(op, base, resp.StatusCode, resp.Reason)
	}

	fault, err := responseFault(c.method, resp.Body)
	if err != nil {
		return false, clienterrors.Deserialization(op, base, "cannot decode fault", err)
	}
	if fault != nil {
		if c.session != nil && fault.SessionFault() {
			return false, clienterrors.Session(op, base, 0, fault.String, fault)
		}
		return false, fault
	}

	if isNilResponse(resp.Body) {
		return false, nil
	}
	if reply == nil {
		return true, nil
	}
	err = xmlrpc.Response(stripNilMembers(resp.Body)).Unmarshal(reply)
	if err != nil {
		return false, clienterrors.Deserialization(op, base, "cannot unmarshal the xmlrpc response", err)
	}
	return true, nil
}

// query runs a read-only call on its own connection.
func (k *Client) query(ctx context.Context, reply interface{}, method string, args ...interface{}) (bool, error) {
	conn := k.transport.Acquire()
	defer conn.Release()
	return k.do(ctx, conn, call{method: method, args: args, idempotent: true}, reply)
}

func sessionConn(op string, s *session.Session) (*transport.Conn, error) {
	if s == nil || s.Conn == nil || s.Key == "" {
		return nil, clienterrors.Configuration(op, "an authenticated hub session is required")
	}
	return s.Conn, nil
}

// GetAPIVersion gets the version of the API of the remote Koji instance
func (k *Client) GetAPIVersion(ctx context.Context) (int, error) {
	var version int
	found, err := k.query(ctx, &version, "getAPIVersion")
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, clienterrors.Deserialization("call getAPIVersion", k.server, "hub returned no version", nil)
	}
	return version, nil
}

type loginReply struct {
	SessionID  int64  `xmlrpc:"session-id"`
	SessionKey string `xmlrpc:"session-key"`
}

// Login sets up a new session. A password login is used when creds has a
// password, otherwise the client certificate of the transport is used.
func (k *Client) Login(ctx context.Context, creds session.Credentials) (*session.Session, error) {
	switch {
	case creds.Password != "":
		if creds.Username == "" {
			return nil, clienterrors.Configuration("login", "user name is not set")
		}
		return k.login(ctx, call{method: "login", args: []interface{}{creds.Username, creds.Password}}, creds.Username)
	case creds.Certificate != nil:
		return k.login(ctx, call{method: "sslLogin", base: k.server + "/ssllogin"}, creds.User())
	}
	return nil, clienterrors.Configuration("login", "either a password or a client certificate is required")
}

func (k *Client) login(ctx context.Context, c call, user string) (*session.Session, error) {
	op := "call " + c.method
	conn := k.transport.Acquire()

	var reply loginReply
	found, err := k.do(ctx, conn, c, &reply)
	if err != nil {
		conn.Release()
		var fault *Fault
		var ce *clienterrors.Error
		switch {
		case errors.As(err, &fault):
			return nil, clienterrors.Login(op, k.server, 0, fault.String, fault)
		case errors.As(err, &ce) && ce.ID == clienterrors.ErrorTransport && ce.StatusCode != 0:
			return nil, clienterrors.Login(op, k.server, ce.StatusCode, ce.Reason, nil)
		}
		return nil, err
	}
	if !found || reply.SessionKey == "" {
		conn.Release()
		return nil, clienterrors.Deserialization(op, k.server, "login reply has no session key", nil)
	}

	k.log.WithFields(logrus.Fields{"user": user, "session_id": reply.SessionID}).Debug("hub session established")
	return &session.Session{
		URL:  k.server,
		User: user,
		ID:   reply.SessionID,
		Key:  reply.SessionKey,
		Conn: conn,
	}, nil
}

// Logout ends the session. The session connection is released in any case.
func (k *Client) Logout(ctx context.Context, s *session.Session) error {
	conn, err := sessionConn("logout", s)
	if err != nil {
		return clienterrors.Session("logout", k.server, 0, "not logged in", err)
	}
	defer conn.Release()

	_, err = k.do(ctx, conn, call{method: "logout", session: s}, nil)
	if err == nil {
		return nil
	}
	var fault *Fault
	var ce *clienterrors.Error
	switch {
	case errors.As(err, &fault):
		return clienterrors.Session("call logout", k.server, 0, fault.String, fault)
	case errors.As(err, &ce) && ce.ID == clienterrors.ErrorTransport && ce.StatusCode != 0:
		return clienterrors.Session("call logout", k.server, ce.StatusCode, ce.Reason, nil)
	}
	return err
}

// Build submits a build of req.Source into req.Target and returns the task
// id. A conflicting build is reported as *clienterrors.BuildExistsError
// without a task id.
func (k *Client) Build(ctx context.Context, s *session.Session, req model.BuildRequest) (int, error) {
	opts := map[string]interface{}{}
	if req.Scratch {
		opts["scratch"] = true
	}
	return k.submitTask(ctx, s, req.NVR, "build", req.Source, req.Target, opts)
}

// ChainBuild submits all groups as one chain. The hub starts a group once
// the previous one is tagged.
func (k *Client) ChainBuild(ctx context.Context, s *session.Session, req model.ChainBuildRequest) (int, error) {
	groups := make([]interface{}, 0, len(req.Groups))
	for _, group := range req.Groups {
		sources := make([]interface{}, 0, len(group))
		for _, src := range group {
			sources = append(sources, src)
		}
		groups = append(groups, sources)
	}
	return k.submitTask(ctx, s, "", "chainBuild", groups, req.Target, map[string]interface{}{})
}

func (k *Client) submitTask(ctx context.Context, s *session.Session, nvr, method string, args ...interface{}) (int, error) {
	op := "call " + method
	conn, err := sessionConn(op, s)
	if err != nil {
		return 0, err
	}

	var taskID int
	found, err := k.do(ctx, conn, call{method: method, args: args, session: s}, &taskID)
	if err != nil {
		// session faults arrive wrapped and must stay session errors
		if fault, ok := err.(*Fault); ok {
			return 0, buildFaultError(op, k.server, nvr, fault)
		}
		return 0, err
	}
	if !found || taskID <= 0 {
		return 0, clienterrors.Deserialization(op, k.server, fmt.Sprintf("invalid task id %d", taskID), nil)
	}
	return taskID, nil
}

// buildFaultError recognizes the documented conflict fault. Other faults
// that mention an existing build are not trusted to be conflicts.
func buildFaultError(op, server, nvr string, fault *Fault) error {
	m := buildExistsRx.FindStringSubmatch(fault.String)
	if m != nil {
		buildID, err := strconv.Atoi(m[1])
		if err != nil || buildID <= 0 {
			return clienterrors.Deserialization(op, server, fmt.Sprintf("invalid build id in %q", fault.String), err)
		}
		state, ok := model.ParseBuildState(m[2])
		if !ok {
			return clienterrors.Deserialization(op, server, fmt.Sprintf("unknown build state in %q", fault.String), fault)
		}
		return &clienterrors.BuildExistsError{BuildID: buildID, NVR: nvr, State: state.String()}
	}
	if strings.Contains(strings.ToLower(fault.String), "already exists") {
		return clienterrors.Deserialization(op, server, fmt.Sprintf("unrecognized conflict: %s", fault.String), fault)
	}
	return fault
}

// GetBuild looks up a build by NVR. It returns nil when there is none.
func (k *Client) GetBuild(ctx context.Context, nvr string) (*model.BuildInfo, error) {
	return k.getBuild(ctx, nvr)
}

// GetBuildByID looks up a build by id. It returns nil when there is none.
func (k *Client) GetBuildByID(ctx context.Context, id int) (*model.BuildInfo, error) {
	return k.getBuild(ctx, id)
}

func (k *Client) getBuild(ctx context.Context, buildInfo interface{}) (*model.BuildInfo, error) {
	var build model.BuildInfo
	found, err := k.query(ctx, &build, "getBuild", buildInfo)
	if err != nil || !found {
		return nil, err
	}
	return &build, nil
}

// GetRepo returns the current repository of tag, or nil when the tag has
// none.
func (k *Client) GetRepo(ctx context.Context, tag string) (*model.RepoInfo, error) {
	var repo model.RepoInfo
	found, err := k.query(ctx, &repo, "getRepo", tag)
	if err != nil || !found {
		return nil, err
	}
	return &repo, nil
}

func (k *Client) GetTaskInfo(ctx context.Context, taskID int) (*model.TaskInfo, error) {
	var task model.TaskInfo
	found, err := k.query(ctx, &task, "getTaskInfo", taskID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, clienterrors.Deserialization("call getTaskInfo", k.server, fmt.Sprintf("task %d does not exist", taskID), nil)
	}
	return &task, nil
}

func (k *Client) ListBuildTargets(ctx context.Context) ([]model.BuildTarget, error) {
	var targets []model.BuildTarget
	_, err := k.query(ctx, &targets, "getBuildTargets")
	if err != nil {
		return nil, err
	}
	return targets, nil
}

// ListBuildTags returns the sorted, distinct build tags of all targets that
// match pattern. An empty pattern matches everything.
func (k *Client) ListBuildTags(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, clienterrors.Configuration("list build tags", fmt.Sprintf("invalid pattern %q: %v", pattern, err))
	}

	targets, err := k.ListBuildTargets(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var tags []string
	for _, t := range targets {
		if t.BuildTagName == "" || seen[t.BuildTagName] || !g.Match(t.BuildTagName) {
			continue
		}
		seen[t.BuildTagName] = true
		tags = append(tags, t.BuildTagName)
	}
	sort.Strings(tags)
	return tags, nil
}
