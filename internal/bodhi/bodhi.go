// Package bodhi is a client for the update service. Requests are multipart
// forms and replies are JSON; the login cookie lives in the session's
// connection.
package bodhi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/model"
	"github.com/fedora-packager/hubclient/internal/session"
	"github.com/fedora-packager/hubclient/internal/transport"
)

type Client struct {
	base      string
	transport *transport.Client
	log       logrus.FieldLogger
}

func New(base string, tc *transport.Client, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	base = strings.TrimSuffix(base, "/")
	return &Client{
		base:      base,
		transport: tc,
		log:       logger.WithField("bodhi", base),
	}
}

func (b *Client) URL() string {
	return b.base
}

func (b *Client) post(ctx context.Context, conn *transport.Conn, op, path string, fields []transport.FormField) (*transport.RawResponse, string, error) {
	url := b.base + path
	body, contentType, err := transport.NewMultipartForm(fields)
	if err != nil {
		return nil, url, clienterrors.Configuration(op, err.Error())
	}
	resp, err := conn.Do(ctx, &transport.Request{
		Op:          op,
		URL:         url,
		Body:        body,
		ContentType: contentType,
		AcceptJSON:  true,
	})
	return resp, url, err
}

// Login authenticates with user name and password. The returned session
// carries the CSRF token and owns the connection holding the login cookie.
func (b *Client) Login(ctx context.Context, creds session.Credentials) (*session.Session, error) {
	const op = "login"
	if creds.Username == "" || creds.Password == "" {
		return nil, clienterrors.Configuration(op, "user name and password are required")
	}

	conn := b.transport.Acquire()
	resp, url, err := b.post(ctx, conn, op, "/login", []transport.FormField{
		{Name: "login", Value: "Login"},
		{Name: "user_name", Value: creds.Username},
		{Name: "password", Value: creds.Password},
	})
	if err != nil {
		conn.Release()
		return nil, err
	}
	if !resp.OK() {
		conn.Release()
		return nil, clienterrors.Login(op, url, resp.StatusCode, resp.Reason, nil)
	}

	login, err := model.ParseLoginResponse(resp.Body)
	if err != nil {
		conn.Release()
		var ce *clienterrors.Error
		if errors.As(err, &ce) {
			ce.Op, ce.URL = op, url
		}
		return nil, err
	}

	b.log.WithField("user", login.User.UserName).Debug("update service session established")
	return &session.Session{
		URL:       b.base,
		User:      login.User.UserName,
		CSRFToken: login.Token(),
		Conn:      conn,
	}, nil
}

// Logout ends the session. The connection is released in any case.
func (b *Client) Logout(ctx context.Context, s *session.Session) error {
	const op = "logout"
	if s == nil || s.Conn == nil {
		return clienterrors.Session(op, b.base, 0, "not logged in", nil)
	}
	defer s.Conn.Release()

	resp, url, err := b.post(ctx, s.Conn, op, "/logout", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return clienterrors.Session(op, url, resp.StatusCode, resp.Reason, nil)
	}
	return nil
}

// Save creates a new update. Any status but 200 is an update submission
// error carrying the status code.
func (b *Client) Save(ctx context.Context, s *session.Session, req model.UpdateRequest) (*model.UpdateResponse, error) {
	const op = "save update"
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s == nil || s.Conn == nil {
		return nil, clienterrors.Configuration(op, "an authenticated update service session is required")
	}
	token := req.CSRFToken
	if token == "" {
		token = s.CSRFToken
	}

	resp, url, err := b.post(ctx, s.Conn, op, "/save", []transport.FormField{
		{Name: "builds", Value: strings.Join(req.Builds, ",")},
		{Name: "type_", Value: string(req.Type)},
		{Name: "request", Value: string(req.Request)},
		{Name: "bugs", Value: strings.Join(req.Bugs, ",")},
		{Name: "_csrf_token", Value: token},
		{Name: "autokarma", Value: strconv.FormatBool(req.AutoKarma)},
		{Name: "notes", Value: req.Notes},
		{Name: "suggest_reboot", Value: strconv.FormatBool(req.SuggestReboot)},
		{Name: "stable_karma", Value: strconv.Itoa(req.StableKarma)},
		{Name: "unstable_karma", Value: strconv.Itoa(req.UnstableKarma)},
		{Name: "close_bugs", Value: strconv.FormatBool(req.CloseBugs)},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		b.log.WithFields(logrus.Fields{"status": resp.StatusCode, "builds": req.Builds}).Warn("update rejected")
		return nil, clienterrors.UpdateSubmission(op, url, resp.StatusCode, resp.Reason)
	}

	update, err := model.ParseUpdateResponse(resp.Body)
	if err != nil {
		var ce *clienterrors.Error
		if errors.As(err, &ce) {
			ce.Op, ce.URL = op, url
		}
		return nil, err
	}
	return update, nil
}
