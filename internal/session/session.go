// Package session tracks authentication against the build hub and the
// update service.
//
// A Manager owns at most one active Session. Sessions are created by an
// Authenticator (the protocol clients) and are never reused once logged out
// or expired; callers re-login explicitly.
package session

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/prometheus"
	"github.com/fedora-packager/hubclient/internal/transport"
)

func getStateMapping() []string {
	return []string{"unauthenticated", "authenticating", "authenticated", "logged-out", "expired"}
}

type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	LoggedOut
	Expired
)

func (s State) String() string {
	mapping := getStateMapping()
	if int(s) < 0 || int(s) >= len(mapping) {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return mapping[s]
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Credentials are used for a single login and never stored. With a
// Certificate and no Password the login is certificate based.
type Credentials struct {
	Username    string
	Password    string
	Certificate *x509.Certificate
}

// User is the explicit Username, or the certificate subject CN.
func (c Credentials) User() string {
	if c.Username != "" {
		return c.Username
	}
	if c.Certificate != nil {
		return UsernameFromCertificate(c.Certificate)
	}
	return ""
}

type Session struct {
	URL  string
	User string
	// ID and Key identify a hub session.
	ID  int64
	Key string
	// CSRFToken is set for update service sessions.
	CSRFToken string
	// Conn is owned by the session and released on logout.
	Conn *transport.Conn

	callnum atomic.Int64
}

// NextCall returns the next hub call number, starting at 0.
func (s *Session) NextCall() int64 {
	return s.callnum.Add(1) - 1
}

func (s *Session) release() {
	if s.Conn != nil {
		s.Conn.Release()
	}
}

// Authenticator is implemented by the protocol clients.
type Authenticator interface {
	URL() string
	Login(ctx context.Context, creds Credentials) (*Session, error)
	// Logout ends the server session and always releases s.Conn.
	Logout(ctx context.Context, s *Session) error
}

type Manager struct {
	auth    Authenticator
	service string
	log     logrus.FieldLogger

	mu      sync.RWMutex
	state   State
	session *Session
}

// NewManager returns a Manager for auth. service labels log entries and
// metrics, for example "koji" or "bodhi".
func NewManager(auth Authenticator, service string, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		auth:    auth,
		service: service,
		log:     logger.WithFields(logrus.Fields{"service": service, "url": auth.URL()}),
	}
}

func (m *Manager) URL() string {
	return m.auth.URL()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Login authenticates with creds. A failed login leaves the manager
// unauthenticated.
func (m *Manager) Login(ctx context.Context, creds Credentials) (*Session, error) {
	m.mu.Lock()
	if m.state == Authenticating || m.state == Authenticated {
		state := m.state
		m.mu.Unlock()
		return nil, clienterrors.Configuration("login", fmt.Sprintf("session for %s is %s, log out first", m.auth.URL(), state))
	}
	m.state = Authenticating
	m.mu.Unlock()

	m.log.WithField("user", creds.User()).Debug("logging in")
	s, err := m.auth.Login(ctx, creds)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = Unauthenticated
		m.session = nil
		prometheus.Logins.WithLabelValues(m.service, "failure").Inc()
		m.log.WithError(err).Warn("login failed")
		return nil, err
	}
	m.state = Authenticated
	m.session = s
	prometheus.Logins.WithLabelValues(m.service, "success").Inc()
	m.log.WithField("user", s.User).Info("logged in")
	return s, nil
}

// Logout ends the current session. The manager is logged out afterwards
// even when the server reports an error.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	state := m.state
	m.session = nil
	if state == Authenticated || state == Expired {
		m.state = LoggedOut
	}
	m.mu.Unlock()

	switch state {
	case Authenticated:
		err := m.auth.Logout(ctx, s)
		if err != nil {
			m.log.WithError(err).Warn("logout failed")
			return err
		}
		m.log.Info("logged out")
		return nil
	case Expired:
		return nil
	}
	return clienterrors.Session("logout", m.auth.URL(), 0, fmt.Sprintf("not logged in (%s)", state), nil)
}

// Session returns the active session or a session error.
func (m *Manager) Session() (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != Authenticated {
		return nil, clienterrors.Session("session", m.auth.URL(), 0, fmt.Sprintf("no active session (%s)", m.state), nil)
	}
	return m.session, nil
}

// Expire invalidates s after the server rejected it. It is a no-op when s
// is no longer the active session.
func (m *Manager) Expire(s *Session, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Authenticated || m.session != s {
		return
	}
	m.state = Expired
	m.session = nil
	s.release()
	m.log.WithError(cause).Warn("session expired")
}
