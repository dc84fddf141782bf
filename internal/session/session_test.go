package session_test

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/session"
	testhelpers "github.com/fedora-packager/hubclient/internal/test"
)

type fakeAuth struct {
	mu        sync.Mutex
	logins    int
	logouts   []*session.Session
	loginErr  error
	logoutErr error
	block     chan struct{}
}

func (a *fakeAuth) URL() string {
	return "https://koji.example.com/kojihub"
}

func (a *fakeAuth) Login(ctx context.Context, creds session.Credentials) (*session.Session, error) {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logins++
	if a.loginErr != nil {
		return nil, a.loginErr
	}
	return &session.Session{URL: a.URL(), User: creds.User(), ID: int64(a.logins), Key: fmt.Sprintf("key-%d", a.logins)}, nil
}

func (a *fakeAuth) Logout(ctx context.Context, s *session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logouts = append(a.logouts, s)
	return a.logoutErr
}

func newManager(auth session.Authenticator) *session.Manager {
	logger, _ := test.NewNullLogger()
	return session.NewManager(auth, "koji", logger)
}

var creds = session.Credentials{Username: "packager", Password: "secret"}

func TestLoginLogout(t *testing.T) {
	auth := &fakeAuth{}
	m := newManager(auth)
	assert.Equal(t, session.Unauthenticated, m.State())

	_, err := m.Session()
	assert.ErrorIs(t, err, clienterrors.ErrSession)

	s, err := m.Login(context.Background(), creds)
	require.NoError(t, err)
	assert.Equal(t, session.Authenticated, m.State())
	assert.Equal(t, "packager", s.User)

	active, err := m.Session()
	require.NoError(t, err)
	assert.Same(t, s, active)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, session.LoggedOut, m.State())
	assert.Equal(t, []*session.Session{s}, auth.logouts)
	_, err = m.Session()
	assert.ErrorIs(t, err, clienterrors.ErrSession)

	// a new login creates a new session
	again, err := m.Login(context.Background(), creds)
	require.NoError(t, err)
	assert.NotSame(t, s, again)
	assert.Equal(t, 2, auth.logins)
}

func TestLoginTwice(t *testing.T) {
	m := newManager(&fakeAuth{})
	_, err := m.Login(context.Background(), creds)
	require.NoError(t, err)
	_, err = m.Login(context.Background(), creds)
	assert.ErrorIs(t, err, clienterrors.ErrConfiguration)
	assert.Equal(t, session.Authenticated, m.State())
}

func TestLoginWhileAuthenticating(t *testing.T) {
	auth := &fakeAuth{block: make(chan struct{})}
	m := newManager(auth)

	done := make(chan error)
	go func() {
		_, err := m.Login(context.Background(), creds)
		done <- err
	}()
	require.Eventually(t, func() bool { return m.State() == session.Authenticating }, time.Second, time.Millisecond)

	_, err := m.Login(context.Background(), creds)
	assert.ErrorIs(t, err, clienterrors.ErrConfiguration)

	close(auth.block)
	require.NoError(t, <-done)
	assert.Equal(t, session.Authenticated, m.State())
}

func TestLoginFailure(t *testing.T) {
	auth := &fakeAuth{loginErr: clienterrors.Login("login", "https://koji.example.com/kojihub", 0, "bad password", nil)}
	m := newManager(auth)

	_, err := m.Login(context.Background(), creds)
	assert.ErrorIs(t, err, clienterrors.ErrLogin)
	assert.Equal(t, session.Unauthenticated, m.State())

	auth.loginErr = nil
	_, err = m.Login(context.Background(), creds)
	require.NoError(t, err)
}

func TestLogoutWithoutLogin(t *testing.T) {
	auth := &fakeAuth{}
	m := newManager(auth)
	assert.ErrorIs(t, m.Logout(context.Background()), clienterrors.ErrSession)
	assert.Empty(t, auth.logouts)
}

func TestLogoutFailureStillLogsOut(t *testing.T) {
	auth := &fakeAuth{logoutErr: errors.New("hub unreachable")}
	m := newManager(auth)
	_, err := m.Login(context.Background(), creds)
	require.NoError(t, err)

	assert.EqualError(t, m.Logout(context.Background()), "hub unreachable")
	assert.Equal(t, session.LoggedOut, m.State())
}

func TestExpire(t *testing.T) {
	auth := &fakeAuth{}
	m := newManager(auth)
	first, err := m.Login(context.Background(), creds)
	require.NoError(t, err)

	m.Expire(first, clienterrors.Session("build", "", 0, "session expired", nil))
	assert.Equal(t, session.Expired, m.State())
	_, err = m.Session()
	assert.ErrorIs(t, err, clienterrors.ErrSession)

	// logging out of an expired session does not contact the server
	require.NoError(t, m.Logout(context.Background()))
	assert.Empty(t, auth.logouts)
	assert.Equal(t, session.LoggedOut, m.State())

	// a stale expiry does not touch the new session
	second, err := m.Login(context.Background(), creds)
	require.NoError(t, err)
	m.Expire(first, errors.New("late"))
	assert.Equal(t, session.Authenticated, m.State())
	active, err := m.Session()
	require.NoError(t, err)
	assert.Same(t, second, active)
}

func TestNextCall(t *testing.T) {
	s := &session.Session{}
	var wg sync.WaitGroup
	seen := make([]int32, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			atomic.AddInt32(&seen[s.NextCall()], 1)
		}()
	}
	wg.Wait()
	for i, n := range seen {
		assert.Equal(t, int32(1), n, "callnum %d", i)
	}
	assert.Equal(t, int64(100), s.NextCall())
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(map[string]session.State{"state": session.Expired})
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"expired"}`, string(data))
	assert.Equal(t, "unknown(9)", session.State(9).String())
}

func TestCredentialsUser(t *testing.T) {
	assert.Equal(t, "packager", creds.User())
	cert := &x509.Certificate{}
	cert.Subject.CommonName = "certuser"
	assert.Equal(t, "certuser", session.Credentials{Certificate: cert}.User())
	assert.Equal(t, "", session.Credentials{}.User())
}

func TestCertificateStatus(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	_, cert := testhelpers.GenerateCertificate(t, t.TempDir(), "packager", now.Add(-24*time.Hour), now.Add(24*time.Hour))
	assert.Equal(t, "packager", session.UsernameFromCertificate(cert))

	valid := session.CertificateStatus{Certificate: cert, Now: func() time.Time { return now }}
	assert.False(t, valid.IsCertificateExpired())
	assert.False(t, valid.IsCertificateRevoked())

	expired := session.CertificateStatus{Certificate: cert, Now: func() time.Time { return now.Add(48 * time.Hour) }}
	assert.True(t, expired.IsCertificateExpired())

	notYet := session.CertificateStatus{Certificate: cert, Now: func() time.Time { return now.Add(-48 * time.Hour) }}
	assert.True(t, notYet.IsCertificateExpired())

	rejected := &net.OpError{Op: "remote error", Err: errors.New("tls: revoked certificate")}
	for _, tc := range []struct {
		expired bool
		failure error
		revoked bool
	}{
		{false, rejected, true},
		{false, errors.New("connection refused"), false},
		{true, rejected, false},
		{true, errors.New("connection refused"), false},
		{false, nil, false},
		{true, nil, false},
	} {
		at := now
		if tc.expired {
			at = now.Add(48 * time.Hour)
		}
		status := session.CertificateStatus{Certificate: cert, Failure: tc.failure, Now: func() time.Time { return at }}
		assert.Equal(t, tc.expired, status.IsCertificateExpired(), "expired=%v failure=%v", tc.expired, tc.failure)
		assert.Equal(t, tc.revoked, status.IsCertificateRevoked(), "expired=%v failure=%v", tc.expired, tc.failure)
	}

	assert.False(t, session.CertificateStatus{}.IsCertificateExpired())
}

func TestRegistry(t *testing.T) {
	var created atomic.Int32
	r := session.NewRegistry(func(url string) (*session.Manager, error) {
		created.Add(1)
		if url == "" {
			return nil, errors.New("empty url")
		}
		return newManager(&fakeAuth{}), nil
	})

	var wg sync.WaitGroup
	managers := make([]*session.Manager, 20)
	for i := range managers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := r.Get("https://koji.example.com/kojihub")
			assert.NoError(t, err)
			managers[i] = m
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, m := range managers {
		assert.Same(t, managers[0], m)
	}

	_, err := r.Get("https://bodhi.example.com")
	require.NoError(t, err)
	_, err = r.Get("")
	assert.Error(t, err)

	assert.Equal(t, []string{"https://bodhi.example.com", "https://koji.example.com/kojihub"}, r.URLs())
}
