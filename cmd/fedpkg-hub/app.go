package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/getsentry/sentry-go"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/bodhi"
	"github.com/fedora-packager/hubclient/internal/common"
	"github.com/fedora-packager/hubclient/internal/config"
	"github.com/fedora-packager/hubclient/internal/koji"
	"github.com/fedora-packager/hubclient/internal/poller"
	"github.com/fedora-packager/hubclient/internal/runner"
	"github.com/fedora-packager/hubclient/internal/session"
	"github.com/fedora-packager/hubclient/internal/submit"
	"github.com/fedora-packager/hubclient/internal/transport"
)

const passwordEnv = "FEDPKG_HUB_PASSWORD"

type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	out    io.Writer

	kojiTransport  *transport.Client
	bodhiTransport *transport.Client
	hubs           *session.Registry
	updateServices *session.Registry

	runner  *runner.Runner
	poller  *poller.Poller
	metrics *echo.Echo
	sentry  bool

	closeOnce sync.Once
	closeErr  error
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	logger := logrus.StandardLogger()
	err := common.ConfigureLogging(logger, common.LogOptions{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Journal: cfg.Logging.Journal,
		Channel: cfg.Logging.Channel,
		Output:  os.Stderr,
	})
	if err != nil {
		return nil, err
	}
	logConfig(logger, cfg)

	a := &app{cfg: cfg, logger: logger, out: out}

	a.kojiTransport, err = transport.NewClient(cfg.KojiTransport(logger))
	if err != nil {
		return nil, fmt.Errorf("cannot set up the hub transport: %w", err)
	}
	a.bodhiTransport, err = transport.NewClient(cfg.BodhiTransport(logger))
	if err != nil {
		return nil, fmt.Errorf("cannot set up the update service transport: %w", err)
	}

	a.hubs = session.NewRegistry(func(url string) (*session.Manager, error) {
		return session.NewManager(a.kojiClient(url), "koji", logger), nil
	})
	a.updateServices = session.NewRegistry(func(url string) (*session.Manager, error) {
		return session.NewManager(bodhi.New(url, a.bodhiTransport, logger), "bodhi", logger), nil
	})

	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Release:     common.BuildCommit,
			Environment: cfg.Logging.Channel,
		})
		if err != nil {
			logger.Warnf("Sentry initialization failed: %v", err)
		} else {
			a.sentry = true
		}
	}

	a.runner = runner.New(cfg.Workers, newResultSink(out, a.sentry, logger), logger)
	a.poller = poller.New(poller.Options{
		Interval: cfg.Poller.Interval,
		Tick:     cfg.Poller.Tick,
		Logger:   logger,
	})

	if cfg.MetricsListen != "" {
		a.metrics = newMetricsServer(logger)
		go func() {
			err := a.metrics.Start(cfg.MetricsListen)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
	}
	return a, nil
}

// logConfig prints the configuration at debug level, the way it was read.
func logConfig(logger *logrus.Logger, cfg *config.Config) {
	if !logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	var buf bytes.Buffer
	redacted := *cfg
	if redacted.SentryDSN != "" {
		redacted.SentryDSN = "<redacted>"
	}
	if err := toml.NewEncoder(&buf).Encode(redacted); err != nil {
		logger.WithError(err).Debug("cannot print configuration")
		return
	}
	logger.Debugf("configuration:\n%s", buf.String())
}

func (a *app) kojiClient(url string) *koji.Client {
	k := koji.New(url, a.kojiTransport, a.logger)
	k.ChunkSize = int(a.cfg.Koji.ChunkSize)
	return k
}

func (a *app) hub() *koji.Client {
	return a.kojiClient(a.cfg.Koji.Server)
}

func credentials(cert *transport.Client) (session.Credentials, error) {
	if c := cert.Certificate(); c != nil && user == "" {
		return session.Credentials{Certificate: c}, nil
	}
	if user == "" {
		return session.Credentials{}, fmt.Errorf("no client certificate configured, pass --user and set %s", passwordEnv)
	}
	password, ok := os.LookupEnv(passwordEnv)
	if !ok {
		return session.Credentials{}, fmt.Errorf("%s is not set", passwordEnv)
	}
	return session.Credentials{Username: user, Password: password}, nil
}

// loginHub logs in to the configured hub. The returned function logs out.
func (a *app) loginHub(ctx context.Context) (*session.Manager, func(), error) {
	return a.login(ctx, a.hubs, a.cfg.Koji.Server, a.kojiTransport)
}

func (a *app) loginUpdateService(ctx context.Context) (*session.Manager, func(), error) {
	return a.login(ctx, a.updateServices, a.cfg.Bodhi.URL, a.bodhiTransport)
}

func (a *app) login(ctx context.Context, registry *session.Registry, url string, tc *transport.Client) (*session.Manager, func(), error) {
	m, err := registry.Get(url)
	if err != nil {
		return nil, nil, err
	}
	creds, err := credentials(tc)
	if err != nil {
		return nil, nil, err
	}
	if _, err := m.Login(ctx, creds); err != nil {
		return nil, nil, err
	}
	return m, func() {
		// the caller's context may be cancelled already
		lctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.Logout(lctx); err != nil {
			a.logger.WithError(err).Warn("logout failed")
		}
	}, nil
}

func (a *app) engine(hubSessions, updateSessions *session.Manager) *submit.Engine {
	opts := submit.Options{
		Hub:     a.hub(),
		Updates: bodhi.New(a.cfg.Bodhi.URL, a.bodhiTransport, a.logger),
		Logger:  a.logger,
	}
	if hubSessions != nil {
		opts.HubSessions = hubSessions
	}
	if updateSessions != nil {
		opts.UpdateSessions = updateSessions
	}
	return submit.New(opts)
}

// run executes task in the background and waits for it. The result is
// printed by the sink; a failed task is returned as error.
func (a *app) run(ctx context.Context, op string, task runner.TaskFunc) error {
	res := a.runner.Go(ctx, op, task).Wait()
	switch res.Status {
	case runner.StatusFailed:
		return res.Err
	case runner.StatusCancelled:
		return fmt.Errorf("%s cancelled", op)
	}
	return nil
}

func (a *app) Close() error {
	a.closeOnce.Do(func() {
		a.runner.Wait()
		if a.metrics != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			a.closeErr = a.metrics.Shutdown(ctx)
		}
		if a.sentry {
			sentry.Flush(2 * time.Second)
		}
		if open := a.kojiTransport.Open() + a.bodhiTransport.Open(); open > 0 {
			a.logger.Warnf("%d connections still open", open)
		}
	})
	return a.closeErr
}
