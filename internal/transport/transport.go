// Package transport executes single request/response exchanges against the
// build hub and the update service.
//
// A Client holds the TLS setup and hands out Conns. Every logical session
// acquires its own Conn and must Release it when done; Client.Open reports
// the Conns that are still outstanding.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"strings"
	"sync"
	"time"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
	"github.com/fedora-packager/hubclient/internal/prometheus"
)

const DefaultConnectTimeout = 30 * time.Second

var ErrReleased = errors.New("connection has already been released")

type Options struct {
	// ConnectTimeout bounds dialing and the TLS handshake. Defaults to 30s.
	ConnectTimeout time.Duration
	// RetryMax is the number of retries for idempotent requests. Other
	// requests are never retried.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	TLS          *TLSOptions
	UserAgent    string
	Logger       *logrus.Logger
}

type Client struct {
	opts      Options
	log       *logrus.Logger
	tlsConfig *tls.Config
	cert      *x509.Certificate
	degraded  bool

	mu   sync.Mutex
	open int
}

func NewClient(opts Options) (*Client, error) {
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	c := &Client{
		opts: opts,
		log:  logger,
	}

	if opts.TLS != nil {
		setup, err := NewTLSConfig(opts.TLS, logger)
		if err != nil {
			return nil, err
		}
		c.tlsConfig = setup.Config
		c.cert = setup.Certificate
		c.degraded = setup.Degraded
	}

	return c, nil
}

// Degraded is true when certificate setup failed and the client fell back to
// trust-all TLS.
func (c *Client) Degraded() bool {
	return c.degraded
}

// Certificate returns the parsed client certificate, or nil when the client
// does not authenticate with one.
func (c *Client) Certificate() *x509.Certificate {
	return c.cert
}

// Open returns the number of acquired and not yet released connections.
func (c *Client) Open() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Acquire returns a new pooled connection with its own cookie jar. The
// caller owns it and must call Release.
func (c *Client) Acquire() *Conn {
	rc := rh.NewClient()
	rc.Logger = newRetryLogger(c.log)
	rc.RetryMax = c.opts.RetryMax
	if c.opts.RetryWaitMin != 0 {
		rc.RetryWaitMin = c.opts.RetryWaitMin
	}
	if c.opts.RetryWaitMax != 0 {
		rc.RetryWaitMax = c.opts.RetryWaitMax
	}
	rc.CheckRetry = checkRetry
	// hand the last response to the protocol layer once retries are exhausted
	rc.ErrorHandler = rh.PassthroughErrorHandler

	transport := rc.HTTPClient.Transport.(*http.Transport)
	transport.DialContext = (&net.Dialer{
		Timeout:   c.opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = c.opts.ConnectTimeout
	if c.tlsConfig != nil {
		transport.TLSClientConfig = c.tlsConfig.Clone()
	}

	// cookiejar.New only fails on a bad public suffix list, we pass none
	jar, _ := cookiejar.New(nil)
	rc.HTTPClient.Jar = jar

	c.mu.Lock()
	c.open++
	c.mu.Unlock()
	prometheus.OpenConnections.Inc()

	return &Conn{
		client:    c,
		rc:        rc,
		transport: transport,
	}
}

func (c *Client) release() {
	c.mu.Lock()
	c.open--
	c.mu.Unlock()
	prometheus.OpenConnections.Dec()
}

type Request struct {
	// Op names the logical operation for errors and metrics.
	Op          string
	Method      string
	URL         string
	Body        []byte
	ContentType string
	AcceptJSON  bool
	// Idempotent requests may be retried on connection errors and 5xx.
	Idempotent bool
	Header     http.Header
}

type RawResponse struct {
	StatusCode int
	// Reason is the reason phrase of the status line.
	Reason string
	Header http.Header
	Body   []byte
}

// OK is true for 2xx responses.
func (r *RawResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Conn struct {
	client    *Client
	rc        *rh.Client
	transport *http.Transport

	mu       sync.Mutex
	released bool
}

// Do executes req and reads the whole body. It returns a response for every
// status code; interpreting non-2xx is left to the protocol layer.
func (c *Conn) Do(ctx context.Context, req *Request) (*RawResponse, error) {
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return nil, clienterrors.Transport(req.Op, req.URL, ErrReleased)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	if req.Idempotent {
		ctx = withIdempotent(ctx)
	}

	r, err := rh.NewRequestWithContext(ctx, method, req.URL, req.Body)
	if err != nil {
		return nil, clienterrors.Transport(req.Op, req.URL, err)
	}
	for k, v := range req.Header {
		r.Header[k] = v
	}
	if req.ContentType != "" {
		r.Header.Set("Content-Type", req.ContentType)
	}
	if req.AcceptJSON {
		r.Header.Set("Accept", "application/json")
	}
	if c.client.opts.UserAgent != "" {
		r.Header.Set("User-Agent", c.client.opts.UserAgent)
	}

	observe := prometheus.RequestObserver(req.Op)
	resp, err := c.rc.Do(r)
	observe()
	if err != nil {
		prometheus.Requests.WithLabelValues(req.Op, "error").Inc()
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, clienterrors.Cancelled(req.Op, ctx.Err())
		}
		return nil, clienterrors.Transport(req.Op, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		prometheus.Requests.WithLabelValues(req.Op, "error").Inc()
		return nil, clienterrors.Transport(req.Op, req.URL, err)
	}
	prometheus.Requests.WithLabelValues(req.Op, strconv.Itoa(resp.StatusCode)).Inc()

	return &RawResponse{
		StatusCode: resp.StatusCode,
		Reason:     reasonPhrase(resp),
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Release closes the pooled connections. It is safe to call more than once.
func (c *Conn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return
	}
	c.released = true
	c.transport.CloseIdleConnections()
	c.client.release()
}

// Released reports whether Release has been called.
func (c *Conn) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}
