package main

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"github.com/fedora-packager/hubclient/internal/runner"
)

// resultSink prints every result as one JSON line. Failures are reported
// to Sentry when it is enabled.
type resultSink struct {
	mu     sync.Mutex
	enc    *json.Encoder
	sentry bool
	log    *logrus.Logger
}

func newResultSink(out io.Writer, withSentry bool, logger *logrus.Logger) *resultSink {
	return &resultSink{enc: json.NewEncoder(out), sentry: withSentry, log: logger}
}

type printedResult struct {
	runner.Result
	Error string `json:"error,omitempty"`
}

func (s *resultSink) Deliver(r runner.Result) {
	printed := printedResult{Result: r}
	if r.Err != nil {
		printed.Error = r.Err.Error()
	}

	s.mu.Lock()
	err := s.enc.Encode(printed)
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Error("cannot print result")
	}

	if s.sentry && r.Status == runner.StatusFailed && r.Err != nil {
		sentry.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("operation", r.Operation)
			scope.SetTag("operation_id", r.OperationID)
			if r.TaskID != 0 {
				scope.SetExtra("task_id", r.TaskID)
			}
			sentry.CaptureException(r.Err)
		})
	}
}
