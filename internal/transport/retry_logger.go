package transport

import (
	"fmt"
	"net/url"
	"strings"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// secretParams never show up in log entries.
var secretParams = []string{"session-key", "password"}

// retryLogger hands retryablehttp messages to logrus. Retries are reported
// at info so that they are visible by default.
type retryLogger struct {
	log *logrus.Logger
}

func newRetryLogger(logger *logrus.Logger) rh.LeveledLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &retryLogger{log: logger}
}

func (l *retryLogger) entry(keysAndValues []interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		value := keysAndValues[i+1]
		if key == "url" {
			value = scrubURL(fmt.Sprint(value))
		}
		fields[key] = value
	}
	return l.log.WithFields(fields)
}

// scrubURL masks session secrets in the query of raw.
func scrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q := u.Query()
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "xxxxx")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Error(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Info(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	if strings.Contains(msg, "retrying") {
		l.entry(keysAndValues).Info(msg)
		return
	}
	l.entry(keysAndValues).Debug(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry(keysAndValues).Warn(msg)
}
