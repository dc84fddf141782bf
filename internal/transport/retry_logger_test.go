package transport

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubURL(t *testing.T) {
	assert.Equal(t,
		"https://koji.example.com/kojihub?callnum=3&session-id=12&session-key=xxxxx",
		scrubURL("https://koji.example.com/kojihub?session-id=12&session-key=s3cr3t&callnum=3"))
	assert.Equal(t, "https://bodhi.example.com/save", scrubURL("https://bodhi.example.com/save"))
	assert.Equal(t, "%zz", scrubURL("%zz"))
}

func TestRetryLoggerLevels(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	l := newRetryLogger(logger)

	l.Debug("performing request", "method", "POST", "url", "https://koji.example.com/kojihub?session-key=s3cr3t")
	l.Debug("retrying request", "request", "POST https://koji.example.com/kojihub", "remaining", 2)
	l.Warn("odd", "ignored")

	entries := hook.AllEntries()
	require.Len(t, entries, 3)
	assert.Equal(t, logrus.DebugLevel, entries[0].Level)
	assert.Equal(t, "https://koji.example.com/kojihub?session-key=xxxxx", entries[0].Data["url"])
	assert.Equal(t, logrus.InfoLevel, entries[1].Level)
	assert.Equal(t, 2, entries[1].Data["remaining"])
	assert.Empty(t, entries[2].Data)
}
