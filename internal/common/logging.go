package common

import (
	"fmt"
	"io"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

var (
	// Git SHA commit (only first few characters)
	BuildCommit = "HEAD"

	// Build date and time
	BuildTime = "N/A"
)

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, bs := range bi.Settings {
			switch bs.Key {
			case "vcs.revision":
				if len(bs.Value) > 6 {
					BuildCommit = bs.Value[0:6]
				}
			case "vcs.time":
				BuildTime = bs.Value
			}
		}
	}
}

// EnvironmentHook tags every entry with the channel the client runs in,
// for example "cli" or "test".
type EnvironmentHook struct {
	Channel string
}

func (h *EnvironmentHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *EnvironmentHook) Fire(e *logrus.Entry) error {
	e.Data["channel"] = h.Channel
	return nil
}

// BuildHook adds the commit and time of the build to error entries.
type BuildHook struct{}

func (h *BuildHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h *BuildHook) Fire(e *logrus.Entry) error {
	e.Data["build_commit"] = BuildCommit
	e.Data["build_time"] = BuildTime
	return nil
}

type LogOptions struct {
	Level   string
	Format  string
	Journal bool
	Channel string
	Output  io.Writer
}

// ConfigureLogging applies opts to logger. Format is "text" or "json".
func ConfigureLogging(logger *logrus.Logger, opts LogOptions) error {
	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	logger.SetLevel(level)

	switch opts.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", opts.Format)
	}

	if opts.Output != nil {
		logger.SetOutput(opts.Output)
	}
	if opts.Channel != "" {
		logger.AddHook(&EnvironmentHook{Channel: opts.Channel})
	}
	logger.AddHook(&BuildHook{})
	if opts.Journal {
		logger.AddHook(&JournalHook{Identifier: "fedpkg-hub"})
	}
	return nil
}
