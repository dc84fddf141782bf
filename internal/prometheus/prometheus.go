package prometheus

import (
	"time"
)

const (
	namespace          = "fedpkg_hub"
	transportSubsystem = "transport"
	sessionSubsystem   = "session"
	submitSubsystem    = "submit"
	pollerSubsystem    = "poller"
	runnerSubsystem    = "runner"
)

type ObserveFunc func() time.Duration
