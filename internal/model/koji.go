package model

import (
	"encoding/json"
	"fmt"
	"time"
)

func getTaskStateMapping() []string {
	return []string{"FREE", "OPEN", "CLOSED", "CANCELED", "ASSIGNED", "FAILED"}
}

type TaskState int

const (
	TaskFree TaskState = iota
	TaskOpen
	TaskClosed
	TaskCanceled
	TaskAssigned
	TaskFailed
)

func (s TaskState) String() string {
	mapping := getTaskStateMapping()
	if int(s) < 0 || int(s) >= len(mapping) {
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
	return mapping[s]
}

// Terminal is true once the hub will not change the task state anymore.
func (s TaskState) Terminal() bool {
	return s == TaskClosed || s == TaskCanceled || s == TaskFailed
}

func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *TaskState) UnmarshalJSON(data []byte) error {
	val, err := unmarshalStateHelper(data, getTaskStateMapping(), "task state")
	if err != nil {
		return err
	}
	*s = TaskState(val)
	return nil
}

func getBuildStateMapping() []string {
	return []string{"BUILDING", "COMPLETE", "DELETED", "FAILED", "CANCELED"}
}

type BuildState int

const (
	BuildBuilding BuildState = iota
	BuildComplete
	BuildDeleted
	BuildFailed
	BuildCanceled
)

func (s BuildState) String() string {
	mapping := getBuildStateMapping()
	if int(s) < 0 || int(s) >= len(mapping) {
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
	return mapping[s]
}

// Blocking is true for builds that prevent a new build of the same NVR.
func (s BuildState) Blocking() bool {
	return s == BuildBuilding || s == BuildComplete
}

func (s BuildState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *BuildState) UnmarshalJSON(data []byte) error {
	val, err := unmarshalStateHelper(data, getBuildStateMapping(), "build state")
	if err != nil {
		return err
	}
	*s = BuildState(val)
	return nil
}

// ParseBuildState maps the names used in hub fault messages.
func ParseBuildState(name string) (BuildState, bool) {
	for n, str := range getBuildStateMapping() {
		if str == name {
			return BuildState(n), true
		}
	}
	return 0, false
}

func getRepoStateMapping() []string {
	return []string{"INIT", "READY", "EXPIRED", "DELETED", "PROBLEM"}
}

type RepoState int

const (
	RepoInit RepoState = iota
	RepoReady
	RepoExpired
	RepoDeleted
	RepoProblem
)

func (s RepoState) String() string {
	mapping := getRepoStateMapping()
	if int(s) < 0 || int(s) >= len(mapping) {
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
	return mapping[s]
}

func unmarshalStateHelper(data []byte, mapping []string, what string) (int, error) {
	var stringInput string
	err := json.Unmarshal(data, &stringInput)
	if err != nil {
		return 0, err
	}
	for n, str := range mapping {
		if str == stringInput {
			return n, nil
		}
	}
	return 0, fmt.Errorf("invalid %s: %s", what, stringInput)
}

// RepoInfo is a snapshot of the current repository of a build tag.
type RepoInfo struct {
	ID           int       `xmlrpc:"id" json:"id"`
	State        RepoState `xmlrpc:"state" json:"state"`
	CreateEvent  int       `xmlrpc:"create_event" json:"create_event"`
	CreationTime string    `xmlrpc:"creation_time" json:"creation_time"`
	CreateTS     float64   `xmlrpc:"create_ts" json:"create_ts"`
	Dist         bool      `xmlrpc:"dist" json:"dist"`
}

// Equal compares field by field. A regenerated repository always differs
// from its predecessor in at least ID and CreateEvent.
func (r RepoInfo) Equal(other RepoInfo) bool {
	return r.ID == other.ID &&
		r.State == other.State &&
		r.CreateEvent == other.CreateEvent &&
		r.CreationTime == other.CreationTime &&
		r.CreateTS == other.CreateTS &&
		r.Dist == other.Dist
}

func (r RepoInfo) Created() (time.Time, error) {
	ts, err := ParseTimestamp(r.CreationTime)
	if err != nil {
		return time.Time{}, err
	}
	return ts.Time, nil
}

type TaskInfo struct {
	ID             int       `xmlrpc:"id" json:"id"`
	Method         string    `xmlrpc:"method" json:"method"`
	State          TaskState `xmlrpc:"state" json:"state"`
	Owner          int       `xmlrpc:"owner" json:"owner"`
	Label          string    `xmlrpc:"label" json:"label,omitempty"`
	Parent         int       `xmlrpc:"parent" json:"parent,omitempty"`
	CreateTime     string    `xmlrpc:"create_time" json:"create_time"`
	StartTime      string    `xmlrpc:"start_time" json:"start_time,omitempty"`
	CompletionTime string    `xmlrpc:"completion_time" json:"completion_time,omitempty"`
}

type BuildInfo struct {
	ID        int        `xmlrpc:"id" json:"id"`
	TaskID    int        `xmlrpc:"task_id" json:"task_id"`
	NVR       string     `xmlrpc:"nvr" json:"nvr"`
	Name      string     `xmlrpc:"name" json:"name"`
	Version   string     `xmlrpc:"version" json:"version"`
	Release   string     `xmlrpc:"release" json:"release"`
	State     BuildState `xmlrpc:"state" json:"state"`
	OwnerName string     `xmlrpc:"owner_name" json:"owner_name"`
}

type BuildTarget struct {
	ID           int    `xmlrpc:"id" json:"id"`
	Name         string `xmlrpc:"name" json:"name"`
	BuildTag     int    `xmlrpc:"build_tag" json:"build_tag"`
	BuildTagName string `xmlrpc:"build_tag_name" json:"build_tag_name"`
	DestTag      int    `xmlrpc:"dest_tag" json:"dest_tag"`
	DestTagName  string `xmlrpc:"dest_tag_name" json:"dest_tag_name"`
}

// BuildRequest describes a single build. Source is an SCM URL or the path
// of an uploaded SRPM on the hub. NVR is optional and enables the
// already-built check before submission.
type BuildRequest struct {
	Target  string
	Source  string
	NVR     string
	Scratch bool
}

// ChainBuildRequest groups sources into an ordered chain. Every group is
// built after the previous one has been tagged; order inside a group is
// irrelevant.
type ChainBuildRequest struct {
	Target string
	Groups [][]string
}
