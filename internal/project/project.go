// Package project describes the packaging checkout a build is submitted
// from. The client only reads it; inspecting a real repository is left to
// the callers.
package project

import (
	"context"
	"fmt"
	"strings"
)

// Root is a package checkout.
type Root interface {
	SpecfilePath() string
	Branch() string
	// Target is the build target of the branch, e.g. "f40-candidate".
	Target() string
	NVR(ctx context.Context) (string, error)
}

// VCS is the version control state of a checkout.
type VCS interface {
	// NeedsTag is true when the checked out commit has no tag for the
	// current NVR yet.
	NeedsTag(ctx context.Context) (bool, error)
	Tag(ctx context.Context) error
	// ScmURL is the source URL the hub builds from.
	ScmURL(ctx context.Context) (string, error)
}

// Static is a Root and VCS built from known values. It never touches a
// repository.
type Static struct {
	Spec        string
	BranchRef   string
	BuildTarget string
	Name        string
	Version     string
	Release     string
	URL         string
	Tagged      bool

	tagCalls int
}

func (s *Static) SpecfilePath() string {
	return s.Spec
}

func (s *Static) Branch() string {
	return s.BranchRef
}

func (s *Static) Target() string {
	return s.BuildTarget
}

func (s *Static) NVR(ctx context.Context) (string, error) {
	if s.Name == "" || s.Version == "" || s.Release == "" {
		return "", fmt.Errorf("incomplete NVR: name=%q version=%q release=%q", s.Name, s.Version, s.Release)
	}
	return strings.Join([]string{s.Name, s.Version, s.Release}, "-"), nil
}

func (s *Static) NeedsTag(ctx context.Context) (bool, error) {
	return !s.Tagged, nil
}

func (s *Static) Tag(ctx context.Context) error {
	s.tagCalls++
	s.Tagged = true
	return nil
}

// TagCalls counts the calls to Tag.
func (s *Static) TagCalls() int {
	return s.tagCalls
}

func (s *Static) ScmURL(ctx context.Context) (string, error) {
	if s.URL == "" {
		return "", fmt.Errorf("no scm url for %s", s.Spec)
	}
	return s.URL, nil
}

// ParseNVR splits an NVR into name, version and release. The name may
// contain dashes itself.
func ParseNVR(nvr string) (name, version, release string, err error) {
	r := strings.LastIndex(nvr, "-")
	if r <= 0 {
		return "", "", "", fmt.Errorf("invalid NVR %q", nvr)
	}
	v := strings.LastIndex(nvr[:r], "-")
	if v <= 0 || r-v < 2 || r == len(nvr)-1 {
		return "", "", "", fmt.Errorf("invalid NVR %q", nvr)
	}
	return nvr[:v], nvr[v+1 : r], nvr[r+1:], nil
}
