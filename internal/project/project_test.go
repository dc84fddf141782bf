package project

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	s := &Static{
		Spec:        "rpms/foo/foo.spec",
		BranchRef:   "f40",
		BuildTarget: "f40-candidate",
		Name:        "foo",
		Version:     "1.2",
		Release:     "3.fc40",
		URL:         "git+https://src.fedoraproject.org/rpms/foo.git#abc123",
	}
	var root Root = s
	var vcs VCS = s

	assert.Equal(t, "f40", root.Branch())
	assert.Equal(t, "f40-candidate", root.Target())
	nvr, err := root.NVR(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "foo-1.2-3.fc40", nvr)

	needs, err := vcs.NeedsTag(context.Background())
	require.NoError(t, err)
	assert.True(t, needs)
	require.NoError(t, vcs.Tag(context.Background()))
	needs, _ = vcs.NeedsTag(context.Background())
	assert.False(t, needs)
	assert.Equal(t, 1, s.TagCalls())

	url, err := vcs.ScmURL(context.Background())
	require.NoError(t, err)
	assert.Contains(t, url, "#abc123")
}

func TestStaticIncomplete(t *testing.T) {
	s := &Static{Name: "foo"}
	_, err := s.NVR(context.Background())
	assert.Error(t, err)
	_, err = s.ScmURL(context.Background())
	assert.Error(t, err)
}

func TestParseNVR(t *testing.T) {
	tests := []struct {
		nvr, name, version, release string
	}{
		{"foo-1.2-3.fc40", "foo", "1.2", "3.fc40"},
		{"python-foo-bar-0.1-1", "python-foo-bar", "0.1", "1"},
	}
	for _, tt := range tests {
		t.Run(tt.nvr, func(t *testing.T) {
			n, v, r, err := ParseNVR(tt.nvr)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.name, tt.version, tt.release}, []string{n, v, r})
		})
	}

	for _, bad := range []string{"", "foo", "foo-1", "-1-2", "foo--1", "foo-1-"} {
		_, _, _, err := ParseNVR(bad)
		assert.Error(t, err, bad)
	}
}
