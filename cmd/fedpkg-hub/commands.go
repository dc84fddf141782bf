package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fedora-packager/hubclient/internal/model"
	"github.com/fedora-packager/hubclient/internal/project"
	"github.com/fedora-packager/hubclient/internal/session"
	"github.com/fedora-packager/hubclient/internal/submit"
	"github.com/fedora-packager/hubclient/internal/transport"
)

var (
	target  string
	scratch bool

	nvr    string
	scmURL string
	branch string

	updateBuilds  []string
	updateType    string
	updateRequest string
	updateNotes   string
	updateBugs    []string
	autoKarma     bool
	stableKarma   string
	unstableKarma string
	suggestReboot bool
	closeBugs     bool
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the tagged commit of a package on the hub",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		req := model.BuildRequest{Target: target, Source: scmURL, Scratch: scratch}
		if nvr != "" {
			p := &project.Static{
				BranchRef:   branch,
				BuildTarget: target,
				URL:         scmURL,
				// tagging is left to the caller's VCS tooling
				Tagged: true,
			}
			var err error
			if p.Name, p.Version, p.Release, err = project.ParseNVR(nvr); err != nil {
				return err
			}
			if req, err = submit.BuildRequestFromProject(ctx, p, p, scratch); err != nil {
				return err
			}
		}

		hubs, logout, err := current.loginHub(ctx)
		if err != nil {
			return err
		}
		defer logout()

		e := current.engine(hubs, nil)
		call, err := e.PrepareBuild(req)
		if err != nil {
			return err
		}
		return current.run(ctx, "build", e.BuildTask(call))
	},
}

var chainBuildCmd = &cobra.Command{
	Use:   "chain-build SOURCE... [: SOURCE...]...",
	Short: "Build groups of sources one after another, groups are separated by ':'",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groups := splitGroups(args)

		ctx := cmd.Context()
		hubs, logout, err := current.loginHub(ctx)
		if err != nil {
			return err
		}
		defer logout()

		e := current.engine(hubs, nil)
		call, err := e.PrepareChainBuild(model.ChainBuildRequest{Target: target, Groups: groups})
		if err != nil {
			return err
		}
		return current.run(ctx, "chain-build", e.BuildTask(call))
	},
}

// splitGroups splits arguments at ":" separators. Empty groups are kept
// so that they are reported.
func splitGroups(args []string) [][]string {
	groups := [][]string{{}}
	for _, arg := range args {
		if arg == ":" {
			groups = append(groups, []string{})
			continue
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], arg)
	}
	return groups
}

var scratchSRPMCmd = &cobra.Command{
	Use:   "scratch-srpm SRPM",
	Short: "Upload a source RPM and scratch build it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		hubs, logout, err := current.loginHub(ctx)
		if err != nil {
			return err
		}
		defer logout()

		e := current.engine(hubs, nil)
		call, err := e.PrepareSRPMBuild(target, args[0], true)
		if err != nil {
			return err
		}
		return current.run(ctx, "scratch-srpm", e.BuildTask(call))
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Submit an update to Bodhi",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		stable, err := model.ParseKarma(stableKarma)
		if err != nil {
			return err
		}
		unstable, err := model.ParseKarma(unstableKarma)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		updates, logout, err := current.loginUpdateService(ctx)
		if err != nil {
			return err
		}
		defer logout()

		e := current.engine(nil, updates)
		call, err := e.PrepareUpdate(model.UpdateRequest{
			Builds:        updateBuilds,
			Type:          model.UpdateType(updateType),
			Request:       model.UpdateStage(updateRequest),
			Notes:         updateNotes,
			Bugs:          updateBugs,
			AutoKarma:     autoKarma,
			StableKarma:   stable,
			UnstableKarma: unstable,
			SuggestReboot: suggestReboot,
			CloseBugs:     closeBugs,
		})
		if err != nil {
			return err
		}
		return current.run(ctx, "update", e.UpdateTask(call))
	},
}

var waitRepoCmd = &cobra.Command{
	Use:   "wait-repo TAG",
	Short: "Wait until the build repository of TAG is regenerated",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return current.run(cmd.Context(), "wait-repo", current.poller.RepoTask(current.hub(), args[0]))
	},
}

var waitTaskCmd = &cobra.Command{
	Use:   "wait-task TASK-ID",
	Short: "Wait until a hub task finished",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		return current.run(cmd.Context(), "wait-task", current.poller.TaskTask(current.hub(), id))
	},
}

var taskInfoCmd = &cobra.Command{
	Use:   "task-info TASK-ID",
	Short: "Print the state of a hub task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		info, err := current.hub().GetTaskInfo(cmd.Context(), id)
		if err != nil {
			return err
		}
		return printJSON(cmd, info)
	},
}

var listBuildTagsCmd = &cobra.Command{
	Use:   "list-build-tags [PATTERN]",
	Short: "List the build tags of all targets, optionally filtered by a glob",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pattern := ""
		if len(args) == 1 {
			pattern = args[0]
		}
		tags, err := current.hub().ListBuildTags(cmd.Context(), pattern)
		if err != nil {
			return err
		}
		for _, tag := range tags {
			fmt.Fprintln(cmd.OutOrStdout(), tag)
		}
		return nil
	},
}

type certificateReport struct {
	File     string `json:"file"`
	User     string `json:"user"`
	NotAfter string `json:"not_after"`
	Expired  bool   `json:"expired"`
	Revoked  bool   `json:"revoked"`
	Degraded bool   `json:"degraded"`
}

var certStatusCmd = &cobra.Command{
	Use:   "cert-status",
	Short: "Check the client certificate against the hub",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := current.cfg
		if cfg.Koji.Cert == "" {
			return fmt.Errorf("no client certificate configured")
		}
		_, cert, err := transport.LoadClientCertificate(cfg.Koji.Cert, cfg.Koji.Key)
		if err != nil {
			return err
		}

		status := session.CertificateStatus{Certificate: cert}
		if !status.IsCertificateExpired() {
			// a revoked certificate is refused during the handshake
			_, status.Failure = current.hub().GetAPIVersion(cmd.Context())
		}
		return printJSON(cmd, certificateReport{
			File:     cfg.Koji.Cert,
			User:     session.UsernameFromCertificate(cert),
			NotAfter: cert.NotAfter.UTC().Format("2006-01-02 15:04:05"),
			Expired:  status.IsCertificateExpired(),
			Revoked:  status.IsCertificateRevoked(),
			Degraded: current.kojiTransport.Degraded(),
		})
	},
}

func parseTaskID(arg string) (int, error) {
	id, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", arg)
	}
	return id, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, cmd := range []*cobra.Command{buildCmd, chainBuildCmd, scratchSRPMCmd} {
		cmd.Flags().StringVarP(&target, "target", "t", "", "build target, e.g. f40-candidate")
		_ = cmd.MarkFlagRequired("target")
	}
	buildCmd.Flags().BoolVar(&scratch, "scratch", false, "scratch build")
	buildCmd.Flags().StringVar(&scmURL, "scm-url", "", "source URL the hub builds from")
	buildCmd.Flags().StringVar(&nvr, "nvr", "", "NVR of the build, enables the existing build check")
	buildCmd.Flags().StringVar(&branch, "branch", "", "dist-git branch")
	_ = buildCmd.MarkFlagRequired("scm-url")

	flags := updateCmd.Flags()
	flags.StringArrayVarP(&updateBuilds, "build", "b", nil, "NVR to include, may be repeated")
	flags.StringVar(&updateType, "type", string(model.UpdateTypeBugfix), "bugfix, security, enhancement or newpackage")
	flags.StringVar(&updateRequest, "request", string(model.UpdateStageTesting), "testing or stable")
	flags.StringVar(&updateNotes, "notes", "", "update notes")
	flags.StringSliceVar(&updateBugs, "bugs", nil, "bug numbers")
	flags.BoolVar(&autoKarma, "autokarma", true, "push automatically once the stable karma is reached")
	flags.StringVar(&stableKarma, "stable-karma", "3", "karma for an automatic push to stable")
	flags.StringVar(&unstableKarma, "unstable-karma", "-3", "karma for an automatic unpush")
	flags.BoolVar(&suggestReboot, "suggest-reboot", false, "suggest a reboot after installing the update")
	flags.BoolVar(&closeBugs, "close-bugs", true, "close the bugs once the update is stable")
	_ = updateCmd.MarkFlagRequired("build")
}
