package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

const chglog = "git-chglog"

func ChangelogCmd() *cobra.Command {
	var next, output, tag string
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Generate or update CHANGELOG.md from git history",
		Long: `Generate CHANGELOG.md with git-chglog from conventional commits
(feat, fix, docs, refactor, test, perf, build, ci, chore).

Examples:
  dev changelog
  dev changelog --next v0.2.0
  dev changelog --tag v0.1.0 --output CHANGES.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := exec.LookPath(chglog); err != nil {
				slog.Error("git-chglog not found in PATH, install it with: go install github.com/git-chglog/git-chglog/cmd/git-chglog@latest")
				return fmt.Errorf("%s not installed: %w", chglog, err)
			}
			if output == "" {
				output = "CHANGELOG.md"
			}
			chglogArgs := []string{"--output", output}
			if next != "" {
				chglogArgs = append(chglogArgs, "--next-tag", next)
			}
			if tag != "" {
				chglogArgs = append(chglogArgs, tag)
			}
			slog.Info("running git-chglog", "args", chglogArgs)
			run := exec.Command(chglog, chglogArgs...)
			run.Stdout = os.Stdout
			run.Stderr = os.Stderr
			if err := run.Run(); err != nil {
				return fmt.Errorf("failed to generate changelog: %w", err)
			}
			slog.Info("changelog generated", "output", output)
			return nil
		},
	}
	cmd.Flags().StringVar(&next, "next", "", "next version tag (e.g. v0.2.0)")
	cmd.Flags().StringVar(&output, "output", "CHANGELOG.md", "output file path")
	cmd.Flags().StringVar(&tag, "tag", "", "generate changelog for a specific tag")
	return cmd
}
