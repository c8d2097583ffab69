package cmd

import (
	"fmt"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

// quality wraps a devtool check into a command.
func quality(use, short, what string, run func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := run(); err != nil {
				return fmt.Errorf("failed to run %s: %w", what, err)
			}
			return nil
		},
	}
}

// TestCmd runs unit tests. Drivers are tested against the simulated bus so
// no hardware is needed.
func TestCmd() *cobra.Command {
	return quality("test", "Run tests", "tests", func() error { return test.Test() })
}

func LintCmd() *cobra.Command {
	return quality("lint", "Run linting", "linting", func() error { return test.Lint() })
}

// IntegrationTestCmd runs tests that need sensors attached to the host.
func IntegrationTestCmd() *cobra.Command {
	return quality("integration-test", "Run integration testing against attached sensors", "integration testing", func() error { return test.Integ() })
}
