package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/gophertribe/devtool/build"
)

const (
	binary      = "dist/tof"
	mainPackage = "./cmd/tof"
	// versionPackage receives the injected build version.
	versionPackage = "github.com/mklimuk/tof/config"
	builderImage   = "gophertribe/gobuild:1.25-bookworm"
)

func BuildCmd() *cobra.Command {
	var (
		goos, arch, version string
		crossOS, crossArch  string
		noCache             bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the tof cli",
		Long: `Build the tof cli into dist/tof.

A native build runs go build with cgo enabled (the MCP2221 bridge needs
hidapi). Any other target is built inside the builder image.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if goos == runtime.GOOS && arch == runtime.GOARCH {
				if crossOS != "" && crossArch != "" {
					goos, arch = crossOS, crossArch
				}
				return build.GoBuild(binary, mainPackage, build.GoBuildOpts{
					Version:       version,
					InjectVersion: true,
					ConfigPackage: versionPackage,
					EnableCgo:     true,
					Arch:          arch,
					OS:            goos,
				})
			}
			args = []string{"build", "--version", version, "--cross-os", crossOS, "--cross-arch", crossArch}
			return build.Docker(cmd.Context(), fmt.Sprintf("./dev-%s-%s", goos, arch), args, build.DockerBuildOpts{
				NoCache: noCache,
				Image:   builderImage,
			})
		},
	}
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "do not use cache when building the app")
	cmd.Flags().StringVar(&version, "version", "latest", "version of the cli")
	cmd.Flags().StringVar(&goos, "os", runtime.GOOS, "os to build for")
	cmd.Flags().StringVar(&arch, "arch", runtime.GOARCH, "arch to build for")
	cmd.Flags().StringVar(&crossOS, "cross-os", "", "os to cross-compile for")
	cmd.Flags().StringVar(&crossArch, "cross-arch", "", "arch to cross-compile for")
	return cmd
}
