package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"crossdeck/decode"

	"github.com/spf13/cobra"
)

// Set with -ldflags "-X crossdeck/cmd.Version=...". Builds without them
// fall back to the module and VCS stamps of the binary.
var (
	Version   = "dev"
	GitCommit = ""
	BuildDate = ""
)

type build struct {
	Version string
	Commit  string
	Date    string
	Dirty   bool
}

func buildInfo() build {
	b := build{Version: Version, Commit: GitCommit, Date: BuildDate}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == "" {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == "" {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	return b
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print the crossdeck version, the commit it was built from and the formats it decodes.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b := buildInfo()
		out := cmd.OutOrStdout()

		if short, _ := cmd.Flags().GetBool("short"); short {
			fmt.Fprintln(out, b.Version)
			return nil
		}

		commit := b.Commit
		if commit == "" {
			commit = "unknown"
		} else if len(commit) > 12 {
			commit = commit[:12]
		}
		if b.Dirty {
			commit += "-dirty"
		}
		fmt.Fprintf(out, "crossdeck %s\n", b.Version)
		fmt.Fprintf(out, "  commit:  %s\n", commit)
		if b.Date != "" {
			fmt.Fprintf(out, "  built:   %s\n", b.Date)
		}
		fmt.Fprintf(out, "  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(out, "  formats: %s (others through ffmpeg)\n", strings.Join(decode.NativeFormats, ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("short", false, "print only the version")
}
