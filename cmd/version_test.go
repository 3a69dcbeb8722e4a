package cmd

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		// Flag values stick between runs, so the flagless case goes first.
		{"full", []string{"version"}, []string{"crossdeck " + buildInfo().Version, "commit:", "formats: mp3, wav, flac, ogg"}},
		{"short", []string{"version", "--short"}, []string{buildInfo().Version + "\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			rootCmd.SetOut(&out)
			rootCmd.SetArgs(tt.args)
			t.Cleanup(func() {
				rootCmd.SetOut(nil)
				rootCmd.SetArgs(nil)
			})

			if err := rootCmd.Execute(); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out.String(), w) {
					t.Errorf("output %q does not contain %q", out.String(), w)
				}
			}
			if tt.name == "short" && out.String() != tt.want[0] {
				t.Errorf("output = %q, want %q", out.String(), tt.want[0])
			}
		})
	}
}

func TestBuildInfoKeepsLinkerValues(t *testing.T) {
	old := [3]string{Version, GitCommit, BuildDate}
	t.Cleanup(func() { Version, GitCommit, BuildDate = old[0], old[1], old[2] })

	Version, GitCommit, BuildDate = "1.2.3", "abc123", "2026-01-02"
	b := buildInfo()
	if b.Version != "1.2.3" || b.Commit != "abc123" || b.Date != "2026-01-02" {
		t.Errorf("buildInfo() = %+v, want the linker values", b)
	}
}
