package version

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Info is populated from ldflags by the release build.
type Info struct {
	Version string `yaml:"version"`
	Commit  string `yaml:"commit"`
	Date    string `yaml:"built_at"`
	BuiltBy string `yaml:"built_by"`
}

//nolint:gochecknoglobals
var (
	info = Info{Version: "dev", Commit: "none", Date: "unknown", BuiltBy: "unknown"}

	shortFlag bool
	yamlFlag  bool
)

func SetVersionInfo(v, c, d, b string) {
	info = Info{Version: v, Commit: c, Date: d, BuiltBy: b}
}

func GetVersion() string {
	return fmt.Sprintf("%s (commit: %s, date: %s)", info.Version, info.Commit, info.Date)
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return write(cmd.OutOrStdout(), info)
	},
}

func init() {
	VersionCmd.Flags().BoolVar(&shortFlag, "short", false, "print the version number only")
	VersionCmd.Flags().BoolVar(&yamlFlag, "yaml", false, "print build information as YAML")
}

func write(out io.Writer, i Info) error {
	switch {
	case shortFlag:
		_, err := fmt.Fprintln(out, i.Version)
		return err
	case yamlFlag:
		bytes, err := yaml.Marshal(i)
		if err != nil {
			return err
		}
		_, err = out.Write(bytes)
		return err
	default:
		_, err := fmt.Fprintf(out, "secret-rotator version %s\n  commit: %s\n  built at: %s\n  built by: %s\n",
			i.Version, i.Commit, i.Date, i.BuiltBy)
		return err
	}
}
