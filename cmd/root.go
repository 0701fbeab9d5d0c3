package cmd

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"secret-rotator/cmd/configprint"
	"secret-rotator/cmd/daemon"
	"secret-rotator/cmd/inspect"
	"secret-rotator/cmd/rotate"
	"secret-rotator/cmd/sweep"
	"secret-rotator/cmd/version"
	"secret-rotator/pkg/log"
)

var cfgFile string

const (
	CFG_FLAG_NAME = "config"
)

var RootCmd = &cobra.Command{
	Use:   "secret-rotator",
	Short: "Secret Rotator rotates credentials stored in Vault",
	Long: `Secret Rotator generates new credential versions in Vault, keeps the previous version
valid for a dual-accept window, pushes new values to sync targets and records every step
in an audit trail. Rotations can be completed on schedule or rolled back.`,
	SilenceUsage: true,
}

func Execute() {
	err := RootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func SetVersionInfo(v, c, d, b string) {
	version.SetVersionInfo(v, c, d, b)
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVarP(&cfgFile, CFG_FLAG_NAME, "c", "", "path to config file")
	_ = viper.BindPFlag(CFG_FLAG_NAME, RootCmd.PersistentFlags().Lookup(CFG_FLAG_NAME))

	viper.SetEnvPrefix("secret_rotator")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	RootCmd.AddCommand(
		daemon.DaemonCmd,
		rotate.RotateCmd,
		rotate.CompleteCmd,
		rotate.RollbackCmd,
		inspect.JobsCmd,
		inspect.AuditCmd,
		inspect.DueCmd,
		inspect.MetricsCmd,
		sweep.SweepCmd,
		configprint.ConfigPrintCmd,
		version.VersionCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")                     // For running from project root
		viper.AddConfigPath("/etc/secret-rotator/")  // For production
		viper.AddConfigPath("$HOME/.secret-rotator") // For user-specific config
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Logger.Debug().Msg("No config file found, relying on environment")
			return
		}
		log.Logger.Error().Err(err).Msg("Failed to read config file")
		os.Exit(1)
	}
	log.Logger.Debug().Str("file", viper.ConfigFileUsed()).Msg("Loaded config file")
}
