package configprint

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"secret-rotator/cmd/app"
	"secret-rotator/internal/config"
	"secret-rotator/pkg/log"
)

var (
	sectionFlag string
	formatFlag  string
)

var ConfigPrintCmd = &cobra.Command{
	Use:   "config-print",
	Short: "Print the current configuration with credentials masked",
	Long: `Print the loaded configuration or a specific section of it.
Passwords, tokens and secret keys are masked. Supports YAML and JSON output formats.`,
	Example: `  # Print entire config
  secret-rotator config-print

  # Print specific section
  secret-rotator config-print --section vault
  secret-rotator config-print --section secrets

  # Print in YAML format
  secret-rotator config-print --section sync_targets --format yaml`,
	RunE: run,
}

func init() {
	ConfigPrintCmd.Flags().StringVarP(&sectionFlag, "section", "s", "",
		"print only a specific section ("+strings.Join(sectionNames(), ", ")+")")
	ConfigPrintCmd.Flags().StringVarP(&formatFlag, "format", "f", "json",
		"output format (yaml|json)")
}

func run(_ *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "config_print").Logger()

	cfg, err := config.NewConfig()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		return err
	}

	output, err := getSection(cfg.Redacted(), sectionFlag)
	if err != nil {
		logger.Error().Err(err).Str("section", sectionFlag).Msg("Invalid section")
		return err
	}
	return app.Print(logger, formatFlag, "config", output)
}

func sections(cfg *config.Config) map[string]any {
	return map[string]any{
		"id":           map[string]string{"id": cfg.ID},
		"log_level":    map[string]string{"log_level": cfg.LogLevel, "log_format": cfg.LogFormat},
		"storage":      cfg.Storage,
		"postgres":     cfg.Postgres,
		"vault":        cfg.Vault,
		"redis":        cfg.Redis,
		"scheduler":    cfg.Scheduler,
		"timeouts":     cfg.Timeouts,
		"sync":         cfg.Sync,
		"metrics":      cfg.Metrics,
		"secrets":      cfg.Secrets,
		"sync_targets": cfg.SyncTargets,
		"probes":       cfg.Probes,
	}
}

func sectionNames() []string {
	names := make([]string, 0)
	for name := range sections(&config.Config{}) {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// getSection returns the whole config for an empty section name.
func getSection(cfg *config.Config, section string) (any, error) {
	if section == "" {
		return cfg, nil
	}
	out, ok := sections(cfg)[section]
	if !ok {
		return nil, fmt.Errorf("unknown section: %s (valid: %s)", section, strings.Join(sectionNames(), ", "))
	}
	return out, nil
}
