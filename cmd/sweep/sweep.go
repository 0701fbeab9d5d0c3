package sweep

import (
	"github.com/spf13/cobra"

	"secret-rotator/cmd/app"
	"secret-rotator/pkg/log"
)

var rotateDueFlag bool

var SweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and exit",
	Long: `Complete every job whose dual-accept window has elapsed, then exit.
With --rotate-due, rotations are also requested for every secret that is due.`,
	Example: `secret-rotator sweep --config /path/to/config.yaml
secret-rotator sweep --rotate-due`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	SweepCmd.Flags().BoolVar(&rotateDueFlag, "rotate-due", false, "also start rotations for due secrets")
}

func runSweep(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "sweep-once").Logger()
	logger.Info().Msg("Starting one-time sweep")
	ctx := cmd.Context()

	wiring, err := app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer wiring.Close()

	sweeper, err := wiring.InitSweeper(ctx)
	if err != nil {
		return err
	}

	result, err := sweeper.SweepOnce(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Error during sweep")
		return err
	}
	logger.Info().
		Int("expired", result.Expired).
		Int("completed", result.Completed).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Int("late", result.Late).
		Int("abandoned", result.Abandoned).
		Dur("duration", result.Duration).
		Msg("Sweep completed")

	if !rotateDueFlag {
		return nil
	}
	rotated, err := sweeper.RotateDue(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Error requesting due rotations")
		return err
	}
	logger.Info().
		Int("due", rotated.Due).
		Int("requested", rotated.Requested).
		Int("conflicts", rotated.Conflicts).
		Int("failed", rotated.Failed).
		Msg("Due rotations requested, waiting for execution")
	return nil
}
