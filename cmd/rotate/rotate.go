package rotate

import (
	"github.com/spf13/cobra"

	"secret-rotator/cmd/app"
	"secret-rotator/pkg/log"
)

var (
	forceFlag     bool
	initiatorFlag string
	reasonFlag    string
	actorFlag     string
)

var RotateCmd = &cobra.Command{
	Use:   "rotate <secret-name>",
	Short: "Rotate a secret now",
	Long: `Create a rotation job for the named secret and wait until it reaches dual_accept or fails.
Secrets that are not yet due are refused unless --force is given.`,
	Example: `secret-rotator rotate payments/stripe-api-key --initiator alice
secret-rotator rotate db/reporting-password --force`,
	Args: cobra.ExactArgs(1),
	RunE: runRotate,
}

var CompleteCmd = &cobra.Command{
	Use:     "complete <job-id>",
	Short:   "Close the dual-accept window of a rotation job",
	Long:    `Mark a job in dual_accept as completed and advance the secret's rotation schedule.`,
	Example: `secret-rotator complete 3f0c8a2e-5d47-4e0b-9a43-6f1b2f1a9c10`,
	Args:    cobra.ExactArgs(1),
	RunE:    runComplete,
}

var RollbackCmd = &cobra.Command{
	Use:   "rollback <job-id>",
	Short: "Roll a rotation back to the previous secret version",
	Long: `Restore the version that was current before the job ran and mark the job rolled_back.
Only jobs in dual_accept or completed can be rolled back.`,
	Example: `secret-rotator rollback 3f0c8a2e-5d47-4e0b-9a43-6f1b2f1a9c10 --reason "clients rejecting key" --actor bob`,
	Args:    cobra.ExactArgs(1),
	RunE:    runRollback,
}

func init() {
	RotateCmd.Flags().BoolVar(&forceFlag, "force", false, "rotate even if the secret is not due")
	RotateCmd.Flags().StringVar(&initiatorFlag, "initiator", "cli", "who requested the rotation")

	RollbackCmd.Flags().StringVar(&reasonFlag, "reason", "", "why the rotation is being rolled back")
	RollbackCmd.Flags().StringVar(&actorFlag, "actor", "", "who is rolling back")
	_ = RollbackCmd.MarkFlagRequired("reason")
	_ = RollbackCmd.MarkFlagRequired("actor")
}

func runRotate(cmd *cobra.Command, args []string) error {
	logger := log.Logger.With().Str("component", "rotate").Logger()
	ctx := cmd.Context()

	wiring, err := app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer wiring.Close()

	engine, err := wiring.InitEngine(ctx)
	if err != nil {
		return err
	}

	job, err := engine.RequestRotation(ctx, args[0], initiatorFlag, forceFlag)
	if err != nil {
		logger.Error().Err(err).Str("secret", args[0]).Msg("Rotation request refused")
		return err
	}
	logger.Info().Str("job_id", job.ID).Msg("Rotation requested, waiting for execution")

	engine.Wait()
	job, err = engine.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	app.LogJob(logger, job, "Rotation finished")
	return nil
}

func runComplete(cmd *cobra.Command, args []string) error {
	logger := log.Logger.With().Str("component", "complete").Logger()
	ctx := cmd.Context()

	wiring, err := app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer wiring.Close()

	engine, err := wiring.InitEngine(ctx)
	if err != nil {
		return err
	}

	applied, err := engine.CompleteJob(ctx, args[0])
	if err != nil {
		logger.Error().Err(err).Str("job_id", args[0]).Msg("Failed to complete job")
		return err
	}
	if !applied {
		logger.Info().Str("job_id", args[0]).Msg("Job was already closed")
		return nil
	}
	job, err := engine.GetJob(ctx, args[0])
	if err != nil {
		return err
	}
	app.LogJob(logger, job, "Rotation completed")
	return nil
}

func runRollback(cmd *cobra.Command, args []string) error {
	logger := log.Logger.With().Str("component", "rollback").Logger()
	ctx := cmd.Context()

	wiring, err := app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer wiring.Close()

	engine, err := wiring.InitEngine(ctx)
	if err != nil {
		return err
	}

	job, err := engine.Rollback(ctx, args[0], reasonFlag, actorFlag)
	if err != nil {
		logger.Error().Err(err).Str("job_id", args[0]).Msg("Rollback failed")
		return err
	}
	app.LogJob(logger, job, "Rotation rolled back")
	return nil
}
