// Package inspect holds the read-only commands over jobs, the audit log and compliance.
package inspect

import (
	"time"

	"github.com/spf13/cobra"

	"secret-rotator/cmd/app"
	"secret-rotator/internal/models"
	"secret-rotator/internal/repository"
	"secret-rotator/pkg/log"
)

var (
	jobsSecret   string
	jobsStatuses []string
	jobsLimit    int

	auditJob     string
	auditSecret  string
	auditActions []string
	auditSince   time.Duration
	auditLimit   int
	auditFormat  string

	metricsFormat string
)

var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List rotation jobs, newest first",
	Example: `secret-rotator jobs --secret payments/stripe-api-key
secret-rotator jobs --status dual_accept --status pending --limit 20`,
	Args: cobra.NoArgs,
	RunE: runJobs,
}

var AuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List audit entries in chronological order",
	Example: `secret-rotator audit --job 3f0c8a2e-5d47-4e0b-9a43-6f1b2f1a9c10
secret-rotator audit --secret db/reporting-password --action rolled_back --since 168h`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

var DueCmd = &cobra.Command{
	Use:   "due",
	Short: "List secrets whose rotation is due",
	Args:  cobra.NoArgs,
	RunE:  runDue,
}

var MetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print the current compliance snapshot",
	Args:  cobra.NoArgs,
	RunE:  runMetrics,
}

func init() {
	JobsCmd.Flags().StringVar(&jobsSecret, "secret", "", "only jobs for this secret")
	JobsCmd.Flags().StringSliceVar(&jobsStatuses, "status", nil, "only jobs in these statuses")
	JobsCmd.Flags().IntVar(&jobsLimit, "limit", 50, "maximum number of jobs")

	AuditCmd.Flags().StringVar(&auditJob, "job", "", "only entries for this job")
	AuditCmd.Flags().StringVar(&auditSecret, "secret", "", "only entries for this secret")
	AuditCmd.Flags().StringSliceVar(&auditActions, "action", nil, "only entries with these actions")
	AuditCmd.Flags().DurationVar(&auditSince, "since", 0, "only entries newer than this duration")
	AuditCmd.Flags().IntVar(&auditLimit, "limit", 100, "maximum number of entries, most recent kept")
	AuditCmd.Flags().StringVarP(&auditFormat, "format", "f", "json", "output format (yaml|json)")

	MetricsCmd.Flags().StringVarP(&metricsFormat, "format", "f", "yaml", "output format (yaml|json)")
}

func buildJobFilter(secret string, statuses []string, limit int) (repository.JobFilter, error) {
	filter := repository.JobFilter{SecretName: secret, Limit: limit}
	for _, s := range statuses {
		status, err := models.ParseJobStatus(s)
		if err != nil {
			return repository.JobFilter{}, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	return filter, nil
}

func buildAuditFilter(jobID, secret string, actions []string, since time.Duration, limit int, now time.Time) (repository.AuditFilter, error) {
	filter := repository.AuditFilter{JobID: jobID, SecretName: secret, Limit: limit}
	for _, a := range actions {
		action, err := models.ParseAuditAction(a)
		if err != nil {
			return repository.AuditFilter{}, err
		}
		filter.Actions = append(filter.Actions, action)
	}
	if since > 0 {
		filter.Since = models.TimePtr(now.Add(-since))
	}
	return filter, nil
}

func runJobs(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "jobs").Logger()
	ctx := cmd.Context()

	filter, err := buildJobFilter(jobsSecret, jobsStatuses, jobsLimit)
	if err != nil {
		return err
	}

	wiring, err := app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer wiring.Close()

	engine, err := wiring.InitEngine(ctx)
	if err != nil {
		return err
	}
	jobs, err := engine.ListJobs(ctx, filter)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		app.LogJob(logger, job, "Rotation job")
	}
	logger.Info().Int("total_jobs", len(jobs)).Msg("Listed rotation jobs")
	return nil
}

func runAudit(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "audit").Logger()
	ctx := cmd.Context()

	filter, err := buildAuditFilter(auditJob, auditSecret, auditActions, auditSince, auditLimit, time.Now())
	if err != nil {
		return err
	}

	wiring, err := app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer wiring.Close()

	engine, err := wiring.InitEngine(ctx)
	if err != nil {
		return err
	}
	entries, err := engine.ListAuditLog(ctx, filter)
	if err != nil {
		return err
	}

	return app.Print(logger, auditFormat, "audit_log", entries)
}

func runDue(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "due").Logger()
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
	due, err := engine.CheckDueSecrets(ctx)
	if err != nil {
		return err
	}

	for _, name := range due {
		logger.Info().Str("secret", name).Msg(" → Due for rotation")
	}
	logger.Info().Int("total_due", len(due)).Msg("Checked rotation schedule")
	return nil
}

func runMetrics(cmd *cobra.Command, _ []string) error {
	logger := log.Logger.With().Str("component", "metrics").Logger()
	ctx := cmd.Context()

	wiring, err := app.Bootstrap(ctx)
	if err != nil {
		return err
	}
	defer wiring.Close()

	aggregator, err := wiring.InitAggregator()
	if err != nil {
		return err
	}
	snapshot, err := aggregator.ComputeMetrics(ctx)
	if err != nil {
		return err
	}
	return app.Print(logger, metricsFormat, "compliance", snapshot)
}
