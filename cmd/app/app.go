// Package app loads configuration and builds the wiring shared by every command.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"secret-rotator/internal/config"
	"secret-rotator/internal/core"
	"secret-rotator/internal/models"
	"secret-rotator/pkg/log"
)

// Bootstrap validates the configuration, initialises logging and seeds the declared
// secrets into the store. Callers must Close the returned wiring.
func Bootstrap(ctx context.Context) (*core.Wiring, error) {
	appConfig, err := config.NewConfig()
	if err != nil {
		log.Logger.Error().Err(err).Msg("Error creating config")
		return nil, err
	}
	log.Init(appConfig.ID, appConfig.LogLevel, appConfig.LogFormat)

	wiring := core.NewWiring(appConfig)
	if err := wiring.SeedSecretConfigs(ctx); err != nil {
		_ = wiring.Close()
		return nil, err
	}
	return wiring, nil
}

// LogJob writes one structured line describing job.
func LogJob(logger zerolog.Logger, job *models.RotationJob, msg string) {
	event := logger.Info().
		Str("job_id", job.ID).
		Str("secret", job.SecretName).
		Str("status", job.Status.String()).
		Str("initiated_by", job.InitiatedBy).
		Time("created_at", job.CreatedAt)
	if job.NewVersionRef != nil {
		event = event.Str("new_version", *job.NewVersionRef)
	}
	if job.OldVersionRef != nil {
		event = event.Str("old_version", *job.OldVersionRef)
	}
	if job.DualAcceptEndsAt != nil {
		event = event.Time("dual_accept_ends_at", *job.DualAcceptEndsAt)
	}
	if job.Error != nil {
		event = event.Str("error", *job.Error)
	}
	if job.ValidationResult != nil {
		event = event.Interface("validation", job.ValidationResult)
	}
	event.Msg(msg)
}

// Print logs data in the requested format, yaml or json.
func Print(logger zerolog.Logger, format, field string, data any) error {
	switch format {
	case "yaml":
		bytes, err := yaml.Marshal(data)
		if err != nil {
			logger.Error().Err(err).Msg("failed to encode YAML")
			return err
		}
		logger.Info().Str("format", "yaml").Str(field, "\n"+string(bytes)).Msg("Printing " + field)
	case "json":
		logger.Info().Str("format", "json").Interface(field, data).Msg("Printing " + field)
	default:
		return fmt.Errorf("unsupported format: %s (use 'yaml' or 'json')", format)
	}
	return nil
}
