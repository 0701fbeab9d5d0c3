package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/rs/zerolog"

	"secret-rotator/internal/config"
	"secret-rotator/pkg/converter"
)

const (
	defaultAppRoleMount = "approle"
	fiveMinutes         = 5 * time.Minute
)

// authenticator logs in with AppRole, or uses a static token when no role is configured.
type authenticator struct {
	client *api.Client
	config *config.Vault
	logger zerolog.Logger
}

func (a *authenticator) usesAppRole() bool {
	return a.config.AppRoleID != ""
}

func (a *authenticator) mount() string {
	if a.config.AppRoleMount == "" {
		return defaultAppRoleMount
	}
	return a.config.AppRoleMount
}

// authenticate sets the client token on success.
func (a *authenticator) authenticate(ctx context.Context) error {
	if !a.usesAppRole() {
		if a.config.Token != "" {
			a.client.SetToken(a.config.Token)
		}
		return nil
	}

	a.decorateLog(a.logger.Info, "authenticate").Msg("Authenticating with Vault")
	secret, err := a.client.Logical().WriteWithContext(ctx, fmt.Sprintf("auth/%s/login", a.mount()), map[string]interface{}{
		"role_id":   a.config.AppRoleID,
		"secret_id": a.config.AppRoleSecret,
	})
	if err != nil {
		a.decorateLog(a.logger.Error, "authenticate").Err(err).Msg("AppRole login failed")
		return fmt.Errorf("failed to authenticate with role ID: %s at mount %s. (%w)", a.config.AppRoleID, a.mount(), err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return fmt.Errorf("approle login at mount %s returned no client token", a.mount())
	}
	a.client.SetToken(secret.Auth.ClientToken)
	return nil
}

// ensureValidToken re-authenticates when the token is invalid or its TTL runs low.
func (a *authenticator) ensureValidToken(ctx context.Context) error {
	if !a.usesAppRole() {
		return nil
	}

	reauthenticate := func(msg string, ttlSeconds int64, err error) error {
		a.decorateLog(a.logger.Warn, "ensure_valid_token").
			Int64("ttl_seconds", ttlSeconds).
			Err(err).
			Msg(msg)
		return a.authenticate(ctx)
	}

	secret, err := a.client.Auth().Token().LookupSelfWithContext(ctx)
	if err != nil || secret == nil {
		return reauthenticate("Failed to look up token, re-authenticating", 0, err)
	}

	ttlValue, ok := secret.Data["ttl"]
	if !ok {
		return reauthenticate("Could not determine token TTL, re-authenticating", 0, nil)
	}
	ttlSeconds, err := converter.ConvertInterfaceToInt64(ttlValue)
	if err != nil {
		return reauthenticate("Could not parse token TTL, re-authenticating", 0, err)
	}
	// A zero TTL is a non-expiring token.
	if ttlSeconds > 0 && time.Duration(ttlSeconds)*time.Second < fiveMinutes {
		return reauthenticate("Token TTL is low, re-authenticating", ttlSeconds, nil)
	}
	return nil
}

func (a *authenticator) decorateLog(eventFactory func() *zerolog.Event, event string) *zerolog.Event {
	return eventFactory().Str("app_role", a.config.AppRoleID).
		Str("app_role_mount", a.mount()).
		Str("vault_address", a.config.Address).
		Str("event", event)
}
