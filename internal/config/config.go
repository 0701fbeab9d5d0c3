package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	SyncTargetKindVault             = "vault"
	SyncTargetKindWebhook           = "webhook"
	SyncTargetKindAWSSecretsManager = "aws_secretsmanager"

	ProbeKindHTTP  = "http"
	ProbeKindVault = "vault"
)

type Config struct {
	ID          string       `mapstructure:"id" json:"id" yaml:"id" validate:"required"`
	LogLevel    string       `mapstructure:"log_level" json:"log_level" yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	LogFormat   string       `mapstructure:"log_format" json:"log_format" yaml:"log_format" validate:"omitempty,oneof=json console"`
	Storage     Storage      `mapstructure:"storage" json:"storage" yaml:"storage"`
	Postgres    *Postgres    `mapstructure:"postgres" json:"postgres,omitempty" yaml:"postgres,omitempty"`
	Vault       Vault        `mapstructure:"vault" json:"vault" yaml:"vault"`
	Redis       *Redis       `mapstructure:"redis" json:"redis,omitempty" yaml:"redis,omitempty"`
	Scheduler   Scheduler    `mapstructure:"scheduler" json:"scheduler" yaml:"scheduler"`
	Timeouts    Timeouts     `mapstructure:"timeouts" json:"timeouts" yaml:"timeouts"`
	Sync        Sync         `mapstructure:"sync" json:"sync" yaml:"sync"`
	Metrics     Metrics      `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
	Secrets     []Secret     `mapstructure:"secrets" json:"secrets" yaml:"secrets" validate:"unique=Name,dive"`
	SyncTargets []SyncTarget `mapstructure:"sync_targets" json:"sync_targets" yaml:"sync_targets" validate:"unique=Name,dive"`
	Probes      []Probe      `mapstructure:"probes" json:"probes" yaml:"probes" validate:"unique=Name,dive"`
}

type Storage struct {
	Driver string `mapstructure:"driver" json:"driver" yaml:"driver" validate:"required,oneof=postgres memory"`
}

type Postgres struct {
	Address        string `mapstructure:"address" json:"address" yaml:"address" validate:"required,hostname|ip"`
	Port           int    `mapstructure:"port" json:"port" yaml:"port" validate:"required,gt=0,lt=65536"`
	Username       string `mapstructure:"username" json:"username" yaml:"username" validate:"required"`
	Password       string `mapstructure:"password" json:"password" yaml:"password" validate:"required"`
	DBName         string `mapstructure:"db_name" json:"db_name" yaml:"db_name" validate:"required"`
	SSLMode        string `mapstructure:"ssl_mode" json:"ssl_mode" yaml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxConnections int    `mapstructure:"max_connections" json:"max_connections" yaml:"max_connections" validate:"gte=0"`
}

// Vault configures a KV v2 mount. AppRole auth is used when AppRoleID is set, otherwise Token.
type Vault struct {
	Address       string `mapstructure:"address" json:"address" yaml:"address" validate:"required,url"`
	AppRoleID     string `mapstructure:"app_role_id" json:"app_role_id,omitempty" yaml:"app_role_id,omitempty"`
	AppRoleSecret string `mapstructure:"app_role_secret" json:"app_role_secret,omitempty" yaml:"app_role_secret,omitempty" validate:"required_with=AppRoleID"`
	AppRoleMount  string `mapstructure:"app_role_mount" json:"app_role_mount,omitempty" yaml:"app_role_mount,omitempty"`
	Token         string `mapstructure:"token" json:"token,omitempty" yaml:"token,omitempty" validate:"required_without=AppRoleID"`
	Mount         string `mapstructure:"mount" json:"mount" yaml:"mount"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify" json:"tls_skip_verify" yaml:"tls_skip_verify"`
	TLSCAFile     string `mapstructure:"tls_ca_file" json:"tls_ca_file,omitempty" yaml:"tls_ca_file,omitempty"`
}

type Redis struct {
	Address  string `mapstructure:"address" json:"address" yaml:"address" validate:"required,hostname_port"`
	Password string `mapstructure:"password" json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" json:"db" yaml:"db" validate:"gte=0"`
}

type Scheduler struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval" yaml:"sweep_interval" validate:"gt=0"`
	ExpiryGrace   time.Duration `mapstructure:"expiry_grace" json:"expiry_grace" yaml:"expiry_grace" validate:"gte=0"`
	StaleAfter    time.Duration `mapstructure:"stale_after" json:"stale_after" yaml:"stale_after" validate:"gte=0"`
	AutoRotate    bool          `mapstructure:"auto_rotate" json:"auto_rotate" yaml:"auto_rotate"`
	LockTTL       time.Duration `mapstructure:"lock_ttl" json:"lock_ttl" yaml:"lock_ttl" validate:"gt=0"`
}

type Timeouts struct {
	Vault      time.Duration `mapstructure:"vault" json:"vault" yaml:"vault" validate:"gt=0"`
	Validation time.Duration `mapstructure:"validation" json:"validation" yaml:"validation" validate:"gt=0"`
	Sync       time.Duration `mapstructure:"sync" json:"sync" yaml:"sync" validate:"gt=0"`
}

type Sync struct {
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=10"`
}

type Metrics struct {
	ListenAddress string `mapstructure:"listen_address" json:"listen_address" yaml:"listen_address" validate:"omitempty,hostname_port"`
	AverageWindow int    `mapstructure:"average_window" json:"average_window" yaml:"average_window" validate:"gte=1"`
}

// Secret declares one managed credential. Declared secrets are upserted into the store at startup.
type Secret struct {
	Name              string        `mapstructure:"name" json:"name" yaml:"name" validate:"required"`
	Type              string        `mapstructure:"type" json:"type" yaml:"type" validate:"required,oneof=api_key webhook_secret password encryption_key oauth_secret"`
	RotationFrequency time.Duration `mapstructure:"rotation_frequency" json:"rotation_frequency" yaml:"rotation_frequency" validate:"required,gt=0"`
	DualAcceptWindow  time.Duration `mapstructure:"dual_accept_window" json:"dual_accept_window" yaml:"dual_accept_window" validate:"gte=0"`
	SyncTargets       []string      `mapstructure:"sync_targets" json:"sync_targets,omitempty" yaml:"sync_targets,omitempty" validate:"unique"`
	ValidationProbe   string        `mapstructure:"validation_probe" json:"validation_probe,omitempty" yaml:"validation_probe,omitempty"`
	RollbackThreshold time.Duration `mapstructure:"rollback_threshold" json:"rollback_threshold,omitempty" yaml:"rollback_threshold,omitempty" validate:"gte=0"`
}

type SyncTarget struct {
	Name    string   `mapstructure:"name" json:"name" yaml:"name" validate:"required"`
	Kind    string   `mapstructure:"kind" json:"kind" yaml:"kind" validate:"required,oneof=vault webhook aws_secretsmanager"`
	Vault   *Vault   `mapstructure:"vault" json:"vault,omitempty" yaml:"vault,omitempty"`
	Webhook *Webhook `mapstructure:"webhook" json:"webhook,omitempty" yaml:"webhook,omitempty"`
	AWS     *AWS     `mapstructure:"aws" json:"aws,omitempty" yaml:"aws,omitempty"`
}

type Webhook struct {
	URL   string `mapstructure:"url" json:"url" yaml:"url" validate:"required,url"`
	Token string `mapstructure:"token" json:"token,omitempty" yaml:"token,omitempty"`
}

type AWS struct {
	Region          string `mapstructure:"region" json:"region" yaml:"region" validate:"required"`
	Endpoint        string `mapstructure:"endpoint" json:"endpoint,omitempty" yaml:"endpoint,omitempty" validate:"omitempty,url"`
	Prefix          string `mapstructure:"prefix" json:"prefix,omitempty" yaml:"prefix,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" json:"access_key_id,omitempty" yaml:"access_key_id,omitempty" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `mapstructure:"secret_access_key" json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty" validate:"required_with=AccessKeyID"`
}

type Probe struct {
	Name           string `mapstructure:"name" json:"name" yaml:"name" validate:"required"`
	Kind           string `mapstructure:"kind" json:"kind" yaml:"kind" validate:"required,oneof=http vault"`
	URL            string `mapstructure:"url" json:"url,omitempty" yaml:"url,omitempty" validate:"required_if=Kind http,omitempty,url"`
	Header         string `mapstructure:"header" json:"header,omitempty" yaml:"header,omitempty"`
	ExpectedStatus []int  `mapstructure:"expected_status" json:"expected_status,omitempty" yaml:"expected_status,omitempty" validate:"dive,gte=100,lt=600"`
}

//nolint:mnd
func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("storage.driver", StorageDriverPostgres)
	viper.SetDefault("vault.mount", "secret")
	viper.SetDefault("scheduler.sweep_interval", time.Minute)
	viper.SetDefault("scheduler.expiry_grace", 5*time.Minute)
	viper.SetDefault("scheduler.stale_after", 15*time.Minute)
	viper.SetDefault("scheduler.lock_ttl", 30*time.Second)
	viper.SetDefault("timeouts.vault", 10*time.Second)
	viper.SetDefault("timeouts.validation", 10*time.Second)
	viper.SetDefault("timeouts.sync", 10*time.Second)
	viper.SetDefault("sync.max_attempts", 3)
	viper.SetDefault("metrics.listen_address", ":9090")
	viper.SetDefault("metrics.average_window", 20)
}

// NewConfig unmarshals the current viper state and validates it.
func NewConfig() (*Config, error) {
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var problems []string

	if err := validator.New().Struct(cfg); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		for _, fe := range validationErrors {
			problems = append(problems, describe(fe))
		}
	}
	problems = append(problems, crossValidate(cfg)...)

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_if":
		return fmt.Sprintf("%s is required when %s", field, strings.Replace(fe.Param(), " ", " is ", 1))
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, fe.Param())
	case "required_without":
		return fmt.Sprintf("%s is required when %s is not set", field, fe.Param())
	case "hostname|ip":
		return fmt.Sprintf("%s must be a valid hostname or IP address", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "unique":
		return fmt.Sprintf("%s must contain unique items", field)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fe.Param())
	case "lt":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed on %s", field, fe.Tag())
	}
}

func crossValidate(cfg *Config) []string {
	var problems []string

	if cfg.Storage.Driver == StorageDriverPostgres && cfg.Postgres == nil {
		problems = append(problems, "Config.Postgres is required when storage driver is postgres")
	}

	targets := make([]string, 0, len(cfg.SyncTargets))
	for i, target := range cfg.SyncTargets {
		targets = append(targets, target.Name)
		ns := fmt.Sprintf("Config.SyncTargets[%d]", i)
		switch target.Kind {
		case SyncTargetKindVault:
			if target.Vault == nil {
				problems = append(problems, ns+".Vault is required for kind vault")
			}
		case SyncTargetKindWebhook:
			if target.Webhook == nil {
				problems = append(problems, ns+".Webhook is required for kind webhook")
			}
		case SyncTargetKindAWSSecretsManager:
			if target.AWS == nil {
				problems = append(problems, ns+".AWS is required for kind aws_secretsmanager")
			}
		}
	}

	probes := make([]string, 0, len(cfg.Probes))
	for _, probe := range cfg.Probes {
		probes = append(probes, probe.Name)
	}

	for i, secret := range cfg.Secrets {
		for _, name := range secret.SyncTargets {
			if !slices.Contains(targets, name) {
				problems = append(problems, fmt.Sprintf("Config.Secrets[%d].SyncTargets references unknown sync target %q", i, name))
			}
		}
		if secret.ValidationProbe != "" && !slices.Contains(probes, secret.ValidationProbe) {
			problems = append(problems, fmt.Sprintf("Config.Secrets[%d].ValidationProbe references unknown probe %q", i, secret.ValidationProbe))
		}
	}

	return problems
}

// Redacted returns a copy safe for printing, with credentials masked.
func (c *Config) Redacted() *Config {
	const mask = "xxxxx"
	maskIfSet := func(s *string) {
		if *s != "" {
			*s = mask
		}
	}

	out := *c
	if c.Postgres != nil {
		pg := *c.Postgres
		maskIfSet(&pg.Password)
		out.Postgres = &pg
	}
	maskIfSet(&out.Vault.AppRoleSecret)
	maskIfSet(&out.Vault.Token)
	if c.Redis != nil {
		r := *c.Redis
		maskIfSet(&r.Password)
		out.Redis = &r
	}

	out.SyncTargets = make([]SyncTarget, len(c.SyncTargets))
	for i, target := range c.SyncTargets {
		if target.Vault != nil {
			v := *target.Vault
			maskIfSet(&v.AppRoleSecret)
			maskIfSet(&v.Token)
			target.Vault = &v
		}
		if target.Webhook != nil {
			w := *target.Webhook
			maskIfSet(&w.Token)
			target.Webhook = &w
		}
		if target.AWS != nil {
			a := *target.AWS
			maskIfSet(&a.SecretAccessKey)
			target.AWS = &a
		}
		out.SyncTargets[i] = target
	}
	return &out
}

func (c *Config) SyncTarget(name string) (SyncTarget, bool) {
	for _, target := range c.SyncTargets {
		if target.Name == name {
			return target, true
		}
	}
	return SyncTarget{}, false
}
