package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"secret-rotator/internal/config"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used for pushes.
type SecretsManagerAPI interface {
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// AWSSecretsManagerTarget stores the value as a new version of prefix+secretName.
type AWSSecretsManagerTarget struct {
	name   string
	prefix string
	client SecretsManagerAPI
}

func NewAWSSecretsManagerTarget(name, prefix string, client SecretsManagerAPI) *AWSSecretsManagerTarget {
	return &AWSSecretsManagerTarget{name: name, prefix: prefix, client: client}
}

// NewSecretsManagerClient loads the default AWS config for cfg.Region, with optional static
// credentials and endpoint override.
func NewSecretsManagerClient(ctx context.Context, cfg *config.AWS) (*secretsmanager.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*secretsmanager.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	return secretsmanager.NewFromConfig(awsCfg, clientOpts...), nil
}

func (t *AWSSecretsManagerTarget) Name() string {
	return t.name
}

func (t *AWSSecretsManagerTarget) Push(ctx context.Context, secretName string, value []byte) error {
	id := t.prefix + secretName
	_, err := t.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(id),
		SecretString: aws.String(string(value)),
	})
	if err == nil {
		return nil
	}

	err = fmt.Errorf("PutSecretValue on %s failed: %w", id, err)
	var (
		notFound     *types.ResourceNotFoundException
		invalidParam *types.InvalidParameterException
		invalidReq   *types.InvalidRequestException
	)
	if errors.As(err, &notFound) || errors.As(err, &invalidParam) || errors.As(err, &invalidReq) {
		return permanent(err)
	}
	return err
}
