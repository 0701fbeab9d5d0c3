package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/modules/vault"
	"github.com/testcontainers/testcontainers-go/wait"
)

const vaultRootToken = "root-token"

type VaultHelper struct {
	container *vault.VaultContainer
	Config    *VaultContainerConfig
	hostPort  int
}

type VaultContainerConfig struct {
	Name    string
	Address string
	Port    string
	Token   string
}

// NewVaultContainer starts a dev-mode Vault bound to a reserved host port.
func NewVaultContainer(t require.TestingT, ctx context.Context, name string) (*VaultHelper, error) {
	hostPort, err := getPortManager().reservePort()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve port: %w", err)
	}

	vaultContainer, err := vault.Run(ctx,
		"hashicorp/vault:1.15.6",
		vault.WithToken(vaultRootToken),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/v1/sys/health").
				WithPort("8200/tcp").
				WithStartupTimeout(30*time.Second),
			wait.ForExposedPort().WithStartupTimeout(1*time.Minute)),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) {
			hostConfig.PortBindings = nat.PortMap{nat.Port("8200/tcp"): []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}}
		}),
	)
	if err != nil {
		getPortManager().releasePort(hostPort)
		return nil, fmt.Errorf("failed to start Vault container: %w", err)
	}

	helper := &VaultHelper{container: vaultContainer, hostPort: hostPort}

	address, err := vaultContainer.HttpHostAddress(ctx)
	if err != nil {
		_ = helper.Terminate(ctx)
		return nil, fmt.Errorf("failed to get vault address: %w", err)
	}
	helper.Config = &VaultContainerConfig{
		Name:    name,
		Address: address,
		Port:    strconv.Itoa(hostPort),
		Token:   vaultRootToken,
	}
	return helper, nil
}

func (v *VaultHelper) Terminate(ctx context.Context) error {
	if v.container == nil {
		return nil
	}
	defer getPortManager().releasePort(v.hostPort)
	return v.container.Terminate(ctx)
}

// EnableAppRoleAuth enables the AppRole authentication method in Vault.
func (v *VaultHelper) EnableAppRoleAuth(ctx context.Context) error {
	if _, err := v.ExecuteVaultCommand(ctx, "vault auth enable approle"); err != nil {
		return fmt.Errorf("failed to enable AppRole auth: %w", err)
	}
	return nil
}

// EnableKVv2Mounts enables KV version 2 mounts for the specified paths.
func (v *VaultHelper) EnableKVv2Mounts(ctx context.Context, mounts ...string) error {
	for _, mount := range mounts {
		cmd := fmt.Sprintf("vault secrets enable -path=%s -version=2 kv", mount)
		if _, err := v.ExecuteVaultCommand(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// CreateRotatorAppRole creates an AppRole allowed to manage versions under the given mounts
// and returns its role and secret ids.
func (v *VaultHelper) CreateRotatorAppRole(ctx context.Context, approle string, mounts ...string) (string, string, error) {
	policyPaths := []string{
		`path "auth/approle/login" { capabilities = ["create"] }`,
	}
	for _, mount := range mounts {
		policyPaths = append(policyPaths,
			fmt.Sprintf(`path "%s/data/*" { capabilities = ["create", "update", "read"] }`, mount),
			fmt.Sprintf(`path "%s/metadata/*" { capabilities = ["create", "update", "read", "list"] }`, mount),
		)
	}
	policyName := "rotator-" + approle
	policy := strings.Join(policyPaths, "\n")
	if _, err := v.ExecuteVaultCommand(ctx, fmt.Sprintf("vault policy write %s -<<EOF\n%s\nEOF", policyName, policy)); err != nil {
		return "", "", err
	}
	cmd := fmt.Sprintf("vault write auth/approle/role/%s policies=%s", approle, policyName)
	if _, err := v.ExecuteVaultCommand(ctx, cmd); err != nil {
		return "", "", err
	}

	roleID, err := v.ExecuteVaultCommand(ctx, fmt.Sprintf("vault read -field=role_id auth/approle/role/%s/role-id", approle))
	if err != nil {
		return "", "", fmt.Errorf("failed to read AppRole ID: %w", err)
	}
	secretID, err := v.ExecuteVaultCommand(ctx, fmt.Sprintf("vault write -force -field=secret_id auth/approle/role/%s/secret-id", approle))
	if err != nil {
		return "", "", fmt.Errorf("failed to read AppRole secret: %w", err)
	}
	return strings.TrimSpace(roleID), strings.TrimSpace(secretID), nil
}

// ReadSecretData reads a secret and returns its data fields and version.
func (v *VaultHelper) ReadSecretData(ctx context.Context, mount, path string) (map[string]string, int64, error) {
	cmd := fmt.Sprintf("vault kv get -format=json %s/%s", mount, path)
	output, err := v.ExecuteVaultCommand(ctx, cmd)
	if err != nil {
		return nil, -1, fmt.Errorf("failed to read secret data: %w", err)
	}
	return extractSecretDataFromResponse(output)
}

// ExecuteVaultCommand executes a command in the Vault container and returns the output.
// It uses the `sh -c` command to allow for complex commands and redirection.
func (v *VaultHelper) ExecuteVaultCommand(ctx context.Context, command string) (string, error) {
	_, output, err := v.container.Exec(ctx, []string{"sh", "-c", command}, exec.Multiplexed())
	if err != nil {
		return "", fmt.Errorf("failed to execute command %q in Vault container: %w", command, err)
	}

	byteOutput, _ := io.ReadAll(output)
	if os.Getenv("DEBUG_TESTCONTAINERS") != "" {
		fmt.Printf("Command: %s\nOutput: %s\n", command, string(byteOutput))
	}
	return string(byteOutput), nil
}

func extractSecretDataFromResponse(jsonStr string) (map[string]string, int64, error) {
	if strings.HasPrefix(jsonStr, "No value found at") {
		return nil, 0, fmt.Errorf("no secret found")
	}

	var response struct {
		Data struct {
			Data     map[string]any `json:"data"`
			Metadata struct {
				Version int64 `json:"version"`
			} `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &response); err != nil {
		return nil, 0, fmt.Errorf("failed to parse JSON: %w", err)
	}

	secretData := make(map[string]string, len(response.Data.Data))
	for k, v := range response.Data.Data {
		str, ok := v.(string)
		if !ok {
			return nil, 0, fmt.Errorf("non-string value for key %q: %T", k, v)
		}
		secretData[k] = str
	}
	return secretData, response.Data.Metadata.Version, nil
}
