package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/awnumar/memguard"

	"secret-rotator/internal/vault"
)

const defaultHeader = "Authorization"

// HTTPProbe presents the latest secret value to an endpoint and checks the response status.
type HTTPProbe struct {
	name           string
	url            string
	header         string
	expectedStatus []int
	store          vault.SecretStore
	client         HTTPDoer
}

func NewHTTPProbe(name, url, header string, expectedStatus []int, store vault.SecretStore, client HTTPDoer) *HTTPProbe {
	if header == "" {
		header = defaultHeader
	}
	if len(expectedStatus) == 0 {
		expectedStatus = []int{http.StatusOK}
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProbe{
		name:           name,
		url:            url,
		header:         header,
		expectedStatus: expectedStatus,
		store:          store,
		client:         client,
	}
}

func (p *HTTPProbe) Name() string {
	return p.name
}

func (p *HTTPProbe) Probe(ctx context.Context, secretName string) (Result, error) {
	value, version, err := p.store.ReadLatest(ctx, secretName)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read %s for probe %s: %w", secretName, p.name, err)
	}
	defer memguard.WipeBytes(value)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set(p.header, p.headerValue(value))

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Passed: false, Detail: fmt.Sprintf("request failed: %v", err)}, nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if !slices.Contains(p.expectedStatus, resp.StatusCode) {
		return Result{
			Passed: false,
			Detail: fmt.Sprintf("unexpected status code %d for version %s", resp.StatusCode, version),
		}, nil
	}
	return Result{Passed: true, Detail: fmt.Sprintf("status %d for version %s", resp.StatusCode, version)}, nil
}

func (p *HTTPProbe) headerValue(value []byte) string {
	if strings.EqualFold(p.header, defaultHeader) {
		return "Bearer " + string(value)
	}
	return string(value)
}
