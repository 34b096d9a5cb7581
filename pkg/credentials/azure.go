// SPDX-FileCopyrightText: Copyright 2026 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/stacklok/clientpool/pkg/auth"
	"github.com/stacklok/clientpool/pkg/config"
	"github.com/stacklok/clientpool/pkg/errors"
)

// NewApplicationStrategy builds the application credential strategy selected
// by cfg.ApplicationStrategy.
func NewApplicationStrategy(cfg config.AuthConfig) (ApplicationStrategy, error) {
	switch cfg.ApplicationStrategy {
	case config.StrategyCLI:
		return &cliStrategy{tenantID: cfg.TenantID}, nil
	case config.StrategyManagedIdentity:
		return &managedIdentityStrategy{clientID: cfg.ClientID}, nil
	case config.StrategyChain:
		return &chainStrategy{tenantID: cfg.TenantID, clientID: cfg.ClientID}, nil
	default:
		return nil, errors.NewInvalidConfigError(fmt.Sprintf(
			"unknown application credential strategy %q", cfg.ApplicationStrategy), nil)
	}
}

type cliStrategy struct {
	tenantID string
}

func (s *cliStrategy) Create(_ context.Context) (azcore.TokenCredential, error) {
	return azidentity.NewAzureCLICredential(&azidentity.AzureCLICredentialOptions{
		TenantID: s.tenantID,
	})
}

type managedIdentityStrategy struct {
	clientID string
}

func (s *managedIdentityStrategy) Create(_ context.Context) (azcore.TokenCredential, error) {
	opts := &azidentity.ManagedIdentityCredentialOptions{}
	if s.clientID != "" {
		opts.ID = azidentity.ClientID(s.clientID)
	}
	return azidentity.NewManagedIdentityCredential(opts)
}

// chainStrategy prefers the managed identity endpoint and falls back to the
// developer CLI session, so the same configuration works in production and
// on workstations.
type chainStrategy struct {
	tenantID string
	clientID string
}

func (s *chainStrategy) Create(ctx context.Context) (azcore.TokenCredential, error) {
	mi, err := (&managedIdentityStrategy{clientID: s.clientID}).Create(ctx)
	if err != nil {
		return nil, err
	}
	cli, err := (&cliStrategy{tenantID: s.tenantID}).Create(ctx)
	if err != nil {
		return nil, err
	}
	return azidentity.NewChainedTokenCredential([]azcore.TokenCredential{mi, cli}, nil)
}

// OnBehalfOfStrategy constructs delegated credentials through the
// on-behalf-of flow, authenticating the application with either a client
// secret or a client certificate.
type OnBehalfOfStrategy struct {
	tenantID     string
	clientID     string
	clientSecret string
	certPath     string
}

// NewOnBehalfOfStrategy builds the delegated credential strategy from cfg.
// Exactly one of ClientSecret and CertificatePath must be set.
func NewOnBehalfOfStrategy(cfg config.AuthConfig) (*OnBehalfOfStrategy, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" {
		return nil, errors.NewInvalidConfigError(
			"delegated credentials require auth.tenant_id and auth.client_id", nil)
	}
	if (cfg.ClientSecret == "") == (cfg.CertificatePath == "") {
		return nil, errors.NewInvalidConfigError(
			"delegated credentials require exactly one of auth.client_secret and auth.certificate_path", nil)
	}

	return &OnBehalfOfStrategy{
		tenantID:     cfg.TenantID,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		certPath:     cfg.CertificatePath,
	}, nil
}

// Create builds a credential bound to assertion.
func (s *OnBehalfOfStrategy) Create(_ context.Context, assertion *auth.UserAssertion) (azcore.TokenCredential, error) {
	if assertion == nil || assertion.Token == "" {
		return nil, errors.NewMissingUserError("on-behalf-of flow requires a user assertion")
	}

	if s.clientSecret != "" {
		cred, err := azidentity.NewOnBehalfOfCredentialWithSecret(
			s.tenantID, s.clientID, assertion.Token, s.clientSecret, nil)
		if err != nil {
			return nil, errors.NewCredentialFailureError("failed to build on-behalf-of credential", err)
		}
		return cred, nil
	}

	pemData, err := os.ReadFile(s.certPath)
	if err != nil {
		return nil, errors.NewCredentialFailureError("failed to read client certificate", err)
	}
	certs, key, err := azidentity.ParseCertificates(pemData, nil)
	if err != nil {
		return nil, errors.NewCredentialFailureError("failed to parse client certificate", err)
	}

	cred, err := azidentity.NewOnBehalfOfCredentialWithCertificate(
		s.tenantID, s.clientID, assertion.Token, certs, key, nil)
	if err != nil {
		return nil, errors.NewCredentialFailureError("failed to build on-behalf-of credential", err)
	}
	return cred, nil
}

// StageCertificate writes PEM material under dir for SDK surfaces that want
// a file path rather than bytes. The file name is content-addressed, the
// file is created with owner-only permissions and atomically renamed into
// place, so re-staging the same material is idempotent and concurrent
// stagers cannot observe a partial write.
func StageCertificate(dir string, pemData []byte) (string, error) {
	sum := sha256.Sum256(pemData)
	path := filepath.Join(dir, fmt.Sprintf("cert-%s.pem", hex.EncodeToString(sum[:8])))

	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cert-*.pem.tmp")
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("restricting staging file permissions: %w", err)
	}
	if _, err := tmp.Write(pemData); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing staged certificate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing staged certificate: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("renaming staged certificate: %w", err)
	}
	return path, nil
}
