// Package bootstrap performs the one-time startup chores: fetching the
// mesh CA bundle from the resolution backend and turning it into the
// trust pool used by the resolver and the proxy engine.
package bootstrap

import (
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	fetchInterval = 2 * time.Second
	fetchAttempts = 30
)

// FetchCABundle downloads the PEM trust bundle from the resolution
// backend, persists it at path, and returns the parsed pool. The
// backend may still be coming up when the gateway starts, so the fetch
// retries for up to a minute.
func FetchCABundle(ctx context.Context, backendURL, path string, log *zap.SugaredLogger) (*x509.CertPool, error) {
	url := strings.TrimRight(backendURL, "/") + "/ca-cert"
	client := &http.Client{Timeout: fetchInterval}

	attempt := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("ca-cert endpoint returned status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}

	pem, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(backoff.NewConstantBackOff(fetchInterval)),
		backoff.WithMaxTries(fetchAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch ca bundle: %w", err)
	}

	if err := os.WriteFile(path, pem, 0o644); err != nil {
		return nil, fmt.Errorf("persist ca bundle: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("ca bundle at %s contains no usable certificates", url)
	}
	log.Infow("ca bundle installed", "path", path, "bytes", len(pem))
	return pool, nil
}

// SystemPool returns the host trust store, for deployments that skip
// the mesh bundle.
func SystemPool() (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("load system cert pool: %w", err)
	}
	return pool, nil
}
