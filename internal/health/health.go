// Package health polls /global/health on a preview URL, with Basic auth
// and an optional preview token header, until healthy or a timeout
// elapses.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/r44vc0rp/serverbox/internal/apierr"
)

// Creds are the Basic-auth credentials and optional preview token to send
// on every poll.
type Creds struct {
	Username     string
	Password     string
	PreviewToken string
}

// Result is the full health JSON body returned on success.
type Result map[string]any

// Prober is the default HTTP-based health prober. The zero value uses
// http.DefaultClient.
type Prober struct {
	HTTPClient *http.Client
}

// WaitForHealth polls GET {baseURL}/global/health until a 2xx response with
// body {"healthy": true} is observed, or timeout elapses.
func (p Prober) WaitForHealth(ctx context.Context, baseURL string, creds Creds, timeout, poll time.Duration) (Result, error) {
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}

	if timeout <= 0 {
		return nil, apierr.New(apierr.HealthCheckFailed, "health check timed out before any probe (timeout<=0)")
	}

	deadline := time.Now().Add(timeout)
	url := strings.TrimRight(baseURL, "/") + "/global/health"

	var lastErr error
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	probe := func() (Result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(creds.Username, creds.Password)
		if creds.PreviewToken != "" {
			req.Header.Set("x-daytona-preview-token", creds.PreviewToken)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("health probe returned status %d", resp.StatusCode)
		}

		var result Result
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("health probe body is not JSON: %w", err)
		}
		healthy, _ := result["healthy"].(bool)
		if !healthy {
			return nil, fmt.Errorf("health probe body reports healthy=false")
		}
		return result, nil
	}

	// Try once immediately before entering the poll loop, so the first
	// probe does not wait a full poll interval.
	if result, err := probe(); err == nil {
		return result, nil
	} else {
		lastErr = err
	}
	if time.Now().After(deadline) {
		return nil, apierr.Wrap(apierr.HealthCheckFailed, "health check timed out", lastErr)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, apierr.Wrap(apierr.HealthCheckFailed, "health check cancelled", ctx.Err())
		case <-ticker.C:
			if result, err := probe(); err == nil {
				return result, nil
			} else {
				lastErr = err
			}
			if time.Now().After(deadline) {
				return nil, apierr.Wrap(apierr.HealthCheckFailed, "health check timed out", lastErr)
			}
		}
	}
}
