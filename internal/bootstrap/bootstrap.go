// Package bootstrap installs and launches the upstream server inside a
// freshly provisioned sandbox.
//
// Driver is the contract the lifecycle manager depends on. Default is the
// one concrete implementation this repo ships: write config files via the
// provider's upload capability, tear down/recreate a named exec session,
// launch the process in that session.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/r44vc0rp/serverbox/internal/apierr"
	"github.com/r44vc0rp/serverbox/internal/provider"
)

// Config carries everything a bootstrap run needs.
type Config struct {
	Username        string
	Password        string
	ProviderEnv     map[string]string
	AuthRecord      map[string]string
	UpstreamConfig  map[string]string
	InstallUpstream bool
	Port            int
}

// Driver is the interface the lifecycle manager depends on.
// InstallUpstream=false (the resume path) must be idempotent: re-running
// bootstrap against an already-bootstrapped sandbox must not fail or
// duplicate the running process.
type Driver interface {
	Bootstrap(ctx context.Context, sandboxID string, cfg Config) error
}

const sessionName = "serverbox-upstream"

// Default is the concrete driver wired into lifecycle.Manager when no
// override is supplied.
type Default struct {
	Backend provider.Backend
}

// Bootstrap implements Driver: write config files, tear down/recreate a
// named long-running session, launch the server process bound to cfg.Port.
func (d Default) Bootstrap(ctx context.Context, sandboxID string, cfg Config) error {
	if d.Backend == nil {
		return apierr.New(apierr.BootstrapFailed, "bootstrap driver has no backend configured")
	}

	if cfg.InstallUpstream {
		if _, err := d.Backend.Exec(ctx, sandboxID, "which serverbox-upstream || curl -fsSL https://get.serverbox.dev/upstream.sh | sh", provider.ExecOptions{}); err != nil {
			return apierr.Wrap(apierr.BootstrapFailed, "install upstream binary", err)
		}
	}

	if len(cfg.AuthRecord) > 0 {
		if err := writeJSONFile(ctx, d.Backend, sandboxID, "/etc/serverbox/auth.json", cfg.AuthRecord); err != nil {
			return apierr.Wrap(apierr.BootstrapFailed, "write auth record", err)
		}
	}
	if len(cfg.UpstreamConfig) > 0 {
		if err := writeJSONFile(ctx, d.Backend, sandboxID, "/etc/serverbox/config.json", cfg.UpstreamConfig); err != nil {
			return apierr.Wrap(apierr.BootstrapFailed, "write upstream config", err)
		}
	}

	// Idempotent teardown-then-recreate: killing a session that does not
	// exist is not an error, so a bootstrap run with InstallUpstream=false
	// (the resume path) against an already-bootstrapped sandbox succeeds.
	teardown := fmt.Sprintf("tmux kill-session -t %s 2>/dev/null; true", sessionName)
	if _, err := d.Backend.Exec(ctx, sandboxID, teardown, provider.ExecOptions{}); err != nil {
		return apierr.Wrap(apierr.BootstrapFailed, "tear down previous session", err)
	}

	envAssignments := make([]string, 0, len(cfg.ProviderEnv)+2)
	envAssignments = append(envAssignments,
		fmt.Sprintf("SERVERBOX_UPSTREAM_USERNAME=%q", cfg.Username),
		fmt.Sprintf("SERVERBOX_UPSTREAM_PASSWORD=%q", cfg.Password),
	)
	for k, v := range cfg.ProviderEnv {
		envAssignments = append(envAssignments, fmt.Sprintf("%s=%q", k, v))
	}

	launch := fmt.Sprintf(
		"tmux new-session -d -s %s '%s serverbox-upstream --port %d'",
		sessionName, strings.Join(envAssignments, " "), cfg.Port,
	)
	if _, err := d.Backend.Exec(ctx, sandboxID, launch, provider.ExecOptions{}); err != nil {
		return apierr.Wrap(apierr.BootstrapFailed, "launch upstream server", err)
	}

	return nil
}

func writeJSONFile(ctx context.Context, backend provider.Backend, sandboxID, path string, data map[string]string) error {
	content, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	return backend.Upload(ctx, sandboxID, path, strings.NewReader(string(content)))
}
