// Package auth validates and canonicalizes the provider-credential bundles
// a create() call is given: small pure functions, explicit typed errors,
// no hidden global state.
package auth

import (
	"os"
	"strings"

	"github.com/r44vc0rp/serverbox/internal/apierr"
)

// Entry is one provider-credential input, as accepted by create().
type Entry struct {
	Provider string
	APIKey   string
	Env      map[string]string
}

// Normalize validates entries, synthesizing a default from the
// environment when entries is empty and no override exists,
// deduplicating by provider (keeping the last occurrence while
// preserving first-appearance order), and rejecting malformed entries.
func Normalize(entries []Entry, getenv func(string) string) ([]Entry, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	if len(entries) == 0 {
		if key := firstNonEmpty(getenv("OPENCODE_ZEN_API_KEY"), getenv("OPENCODE_API_KEY")); key != "" {
			return []Entry{{Provider: "opencode", APIKey: key}}, nil
		}
		return nil, apierr.New(apierr.MissingAuth, "no provider auth configured and no OPENCODE_ZEN_API_KEY/OPENCODE_API_KEY set")
	}

	for _, e := range entries {
		if strings.TrimSpace(e.Provider) == "" {
			return nil, apierr.New(apierr.InvalidConfig, "auth entry missing provider")
		}
		if strings.TrimSpace(e.APIKey) == "" && len(nonEmptyEnv(e.Env)) == 0 {
			return nil, apierr.New(apierr.InvalidConfig, "auth entry for provider "+e.Provider+" must set apiKey or env")
		}
	}

	return dedupKeepLast(entries), nil
}

// BuildAuthRecord yields {provider -> apiKey} excluding entries without an
// apiKey.
func BuildAuthRecord(entries []Entry) map[string]string {
	out := make(map[string]string)
	for _, e := range entries {
		if strings.TrimSpace(e.APIKey) != "" {
			out[e.Provider] = e.APIKey
		}
	}
	return out
}

// CollectProviderEnv merges every entry's Env map; later entries overwrite
// earlier ones on key collision.
func CollectProviderEnv(entries []Entry) map[string]string {
	out := make(map[string]string)
	for _, e := range entries {
		for k, v := range e.Env {
			out[k] = v
		}
	}
	return out
}

func dedupKeepLast(entries []Entry) []Entry {
	lastByProvider := make(map[string]Entry, len(entries))
	var order []string
	for _, e := range entries {
		if _, seen := lastByProvider[e.Provider]; !seen {
			order = append(order, e.Provider)
		}
		lastByProvider[e.Provider] = e
	}
	out := make([]Entry, 0, len(order))
	for _, p := range order {
		out = append(out, lastByProvider[p])
	}
	return out
}

func nonEmptyEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	return env
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
