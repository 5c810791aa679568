// Package secrets holds the orchestrator's credential set in memory with
// support for hot rotation. The API bearer token and the webhook shared
// secret are read through a Vault on every request so a SIGHUP reload picks
// up rotated values without a restart.
package secrets

import (
	"fmt"
	"strings"
	"sync"
)

// Well-known credential keys.
const (
	KeyAPIToken     = "PIPELINE_API_TOKEN"
	KeyWebhookToken = "PIPELINE_WEBHOOK_TOKEN"
)

// Source retrieves credentials from a backing store (env vars, a static
// map, a file, a remote vault).
type Source func() (map[string]string, error)

// Vault holds credential values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	source Source
}

// New creates a Vault, calling the source once to populate initial values.
func New(source Source) (*Vault, error) {
	vals, err := source()
	if err != nil {
		return nil, fmt.Errorf("initial credential load: %w", err)
	}
	return &Vault{
		values: vals,
		source: source,
	}, nil
}

// Get returns the credential for key, or an empty string if not set.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Getter returns a func bound to key, suitable for handing to middleware
// that should observe rotated values.
func (v *Vault) Getter(key string) func() string {
	return func() string { return v.Get(key) }
}

// Reload calls the source and swaps in the new values atomically.
// If the source returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.source()
	if err != nil {
		return fmt.Errorf("reload credentials: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}

// Keys returns the credential keys currently held.
func (v *Vault) Keys() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	keys := make([]string, 0, len(v.values))
	for k := range v.values {
		keys = append(keys, k)
	}
	return keys
}

// Redacted returns a masked form of the credential for key, safe for logs
// and admin output. Missing keys return an empty string.
func (v *Vault) Redacted(key string) string {
	val := v.Get(key)
	if val == "" {
		return ""
	}
	return Mask(val)
}

// Mask obscures a credential value: the first two characters followed by
// asterisks, or fully masked when the value is too short for a prefix to be
// safe.
func Mask(val string) string {
	if len(val) <= 4 {
		return "****"
	}
	return val[:2] + "****"
}

// Scrub replaces every occurrence of the given values in s with a mask.
// Engine output is scrubbed before it is journaled so project credentials
// never land in the event log. Values shorter than four characters are
// skipped to avoid mangling ordinary text.
func Scrub(s string, values ...string) string {
	for _, val := range values {
		if len(val) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, val, Mask(val))
	}
	return s
}
