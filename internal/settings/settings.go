// Package settings provides the scoped key-value configuration store holding
// the per-store relay settings (enable flag, API key, test mode, test email).
package settings

import (
	"fmt"
	"strconv"
	"strings"

	"dario.cat/mergo"
)

// Namespace prefixes every settings path.
const Namespace = "brevo_relay/"

// Setting paths, resolvable per scope.
const (
	PathEnabled   = Namespace + "general/enabled"
	PathAPIKey    = Namespace + "general/api_key"
	PathTestMode  = Namespace + "general/test_mode"
	PathTestEmail = Namespace + "general/test_email"
)

// DefaultScope is used for messages that do not name a scope, and as the
// base every other scope is merged onto.
const DefaultScope = "default"

// Store is a read-only, scope-aware key-value configuration source.
type Store interface {
	// Value returns the raw value at path for scope, or "" if unset.
	Value(path, scope string) string
	// Flag interprets the value at path for scope as a boolean.
	Flag(path, scope string) bool
}

// Settings are the resolved relay settings for one scope. APIKey is still in
// its stored (possibly encrypted) form.
type Settings struct {
	Enabled   bool
	APIKey    string
	TestMode  bool
	TestEmail string
}

// Resolve reads all relay settings for scope from store.
func Resolve(store Store, scope string) Settings {
	return Settings{
		Enabled:   store.Flag(PathEnabled, scope),
		APIKey:    store.Value(PathAPIKey, scope),
		TestMode:  store.Flag(PathTestMode, scope),
		TestEmail: store.Value(PathTestEmail, scope),
	}
}

// General is the "general" settings group as written in the config file.
// Booleans are pointers so a scope can explicitly turn off a flag that the
// default scope turns on.
type General struct {
	Enabled   *bool  `yaml:"enabled"`
	APIKey    string `yaml:"api_key"`
	TestMode  *bool  `yaml:"test_mode"`
	TestEmail string `yaml:"test_email"`
}

// Scope groups the settings of one scope.
type Scope struct {
	General General `yaml:"general"`
}

// Config is the settings section of the relay configuration file.
type Config struct {
	Default Scope            `yaml:"default"`
	Scopes  map[string]Scope `yaml:"scopes"`
}

// MapStore is a Store backed by flattened per-scope maps. Scopes missing from
// the map fall back to the default scope.
type MapStore struct {
	values map[string]map[string]string
}

// NewStore builds a MapStore from cfg, merging each scope over the default.
func NewStore(cfg Config) (*MapStore, error) {
	s := &MapStore{values: make(map[string]map[string]string, len(cfg.Scopes)+1)}
	s.values[DefaultScope] = flatten(cfg.Default.General)

	for name, scope := range cfg.Scopes {
		name = strings.TrimSpace(name)
		if name == "" || name == DefaultScope {
			return nil, fmt.Errorf("invalid scope name %q", name)
		}

		merged := cfg.Default.General
		if err := mergo.Merge(&merged, scope.General, mergo.WithOverride, mergo.WithoutDereference); err != nil {
			return nil, fmt.Errorf("failed to merge scope %q: %w", name, err)
		}
		s.values[name] = flatten(merged)
	}

	return s, nil
}

// Value implements Store.
func (s *MapStore) Value(path, scope string) string {
	if values, ok := s.values[scope]; ok {
		return values[path]
	}
	return s.values[DefaultScope][path]
}

// Flag implements Store.
func (s *MapStore) Flag(path, scope string) bool {
	return parseFlag(s.Value(path, scope))
}

// Scopes returns the names of all configured scopes, default included.
func (s *MapStore) Scopes() []string {
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	return names
}

func flatten(g General) map[string]string {
	m := map[string]string{
		PathAPIKey:    g.APIKey,
		PathTestEmail: g.TestEmail,
	}
	if g.Enabled != nil {
		m[PathEnabled] = strconv.FormatBool(*g.Enabled)
	}
	if g.TestMode != nil {
		m[PathTestMode] = strconv.FormatBool(*g.TestMode)
	}
	return m
}

// parseFlag accepts the usual yes/no spellings; anything else is false.
func parseFlag(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
