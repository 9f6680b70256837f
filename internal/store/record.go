// Package store defines the configuration store contract and its SQLite
// implementation. The routing engine only sees the ConfigStore interface;
// dashboards and importers own record creation.
package store

import (
	"context"
	"time"
)

// Auth types for a provider connection.
const (
	AuthTypeOAuth  = "oauth"
	AuthTypeAPIKey = "apikey"
)

// Connection health states.
const (
	StatusActive      = "active"
	StatusUnavailable = "unavailable"
)

// MachineRecord is the root configuration object for one tenant machine.
type MachineRecord struct {
	MachineID    string
	Providers    map[string]*ProviderConnection // keyed by connection ID
	ModelAliases map[string]string              // alias -> "providerAlias/model"
	Combos       []Combo
	APIKeys      []string
	Pricing      map[string]map[string]ModelRates // provider -> model -> rates, opaque to the engine
}

// Combo is a named ordered list of fully-qualified model strings, tried
// sequentially with fallover to the next entry on 5xx only.
type Combo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Models []string `json:"models"`
}

// ModelRates carries pricing for accounting. The engine never reads it.
type ModelRates struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// ProviderConnection is one account (OAuth or API key) held by a machine for
// a given provider.
type ProviderConnection struct {
	ID        string
	MachineID string
	Provider  string
	AuthType  string
	Name      string
	Priority  int
	IsActive  bool

	// Credential union: API key providers fill APIKey, OAuth providers fill
	// the token fields.
	APIKey       string
	AccessToken  string
	RefreshToken string
	IDToken      string
	Scope        string
	TokenType    string
	ExpiresAt    time.Time

	// ProjectID binds Gemini/Antigravity connections to a Google project.
	ProjectID string

	// ProviderSpecific holds free-form extras such as the Cursor machine ID
	// or the cached Copilot token and its expiry.
	ProviderSpecific map[string]any

	// Health state driven by the fallback controller.
	Status           string
	LastError        string
	ErrorCode        int
	RateLimitedUntil *time.Time
	BackoffLevel     int
	LastErrorAt      *time.Time
	UpdatedAt        time.Time
}

// RateLimited reports whether the connection is cooling down at the given
// instant.
func (c *ProviderConnection) RateLimited(now time.Time) bool {
	return c.RateLimitedUntil != nil && c.RateLimitedUntil.After(now)
}

// Clone returns a deep copy so the engine can mutate a working credential
// without aliasing the record cached inside a fallback loop.
func (c *ProviderConnection) Clone() *ProviderConnection {
	out := *c
	if c.ProviderSpecific != nil {
		out.ProviderSpecific = make(map[string]any, len(c.ProviderSpecific))
		for k, v := range c.ProviderSpecific {
			out.ProviderSpecific[k] = v
		}
	}
	if c.RateLimitedUntil != nil {
		t := *c.RateLimitedUntil
		out.RateLimitedUntil = &t
	}
	if c.LastErrorAt != nil {
		t := *c.LastErrorAt
		out.LastErrorAt = &t
	}
	return &out
}

// SpecificString reads a string field from ProviderSpecific.
func (c *ProviderConnection) SpecificString(key string) string {
	if c.ProviderSpecific == nil {
		return ""
	}
	if s, ok := c.ProviderSpecific[key].(string); ok {
		return s
	}
	return ""
}

// SpecificInt64 reads an integer field from ProviderSpecific. JSON decoding
// yields float64 for numbers, so both shapes are accepted.
func (c *ProviderConnection) SpecificInt64(key string) int64 {
	if c.ProviderSpecific == nil {
		return 0
	}
	switch v := c.ProviderSpecific[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// ConfigStore is the persistence boundary of the routing engine. GetMachine
// returns the full record; UpdateConnection performs a field-wise merge so a
// partial token refresh never clobbers sibling fields.
type ConfigStore interface {
	GetMachine(ctx context.Context, machineID string) (*MachineRecord, error)
	UpdateConnection(ctx context.Context, connectionID string, fields map[string]any) error
}
