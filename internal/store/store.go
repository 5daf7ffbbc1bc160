// ABOUTME: Shared store errors and domain value types for the root authority
// ABOUTME: Defines Scope, Role and the JSON set helpers used across entities

package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("already exists")

// ErrConflict is returned when a guarded update matched no rows, meaning
// another writer got there first.
var ErrConflict = errors.New("conflicting update")

// Scope is a capability grant value embedded in certificates and tokens.
type Scope string

const (
	ScopeEmitEvent     Scope = "EMIT_EVENT"
	ScopeObserveEvents Scope = "OBSERVE_EVENTS"
	ScopeManageDevices Scope = "MANAGE_DEVICES"
	ScopeManageSubnet  Scope = "MANAGE_SUBNET"
	ScopeBrowserIO     Scope = "BROWSER_IO"
)

// Role classifies a device within a subnet.
type Role string

const (
	RoleOwnerController Role = "OWNER_CONTROLLER"
	RoleHub             Role = "HUB"
	RoleMember          Role = "MEMBER"
	RoleBrowserIO       Role = "BROWSER_IO"
)

// ValidRoles lists all valid device roles.
var ValidRoles = []Role{RoleOwnerController, RoleHub, RoleMember, RoleBrowserIO}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// DedupScopes removes duplicate scopes preserving first-seen order.
func DedupScopes(scopes []Scope) []Scope {
	seen := make(map[Scope]bool, len(scopes))
	out := make([]Scope, 0, len(scopes))
	for _, s := range scopes {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// DedupStrings removes duplicate strings preserving first-seen order.
// Comparison is case-sensitive; slugification happens only in resolver caches.
func DedupStrings(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// ScopeStrings converts scopes to their string values.
func ScopeStrings(scopes []Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// ScopesFromStrings converts string values to scopes.
func ScopesFromStrings(values []string) []Scope {
	out := make([]Scope, len(values))
	for i, v := range values {
		out[i] = Scope(v)
	}
	return out
}

// marshalStringList encodes a string slice as a JSON column value.
// A nil slice encodes as the empty JSON array so rows round-trip
// deterministically.
func marshalStringList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshaling list column: %w", err)
	}
	return string(data), nil
}

// unmarshalStringList decodes a JSON column value into a string slice.
func unmarshalStringList(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil, fmt.Errorf("unmarshaling list column: %w", err)
	}
	return values, nil
}

// marshalScopeList encodes scopes as a JSON column value.
func marshalScopeList(scopes []Scope) (string, error) {
	return marshalStringList(ScopeStrings(scopes))
}

// unmarshalScopeList decodes a JSON column value into scopes.
func unmarshalScopeList(data string) ([]Scope, error) {
	values, err := unmarshalStringList(data)
	if err != nil {
		return nil, err
	}
	return ScopesFromStrings(values), nil
}
