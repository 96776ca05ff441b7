// Package auth authenticates API clients by static API key.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"
)

const (
	// RoleAsk may run questions through the model.
	RoleAsk = "ask"
	// RoleRead may read the schema and dictionary.
	RoleRead = "read"
)

var knownRoles = []string{RoleAsk, RoleRead}

type Identity struct {
	Client string
	Roles  []string
}

func (i Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

type APIKeyValidator interface {
	Validate(ctx context.Context, apiKey string) (Identity, bool)
}

type staticKey struct {
	key      string
	identity Identity
}

type StaticAPIKeyValidator struct {
	keys []staticKey
}

// NewStaticAPIKeyValidator parses "key:client:role|role" entries separated
// by commas.
func NewStaticAPIKeyValidator(spec string) (*StaticAPIKeyValidator, error) {
	validator := &StaticAPIKeyValidator{}
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, rest, ok := strings.Cut(entry, ":")
		client, roleList, ok2 := strings.Cut(rest, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if !ok || !ok2 || key == "" || client == "" {
			return nil, fmt.Errorf("invalid static key entry %q: expected key:client:role|role", entry)
		}

		var roles []string
		for _, role := range strings.Split(roleList, "|") {
			role = strings.ToLower(strings.TrimSpace(role))
			if role == "" {
				continue
			}
			if !slices.Contains(knownRoles, role) {
				return nil, fmt.Errorf("invalid static key entry for client %q: unknown role %q", client, role)
			}
			if !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
		if len(roles) == 0 {
			return nil, fmt.Errorf("invalid static key entry for client %q: at least one role is required", client)
		}
		slices.Sort(roles)
		validator.keys = append(validator.keys, staticKey{key: key, identity: Identity{Client: client, Roles: roles}})
	}
	return validator, nil
}

// Validate compares against every configured key in constant time.
func (v *StaticAPIKeyValidator) Validate(_ context.Context, apiKey string) (Identity, bool) {
	var (
		found Identity
		ok    bool
	)
	for _, candidate := range v.keys {
		if subtle.ConstantTimeCompare([]byte(candidate.key), []byte(apiKey)) == 1 {
			found, ok = candidate.identity, true
		}
	}
	return found, ok
}

func (v *StaticAPIKeyValidator) Len() int {
	return len(v.keys)
}
