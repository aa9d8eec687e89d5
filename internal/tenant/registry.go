// Package tenant resolves channel metadata to the owning tenant.
package tenant

import (
	"fmt"
	"strings"
)

// Tenant is one onboarded organization with its channel account binding.
type Tenant struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Name          string `mapstructure:"name" yaml:"name"`
	PhoneNumberID string `mapstructure:"phone_number_id" yaml:"phone_number_id"`
	AccessToken   string `mapstructure:"access_token" yaml:"access_token"`
	VerifyToken   string `mapstructure:"verify_token" yaml:"verify_token"`
	Language      string `mapstructure:"language" yaml:"language"`
}

// Registry is an immutable lookup over the configured tenants.
type Registry struct {
	byID    map[string]*Tenant
	byPhone map[string]*Tenant
}

// NewRegistry indexes the tenant list. Duplicate ids or phone number ids are
// configuration errors.
func NewRegistry(tenants []Tenant) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]*Tenant, len(tenants)),
		byPhone: make(map[string]*Tenant, len(tenants)),
	}
	for i := range tenants {
		t := &tenants[i]
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("tenant %d missing id", i)
		}
		if _, dup := r.byID[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tenant id %s", t.ID)
		}
		r.byID[t.ID] = t
		if t.PhoneNumberID != "" {
			if _, dup := r.byPhone[t.PhoneNumberID]; dup {
				return nil, fmt.Errorf("duplicate phone number id %s", t.PhoneNumberID)
			}
			r.byPhone[t.PhoneNumberID] = t
		}
	}
	return r, nil
}

// ByID returns the tenant with the given identifier.
func (r *Registry) ByID(tenantID string) (*Tenant, bool) {
	t, ok := r.byID[tenantID]
	return t, ok
}

// ByPhoneNumberID resolves the tenant owning a channel phone number id, the
// lookup the webhook performs on every envelope.
func (r *Registry) ByPhoneNumberID(phoneNumberID string) (*Tenant, bool) {
	t, ok := r.byPhone[phoneNumberID]
	return t, ok
}

// ByVerifyToken returns the tenant whose webhook verify token matches.
func (r *Registry) ByVerifyToken(token string) (*Tenant, bool) {
	if strings.TrimSpace(token) == "" {
		return nil, false
	}
	for _, t := range r.byID {
		if t.VerifyToken == token {
			return t, true
		}
	}
	return nil, false
}

// All returns every registered tenant.
func (r *Registry) All() []*Tenant {
	out := make([]*Tenant, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}
