package domain

import "strings"

type Tenant struct {
	ID      string   `json:"tenant_id" yaml:"id"`
	Owner   string   `json:"owner" yaml:"owner"`
	Members []string `json:"members,omitempty" yaml:"members"`
}

func (t Tenant) IsOwner(principal string) bool {
	principal = strings.TrimSpace(principal)
	return principal != "" && principal == t.Owner
}

// HasAccess reports whether principal is the owner or a listed member.
func (t Tenant) HasAccess(principal string) bool {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return false
	}
	if principal == t.Owner {
		return true
	}
	for _, member := range t.Members {
		if member == principal {
			return true
		}
	}
	return false
}
