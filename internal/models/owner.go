package models

import (
	"fmt"
	"strings"
)

// OwnerKind distinguishes individual accounts from organizations.
type OwnerKind string

const (
	OwnerKindUser OwnerKind = "user"
	OwnerKindOrg  OwnerKind = "org"
)

// Owner scopes every job, finding, config and concurrency count.
type Owner struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// UserOwner returns an Owner for an individual account.
func UserOwner(id string) Owner { return Owner{Kind: OwnerKindUser, ID: id} }

// OrgOwner returns an Owner for an organization.
func OrgOwner(id string) Owner { return Owner{Kind: OwnerKindOrg, ID: id} }

// String renders the owner as "kind:id", the form accepted by ParseOwner.
func (o Owner) String() string {
	return string(o.Kind) + ":" + o.ID
}

// IsZero reports whether the owner is unset.
func (o Owner) IsZero() bool {
	return o.Kind == "" && o.ID == ""
}

// Validate checks that the owner has a known kind and a non-empty id.
func (o Owner) Validate() error {
	switch o.Kind {
	case OwnerKindUser, OwnerKindOrg:
	default:
		return fmt.Errorf("invalid owner kind %q", o.Kind)
	}
	if strings.TrimSpace(o.ID) == "" {
		return fmt.Errorf("owner id is required")
	}
	return nil
}

// ParseOwner parses "user:<id>" or "org:<id>".
func ParseOwner(s string) (Owner, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Owner{}, fmt.Errorf("invalid owner %q: expected kind:id", s)
	}
	o := Owner{Kind: OwnerKind(strings.ToLower(kind)), ID: id}
	if err := o.Validate(); err != nil {
		return Owner{}, err
	}
	return o, nil
}
