package replication

import (
	"fmt"
	"strings"
)

// RemovePolicy decides which peers may remove an entity.
type RemovePolicy int

const (
	// RemoveOwnerOnly accepts a remove only from the entity's owner.
	RemoveOwnerOnly RemovePolicy = iota
	// RemoveAny accepts a remove from any peer.
	RemoveAny
)

func (p RemovePolicy) String() string {
	if p == RemoveAny {
		return "any"
	}
	return "owner"
}

// ParseRemovePolicy accepts "owner" or "any".
func ParseRemovePolicy(s string) (RemovePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "owner":
		return RemoveOwnerOnly, nil
	case "any":
		return RemoveAny, nil
	}
	return RemoveOwnerOnly, fmt.Errorf("unknown remove policy %q", s)
}

// UpdatePolicy decides which peers may replace an existing entity's payload.
type UpdatePolicy int

const (
	// UpdateAny applies updates from any peer, last writer wins. Ownership
	// does not move.
	UpdateAny UpdatePolicy = iota
	// UpdateOwnerOnly ignores updates from peers other than the owner.
	UpdateOwnerOnly
)

func (p UpdatePolicy) String() string {
	if p == UpdateOwnerOnly {
		return "owner"
	}
	return "any"
}

// ParseUpdatePolicy accepts "any" or "owner".
func ParseUpdatePolicy(s string) (UpdatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return UpdateAny, nil
	case "owner":
		return UpdateOwnerOnly, nil
	}
	return UpdateAny, fmt.Errorf("unknown update policy %q", s)
}
