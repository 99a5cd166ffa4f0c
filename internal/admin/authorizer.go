// Package admin holds the privileged operations and the single guard that
// every one of them passes through.
package admin

import (
	"errors"
	"sort"
)

var ErrForbidden = errors.New("admin access required")

// Authorizer checks callers against the configured admin set.
type Authorizer struct {
	ids map[int64]struct{}
}

func NewAuthorizer(ids map[int64]struct{}) *Authorizer {
	copied := make(map[int64]struct{}, len(ids))
	for id := range ids {
		copied[id] = struct{}{}
	}
	return &Authorizer{ids: copied}
}

func (a *Authorizer) IsAdmin(id int64) bool {
	if a == nil || id == 0 {
		return false
	}
	_, ok := a.ids[id]
	return ok
}

func (a *Authorizer) Require(id int64) error {
	if !a.IsAdmin(id) {
		return ErrForbidden
	}
	return nil
}

// IDs returns the admin ids in ascending order.
func (a *Authorizer) IDs() []int64 {
	out := make([]int64, 0, len(a.ids))
	for id := range a.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
