// Package auth authorizes API callers by role.
//
// Authentication happens upstream: a fronting middleware validates the
// caller and forwards one role in the X-StudioOS-Role header. This package
// only decides whether that role may perform an action.
package auth

import (
	"sort"
	"strings"

	"github.com/teranos/studioos/errors"
)

// Role is a caller role supplied by the upstream middleware.
// BASIC, STANDARD and ADVANCED are engineer tiers; VIEWER and APPROVER
// are client-side roles on a project.
type Role string

const (
	RoleBasic    Role = "BASIC"
	RoleStandard Role = "STANDARD"
	RoleAdvanced Role = "ADVANCED"
	RoleViewer   Role = "VIEWER"
	RoleApprover Role = "APPROVER"
)

// Action is an operation gated by role
type Action string

const (
	ActionView           Action = "view"
	ActionSubmitJob      Action = "job.submit"
	ActionCancelJob      Action = "job.cancel"
	ActionRetryJob       Action = "job.retry"
	ActionRerunJob       Action = "job.rerun"
	ActionCreateDelivery Action = "delivery.create"
	ActionBatchDeliver   Action = "delivery.batch" // one delivery to more than one platform
	ActionCancelDelivery Action = "delivery.cancel"
	ActionRetryDelivery  Action = "delivery.retry"
	ActionUploadBlob     Action = "blob.upload"
)

var permissions = map[Role]map[Action]bool{
	RoleViewer: {
		ActionView: true,
	},
	RoleBasic: {
		ActionView:       true,
		ActionSubmitJob:  true,
		ActionCancelJob:  true,
		ActionUploadBlob: true,
	},
	RoleStandard: {
		ActionView:           true,
		ActionSubmitJob:      true,
		ActionCancelJob:      true,
		ActionRetryJob:       true,
		ActionRerunJob:       true,
		ActionUploadBlob:     true,
		ActionCreateDelivery: true,
		ActionCancelDelivery: true,
	},
	RoleAdvanced: {
		ActionView:           true,
		ActionSubmitJob:      true,
		ActionCancelJob:      true,
		ActionRetryJob:       true,
		ActionRerunJob:       true,
		ActionUploadBlob:     true,
		ActionCreateDelivery: true,
		ActionBatchDeliver:   true,
		ActionCancelDelivery: true,
		ActionRetryDelivery:  true,
	},
	// Approving a master is what sends it out
	RoleApprover: {
		ActionView:           true,
		ActionCreateDelivery: true,
		ActionBatchDeliver:   true,
		ActionCancelDelivery: true,
		ActionRetryDelivery:  true,
	},
}

// ParseRole parses a role name case-insensitively
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := permissions[r]; !ok {
		return "", errors.NewInvalidRequestError("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	_, ok := permissions[r]
	return ok
}

// Can reports whether r may perform action
func (r Role) Can(action Action) bool {
	return permissions[r][action]
}

// Authorize returns ErrForbidden unless role may perform action
func Authorize(role Role, action Action) error {
	if role == "" {
		return errors.WithHint(
			errors.Wrapf(errors.ErrForbidden, "no role for %s", action),
			"the request must carry an "+RoleHeader+" header")
	}
	if !role.Can(action) {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrForbidden, "role %s may not %s", role, action),
			"Allowed roles: %s", strings.Join(rolesFor(action), ", "))
	}
	return nil
}

// Actions lists the actions role may perform, sorted
func Actions(role Role) []Action {
	out := make([]Action, 0, len(permissions[role]))
	for a, ok := range permissions[role] {
		if ok {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func rolesFor(action Action) []string {
	var out []string
	for r, actions := range permissions {
		if actions[action] {
			out = append(out, string(r))
		}
	}
	sort.Strings(out)
	return out
}
