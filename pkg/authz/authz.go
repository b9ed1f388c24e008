// Package authz is the authorization seam for operator-facing routes.
// Handlers call Authorize at their start instead of threading roles
// through arguments.
package authz

import (
	"errors"
	"fmt"
)

// ErrDenied is the uniform denial; HTTP surfaces map it to 403.
var ErrDenied = errors.New("authz: denied")

// Actor is an authenticated principal.
type Actor struct {
	ID       string
	TenantID string
	Admin    bool
}

// Authorizer decides whether an actor may perform an action on a resource.
type Authorizer interface {
	Authorize(actor Actor, action, resource string) error
}

// Actions used by the core routes.
const (
	ActionCommandCreate  = "command.create"
	ActionCommandApprove = "command.approve"
	ActionAuditVerify    = "audit.verify"
	ActionDLQReplay      = "dlq.replay"
	ActionKeyManage      = "key.manage"
)

// TenantScoped allows every action within the actor's own tenant and
// reserves cross-tenant access to admins. The resource is the tenant the
// action touches.
type TenantScoped struct{}

// Authorize implements Authorizer.
func (TenantScoped) Authorize(actor Actor, action, resource string) error {
	if actor.ID == "" {
		return fmt.Errorf("%w: unauthenticated", ErrDenied)
	}
	if actor.Admin {
		return nil
	}
	if resource != "" && resource != actor.TenantID {
		return fmt.Errorf("%w: tenant %s may not touch %s", ErrDenied, actor.TenantID, resource)
	}
	return nil
}
