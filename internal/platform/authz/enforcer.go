package authz

import (
	"fmt"
	"net/http"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/shopswift/api/internal/platform/auth"
	"github.com/shopswift/api/internal/platform/httpx"
)

// Resources and actions checked by the API.
const (
	ResourceOrders   = "orders"
	ResourcePayments = "payments"

	ActionCreate  = "create"
	ActionReadAll = "read_all"
	ActionManage  = "manage"
	ActionPay     = "pay"
	ActionRefund  = "refund"
)

const rbacModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// Admins inherit every customer permission through the grouping policy.
var defaultPolicies = [][]string{
	{auth.RoleCustomer, ResourceOrders, ActionCreate},
	{auth.RoleCustomer, ResourcePayments, ActionPay},
	{auth.RoleAdmin, ResourceOrders, ActionReadAll},
	{auth.RoleAdmin, ResourceOrders, ActionManage},
	{auth.RoleAdmin, ResourcePayments, ActionRefund},
}

// Enforcer answers role permission questions with a casbin RBAC model.
type Enforcer struct {
	enforcer *casbin.Enforcer
}

// NewEnforcer builds the in-memory RBAC enforcer seeded with the storefront policy.
func NewEnforcer() (*Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("authz: parse model: %w", err)
	}
	e, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz: create enforcer: %w", err)
	}
	if _, err := e.AddPolicies(defaultPolicies); err != nil {
		return nil, fmt.Errorf("authz: seed policies: %w", err)
	}
	if _, err := e.AddGroupingPolicy(auth.RoleAdmin, auth.RoleCustomer); err != nil {
		return nil, fmt.Errorf("authz: seed roles: %w", err)
	}
	return &Enforcer{enforcer: e}, nil
}

// Allowed reports whether role may perform action on resource.
func (e *Enforcer) Allowed(role, resource, action string) bool {
	if e == nil || e.enforcer == nil || role == "" {
		return false
	}
	ok, err := e.enforcer.Enforce(role, resource, action)
	return err == nil && ok
}

// Require rejects requests whose authenticated identity lacks the permission.
func (e *Enforcer) Require(resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "Not authorized", http.StatusUnauthorized))
				return
			}
			if !e.Allowed(identity.Role, resource, action) {
				httpx.WriteError(r.Context(), w, httpx.NewError("forbidden", "Access denied", http.StatusForbidden))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
