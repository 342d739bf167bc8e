package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Permissions gating the payment endpoints.
const (
	PermProcessPayments = "process_payments"
	PermRefundPayments  = "refund_payments"
	PermViewPayments    = "view_payments"
)

// rolePermissions is the static grant table.  Roles are stored upper case in
// the token's role claim.
var rolePermissions = map[string]map[string]bool{
	"ADMIN":    {PermProcessPayments: true, PermRefundPayments: true, PermViewPayments: true},
	"PROVIDER": {PermViewPayments: true},
	"CUSTOMER": {PermProcessPayments: true, PermViewPayments: true},
}

// HasPermission reports whether role grants perm.
func HasPermission(role, perm string) bool {
	return rolePermissions[role][perm]
}

// RequirePermission aborts with 403 unless the role stored by JWTAuth grants
// perm.
func RequirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, _ := c.Get(CtxRole).(string)
			if !HasPermission(role, perm) {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "forbidden", "permission": perm})
			}
			return next(c)
		}
	}
}
