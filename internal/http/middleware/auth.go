// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides OwnerIdentity, the stand-in authentication layer. The
// service runs behind a gateway that authenticates creators and forwards the
// verified identity in the X-Owner-ID header; this middleware lifts it into
// the Gin context so handlers and the idempotency lookup resolve the same
// identity.
package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeaderOwnerID carries the authenticated owner identity set by the gateway.
const HeaderOwnerID = "X-Owner-ID"

// OwnerIdentity copies the gateway-verified owner identity from the request
// header into the Gin context. Requests without the header pass through
// unidentified; route handlers decide whether that is acceptable.
func OwnerIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := strings.TrimSpace(c.GetHeader(HeaderOwnerID)); v != "" {
			c.Set(ownerIDKey, v)
		}
		c.Next()
	}
}
