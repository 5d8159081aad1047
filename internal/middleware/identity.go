package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/studio/internal/auth"
)

const (
	localUserID = "userId"
	localEmail  = "email"
	localName   = "name"
)

// Forwarded identity headers, set by /auth/verify and trusted in gateway mode.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserEmail = "X-User-Email"
	HeaderUserName  = "X-User-Name"
)

func setIdentity(c *fiber.Ctx, claims *auth.Claims) {
	c.Locals(localUserID, claims.UserID)
	c.Locals(localEmail, claims.Email)
	c.Locals(localName, claims.Name)
}

// GetUserID returns the authenticated user, or "" on unauthenticated routes.
// Jobs and songs are attributed to this id.
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals(localUserID).(string); ok {
		return userID
	}
	return ""
}
