// FILE: internal/pkg/serverutils/jwt_middleware.go
package serverutils

import (
	"collab-editor-be/internal/auth"

	"github.com/gofiber/fiber/v2"
)

// JwtMiddleware verifies the bearer token and stores the caller in
// ctx.Locals("account") and ctx.Locals("user_id").
func JwtMiddleware(verifier *auth.Verifier) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		authHeader := ctx.Get("Authorization")
		if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
			return ctx.Status(fiber.StatusUnauthorized).JSON(ErrorResponse(fiber.StatusUnauthorized, "Missing token"))
		}

		claims, err := verifier.Verify(authHeader[7:])
		if err != nil {
			return ctx.Status(fiber.StatusUnauthorized).JSON(ErrorResponse(fiber.StatusUnauthorized, "Invalid token"))
		}

		ctx.Locals("user_id", claims.UserID)
		ctx.Locals("account", claims.Account)
		return ctx.Next()
	}
}

// Account returns the caller stored by JwtMiddleware.
func Account(ctx *fiber.Ctx) string {
	account, _ := ctx.Locals("account").(string)
	return account
}
