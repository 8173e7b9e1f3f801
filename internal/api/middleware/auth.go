package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/helioform/polyscape/internal/auth"
	"github.com/helioform/polyscape/internal/logger"
)

const identityKey = "identity"

// AuthMiddleware validates bearer credentials and attaches the verified
// identity to the request.
type AuthMiddleware struct {
	verifier *auth.Verifier
}

// NewAuthMiddleware creates auth middleware around a token verifier.
// Parameters:
//   - verifier: token verifier for user and service credentials.
// Returns:
//   - *AuthMiddleware: middleware instance.
func NewAuthMiddleware(verifier *auth.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// bearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter for clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(c.Query("token"))
}

// User requires a valid user token on the route.
func (m *AuthMiddleware) User() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing credentials"})
			return
		}

		id, err := m.verifier.VerifyUser(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		attachIdentity(c, id, logger.FieldUserID)
		c.Next()
	}
}

// Service requires a valid HS256 service token on the route. Workers and
// internal services authenticate this way.
func (m *AuthMiddleware) Service() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing credentials"})
			return
		}

		id, err := m.verifier.VerifyService(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		attachIdentity(c, id, logger.FieldWorkerID)
		c.Next()
	}
}

// attachIdentity stores the identity for handlers and adds the subject to
// the request-scoped log fields.
func attachIdentity(c *gin.Context, id *auth.Identity, field string) {
	c.Set(identityKey, id)
	ctx := logger.WithFields(c.Request.Context(), logger.Fields{
		field: id.Subject,
	})
	c.Request = c.Request.WithContext(ctx)
}

// Identity returns the verified identity attached by User or Service, or nil
// on unauthenticated routes.
// Parameters:
//   - c: Gin request context.
// Returns:
//   - *auth.Identity: verified identity, or nil.
func Identity(c *gin.Context) *auth.Identity {
	if v, exists := c.Get(identityKey); exists {
		if id, ok := v.(*auth.Identity); ok {
			return id
		}
	}
	return nil
}
